package relay

import (
	"fmt"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/auctioneer/pkg/signer"
)

// VerifyRegistration checks the BLS signature of a validator registration in
// the builder domain.
func VerifyRegistration(reg *apiv1.SignedValidatorRegistration, domain phase0.Domain) (bool, error) {
	if reg == nil || reg.Message == nil {
		return false, fmt.Errorf("empty registration")
	}

	root, err := reg.Message.HashTreeRoot()
	if err != nil {
		return false, fmt.Errorf("failed to compute registration root: %w", err)
	}

	return signer.VerifyBLSSignature(reg.Message.Pubkey, root, domain, reg.Signature)
}
