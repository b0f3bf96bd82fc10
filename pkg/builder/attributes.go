package builder

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/ethpandaops/auctioneer/pkg/rpc/engine"
)

// PayloadID identifies one build attempt. It is derived from the full
// attribute set, so identical attributes always share an id.
type PayloadID [8]byte

// String returns the 0x-prefixed hex form of the id.
func (p PayloadID) String() string {
	return "0x" + hex.EncodeToString(p[:])
}

// ProposalAttributes are the proposer preferences layered on top of the
// consensus-provided payload attributes.
type ProposalAttributes struct {
	FeeRecipient common.Address
	GasLimit     uint64
}

// Attributes are the inputs of a payload build.
// Withdrawals is nil before Capella, ParentBeaconBlockRoot is nil before Deneb.
type Attributes struct {
	ParentHash            common.Hash
	Timestamp             uint64
	PrevRandao            common.Hash
	SuggestedFeeRecipient common.Address
	Withdrawals           []*types.Withdrawal
	ParentBeaconBlockRoot *common.Hash

	// Proposal is set once the attributes are bound to a specific proposer.
	Proposal *ProposalAttributes
}

// WithProposal returns a copy of the attributes bound to the given proposer
// preferences. The withdrawals slice is shared and must not be modified.
func (a *Attributes) WithProposal(proposal ProposalAttributes) *Attributes {
	clone := *a
	clone.Proposal = &proposal

	return &clone
}

// FeeRecipient returns the fee recipient the payload should pay to.
func (a *Attributes) FeeRecipient() common.Address {
	if a.Proposal != nil {
		return a.Proposal.FeeRecipient
	}

	return a.SuggestedFeeRecipient
}

// PayloadID computes the deterministic build id for these attributes.
func (a *Attributes) PayloadID() PayloadID {
	var buf [8]byte

	h := sha256.New()
	h.Write(a.ParentHash[:])

	binary.BigEndian.PutUint64(buf[:], a.Timestamp)
	h.Write(buf[:])

	h.Write(a.PrevRandao[:])
	h.Write(a.SuggestedFeeRecipient[:])

	if a.Withdrawals != nil {
		// Withdrawal RLP encoding cannot fail.
		encoded, _ := rlp.EncodeToBytes(a.Withdrawals)
		h.Write(encoded)
	}

	if a.ParentBeaconBlockRoot != nil {
		h.Write(a.ParentBeaconBlockRoot[:])
	}

	if a.Proposal != nil {
		h.Write(a.Proposal.FeeRecipient[:])

		binary.BigEndian.PutUint64(buf[:], a.Proposal.GasLimit)
		h.Write(buf[:])
	}

	var id PayloadID

	copy(id[:], h.Sum(nil)[:8])

	return id
}

// EngineVersion returns the engine API version matching the attribute shape.
func (a *Attributes) EngineVersion() engine.Version {
	switch {
	case a.ParentBeaconBlockRoot != nil:
		return engine.VersionDeneb
	case a.Withdrawals != nil:
		return engine.VersionCapella
	default:
		return engine.VersionBellatrix
	}
}

// dataVersion maps an engine API version to the consensus fork of its payloads.
func dataVersion(version engine.Version) spec.DataVersion {
	switch version {
	case engine.VersionBellatrix:
		return spec.DataVersionBellatrix
	case engine.VersionCapella:
		return spec.DataVersionCapella
	case engine.VersionDeneb:
		return spec.DataVersionDeneb
	default:
		return spec.DataVersionUnknown
	}
}
