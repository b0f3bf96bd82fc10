// Package signer provides BLS signing utilities for builder bid submissions.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/herumi/bls-eth-go-binary/bls"
)

var initOnce sync.Once

// DomainApplicationBuilder is the domain type for builder API messages
// (bid traces, validator registrations).
var DomainApplicationBuilder = phase0.DomainType{0x00, 0x00, 0x00, 0x01}

// initBLS initializes the BLS library with BLS12-381 curve.
func initBLS() {
	initOnce.Do(func() {
		if err := bls.Init(bls.BLS12_381); err != nil {
			panic(fmt.Sprintf("failed to initialize BLS library: %v", err))
		}

		if err := bls.SetETHmode(bls.EthModeLatest); err != nil {
			panic(fmt.Sprintf("failed to set ETH mode: %v", err))
		}
	})
}

// BLSSigner handles BLS signing operations for a builder.
type BLSSigner struct {
	secretKey   *bls.SecretKey
	pubkeyBytes phase0.BLSPubKey
}

// NewBLSSigner creates a new BLS signer from a hex-encoded private key.
func NewBLSSigner(privkeyHex string) (*BLSSigner, error) {
	initBLS()

	privkeyHex = strings.TrimPrefix(privkeyHex, "0x")

	privkeyBytes, err := hex.DecodeString(privkeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key hex: %w", err)
	}

	if len(privkeyBytes) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privkeyBytes))
	}

	secretKey := new(bls.SecretKey)
	if err := secretKey.Deserialize(privkeyBytes); err != nil {
		return nil, fmt.Errorf("failed to deserialize secret key: %w", err)
	}

	var pubkeyBytes phase0.BLSPubKey

	copy(pubkeyBytes[:], secretKey.GetPublicKey().Serialize())

	return &BLSSigner{
		secretKey:   secretKey,
		pubkeyBytes: pubkeyBytes,
	}, nil
}

// PublicKey returns the BLS public key.
func (s *BLSSigner) PublicKey() phase0.BLSPubKey {
	return s.pubkeyBytes
}

// Sign signs a message and returns the signature.
func (s *BLSSigner) Sign(message []byte) (phase0.BLSSignature, error) {
	sig := s.secretKey.SignByte(message)

	var sigBytes phase0.BLSSignature
	copy(sigBytes[:], sig.Serialize())

	return sigBytes, nil
}

// SignWithDomain signs a root with a domain and returns the signature.
func (s *BLSSigner) SignWithDomain(root phase0.Root, domain phase0.Domain) (phase0.BLSSignature, error) {
	signingRoot := ComputeSigningRoot(root, domain)

	return s.Sign(signingRoot[:])
}

// ComputeBuilderDomain returns the builder API signing domain. Builder
// messages always use the genesis fork version and an empty validators root.
func ComputeBuilderDomain(genesisForkVersion phase0.Version) phase0.Domain {
	return ComputeDomain(DomainApplicationBuilder, genesisForkVersion, phase0.Root{})
}

// ComputeDomain computes a domain value for a given domain type and fork version.
func ComputeDomain(
	domainType phase0.DomainType,
	forkVersion phase0.Version,
	genesisValidatorsRoot phase0.Root,
) phase0.Domain {
	forkDataRoot := computeForkDataRoot(forkVersion, genesisValidatorsRoot)

	// Domain = domain_type + fork_data_root[:28]
	var domain phase0.Domain

	copy(domain[:4], domainType[:])
	copy(domain[4:], forkDataRoot[:28])

	return domain
}

// computeForkDataRoot computes the fork data root from fork version and genesis validators root.
func computeForkDataRoot(forkVersion phase0.Version, genesisValidatorsRoot phase0.Root) phase0.Root {
	// ForkData{current_version, genesis_validators_root}
	var forkData [64]byte

	copy(forkData[:4], forkVersion[:])
	copy(forkData[32:], genesisValidatorsRoot[:])

	return sha256.Sum256(forkData[:])
}

// ComputeSigningRoot computes the signing root from an object root and domain.
func ComputeSigningRoot(objectRoot phase0.Root, domain phase0.Domain) phase0.Root {
	// SigningData{object_root, domain}
	var signingData [64]byte

	copy(signingData[:32], objectRoot[:])
	copy(signingData[32:], domain[:])

	return sha256.Sum256(signingData[:])
}

// VerifyBLSSignature checks a signature over an object root in the given domain.
func VerifyBLSSignature(
	pubkey phase0.BLSPubKey,
	objectRoot phase0.Root,
	domain phase0.Domain,
	signature phase0.BLSSignature,
) (bool, error) {
	initBLS()

	pk := new(bls.PublicKey)
	if err := pk.Deserialize(pubkey[:]); err != nil {
		return false, fmt.Errorf("failed to deserialize public key: %w", err)
	}

	sig := new(bls.Sign)
	if err := sig.Deserialize(signature[:]); err != nil {
		return false, fmt.Errorf("failed to deserialize signature: %w", err)
	}

	signingRoot := ComputeSigningRoot(objectRoot, domain)

	return sig.VerifyByte(pk, signingRoot[:]), nil
}
