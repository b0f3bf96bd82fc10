package signer

import (
	"encoding/hex"
	"testing"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivkey = "0x0000000000000000000000000000000000000000000000000000000000000001"

// TestBuilderDomainMainnet checks the builder domain against the well known
// mainnet value (genesis fork version 0x00000000).
func TestBuilderDomainMainnet(t *testing.T) {
	domain := ComputeBuilderDomain(phase0.Version{})

	expected, err := hex.DecodeString("00000001f5a5fd42d16a20302798ef6ed309979b43003d2320d9f0e8ea9831a9")
	require.NoError(t, err)

	assert.Equal(t, expected, domain[:])
}

func TestComputeDomain(t *testing.T) {
	forkVersion := phase0.Version{0x10, 0x00, 0x00, 0x38}
	genesisRoot := phase0.Root{0x01}

	domain := ComputeDomain(DomainApplicationBuilder, forkVersion, genesisRoot)

	t.Logf("Domain: 0x%x", domain[:])

	assert.Equal(t, DomainApplicationBuilder[:], domain[:4], "domain should start with the domain type")

	domain2 := ComputeDomain(DomainApplicationBuilder, forkVersion, genesisRoot)
	assert.Equal(t, domain, domain2, "domain should be deterministic")

	other := ComputeDomain(DomainApplicationBuilder, phase0.Version{}, genesisRoot)
	assert.NotEqual(t, domain, other, "fork version should affect the domain")
}

func TestSigningRootComputation(t *testing.T) {
	objectRoot := phase0.Root{}
	copy(objectRoot[:], []byte("test object root for signing..."))

	domain := phase0.Domain{}
	copy(domain[:], []byte("test domain for signing........"))

	signingRoot := ComputeSigningRoot(objectRoot, domain)

	var emptyRoot phase0.Root
	assert.NotEqual(t, emptyRoot, signingRoot, "signing root should not be empty")
	assert.Equal(t, signingRoot, ComputeSigningRoot(objectRoot, domain))
}

func TestNewBLSSigner(t *testing.T) {
	s, err := NewBLSSigner(testPrivkey)
	require.NoError(t, err)

	var emptyPubkey phase0.BLSPubKey
	assert.NotEqual(t, emptyPubkey, s.PublicKey())

	_, err = NewBLSSigner("0x1234")
	require.Error(t, err)

	_, err = NewBLSSigner("not-hex")
	require.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	s, err := NewBLSSigner(testPrivkey)
	require.NoError(t, err)

	root := phase0.Root{0xde, 0xad, 0xbe, 0xef}
	domain := ComputeBuilderDomain(phase0.Version{})

	sig, err := s.SignWithDomain(root, domain)
	require.NoError(t, err)

	ok, err := VerifyBLSSignature(s.PublicKey(), root, domain, sig)
	require.NoError(t, err)
	assert.True(t, ok, "signature should verify")

	// Different domain must not verify.
	ok, err = VerifyBLSSignature(s.PublicKey(), root, ComputeBuilderDomain(phase0.Version{0x01}), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	// Different root must not verify.
	ok, err = VerifyBLSSignature(s.PublicKey(), phase0.Root{0x01}, domain, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
