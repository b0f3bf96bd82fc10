package auctionschedule

import (
	"testing"

	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/relay"
)

func entry(slot phase0.Slot, pubkey byte, feeRecipient byte, gasLimit uint64) *relay.ProposerSchedule {
	return &relay.ProposerSchedule{
		Slot: slot,
		Entry: &apiv1.SignedValidatorRegistration{
			Message: &apiv1.ValidatorRegistration{
				Pubkey:       phase0.BLSPubKey{pubkey},
				FeeRecipient: bellatrix.ExecutionAddress{feeRecipient},
				GasLimit:     gasLimit,
			},
		},
	}
}

func TestProcessMergesRelays(t *testing.T) {
	s := New()

	slots := s.Process(0, []*relay.ProposerSchedule{entry(100, 1, 1, 30_000_000), entry(101, 2, 2, 30_000_000)})
	assert.Equal(t, []phase0.Slot{100, 101}, slots)

	slots = s.Process(2, []*relay.ProposerSchedule{entry(100, 1, 1, 30_000_000)})
	assert.Equal(t, []phase0.Slot{100}, slots)

	proposals := s.GetMatchingProposals(100)
	require.Len(t, proposals, 1)
	assert.Equal(t, auction.RelaySet{0, 2}, proposals[0].Relays)
	assert.Equal(t, uint64(30_000_000), proposals[0].Proposer.GasLimit)

	proposals = s.GetMatchingProposals(101)
	require.Len(t, proposals, 1)
	assert.Equal(t, auction.RelaySet{0}, proposals[0].Relays)
}

func TestProcessIsIdempotent(t *testing.T) {
	s := New()

	s.Process(1, []*relay.ProposerSchedule{entry(100, 1, 1, 30_000_000)})
	s.Process(1, []*relay.ProposerSchedule{entry(100, 1, 1, 30_000_000)})

	proposals := s.GetMatchingProposals(100)
	require.Len(t, proposals, 1)
	assert.Equal(t, auction.RelaySet{1}, proposals[0].Relays)
}

func TestConflictingPreferencesKeepSeparateRelaySets(t *testing.T) {
	s := New()

	s.Process(0, []*relay.ProposerSchedule{entry(100, 1, 1, 30_000_000)})
	s.Process(1, []*relay.ProposerSchedule{entry(100, 1, 1, 36_000_000)})
	s.Process(2, []*relay.ProposerSchedule{entry(100, 1, 9, 30_000_000)})

	proposals := s.GetMatchingProposals(100)
	require.Len(t, proposals, 3)

	assert.Equal(t, uint64(30_000_000), proposals[0].Proposer.GasLimit)
	assert.Equal(t, auction.RelaySet{0}, proposals[0].Relays)

	assert.Equal(t, uint64(36_000_000), proposals[1].Proposer.GasLimit)
	assert.Equal(t, auction.RelaySet{1}, proposals[1].Relays)

	assert.Equal(t, bellatrix.ExecutionAddress{9}, proposals[2].Proposer.FeeRecipient)
	assert.Equal(t, auction.RelaySet{2}, proposals[2].Relays)
}

func TestProcessSkipsIncompleteEntries(t *testing.T) {
	s := New()

	slots := s.Process(0, []*relay.ProposerSchedule{
		nil,
		{Slot: 5},
		{Slot: 6, Entry: &apiv1.SignedValidatorRegistration{}},
	})

	assert.Empty(t, slots)
	assert.Equal(t, 0, s.Len())
}

func TestGetMatchingProposalsUnknownSlot(t *testing.T) {
	s := New()

	assert.Empty(t, s.GetMatchingProposals(42))
}

func TestClear(t *testing.T) {
	s := New()

	s.Process(0, []*relay.ProposerSchedule{
		entry(31, 1, 1, 1),
		entry(32, 2, 2, 2),
		entry(33, 3, 3, 3),
	})

	s.Clear(32)

	assert.Empty(t, s.GetMatchingProposals(31))
	assert.Len(t, s.GetMatchingProposals(32), 1)
	assert.Len(t, s.GetMatchingProposals(33), 1)
	assert.Equal(t, 2, s.Len())
}
