// Package auctionschedule merges the proposer schedules of all relays into a
// per-slot view of which proposer is reachable through which relays.
package auctionschedule

import (
	"bytes"
	"slices"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/relay"
)

// Proposal is a proposer for a slot together with the relays that listed it.
type Proposal struct {
	Proposer auction.Proposer
	Relays   auction.RelaySet
}

// Schedule maps slots to proposers and the relays serving them.
// It is not safe for concurrent use.
type Schedule struct {
	slots map[phase0.Slot]map[auction.Proposer]map[int]struct{}
}

// New creates an empty schedule.
func New() *Schedule {
	return &Schedule{
		slots: make(map[phase0.Slot]map[auction.Proposer]map[int]struct{}),
	}
}

// Process merges a relay's proposer schedule and returns the slots it
// touched in ascending order. Entries for the same proposer tuple from
// different relays share one relay set.
func (s *Schedule) Process(relayIndex int, schedule []*relay.ProposerSchedule) []phase0.Slot {
	touched := make([]phase0.Slot, 0, len(schedule))

	for _, entry := range schedule {
		if entry == nil || entry.Entry == nil || entry.Entry.Message == nil {
			continue
		}

		reg := entry.Entry.Message
		proposer := auction.Proposer{
			PublicKey:    reg.Pubkey,
			FeeRecipient: reg.FeeRecipient,
			GasLimit:     reg.GasLimit,
		}

		proposers, ok := s.slots[entry.Slot]
		if !ok {
			proposers = make(map[auction.Proposer]map[int]struct{})
			s.slots[entry.Slot] = proposers
		}

		relays, ok := proposers[proposer]
		if !ok {
			relays = make(map[int]struct{})
			proposers[proposer] = relays
		}

		relays[relayIndex] = struct{}{}

		touched = append(touched, entry.Slot)
	}

	slices.Sort(touched)

	return slices.Compact(touched)
}

// GetMatchingProposals returns the proposers scheduled for slot, ordered by
// public key, fee recipient and gas limit.
func (s *Schedule) GetMatchingProposals(slot phase0.Slot) []Proposal {
	proposers := s.slots[slot]
	if len(proposers) == 0 {
		return nil
	}

	proposals := make([]Proposal, 0, len(proposers))

	for proposer, relays := range proposers {
		indices := make([]int, 0, len(relays))
		for idx := range relays {
			indices = append(indices, idx)
		}

		proposals = append(proposals, Proposal{
			Proposer: proposer,
			Relays:   auction.NewRelaySet(indices...),
		})
	}

	slices.SortFunc(proposals, func(a, b Proposal) int {
		if c := bytes.Compare(a.Proposer.PublicKey[:], b.Proposer.PublicKey[:]); c != 0 {
			return c
		}

		if c := bytes.Compare(a.Proposer.FeeRecipient[:], b.Proposer.FeeRecipient[:]); c != 0 {
			return c
		}

		switch {
		case a.Proposer.GasLimit < b.Proposer.GasLimit:
			return -1
		case a.Proposer.GasLimit > b.Proposer.GasLimit:
			return 1
		default:
			return 0
		}
	})

	return proposals
}

// Clear drops every slot below retainSlot.
func (s *Schedule) Clear(retainSlot phase0.Slot) {
	for slot := range s.slots {
		if slot < retainSlot {
			delete(s.slots, slot)
		}
	}
}

// Len returns the number of scheduled slots.
func (s *Schedule) Len() int {
	return len(s.slots)
}
