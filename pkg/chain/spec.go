// Package chain provides slot and epoch arithmetic and the slot clock.
package chain

import (
	"fmt"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"

	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
)

// SlotToTime converts a slot number to a timestamp.
func SlotToTime(genesis *beacon.Genesis, spec *beacon.ChainSpec, slot phase0.Slot) time.Time {
	slotDuration := time.Duration(uint64(slot)) * spec.SecondsPerSlot
	return genesis.GenesisTime.Add(slotDuration)
}

// TimeToSlot converts a timestamp to a slot number.
func TimeToSlot(genesis *beacon.Genesis, spec *beacon.ChainSpec, t time.Time) phase0.Slot {
	if t.Before(genesis.GenesisTime) {
		return 0
	}

	elapsed := t.Sub(genesis.GenesisTime)

	return phase0.Slot(elapsed / spec.SecondsPerSlot)
}

// TimestampToSlot converts an execution payload timestamp (unix seconds) to
// its slot. Timestamps before genesis are rejected.
func TimestampToSlot(genesis *beacon.Genesis, spec *beacon.ChainSpec, timestamp uint64) (phase0.Slot, error) {
	genesisUnix := genesis.GenesisTime.Unix()
	if genesisUnix < 0 || timestamp < uint64(genesisUnix) {
		return 0, fmt.Errorf("timestamp %d is before genesis %d", timestamp, genesisUnix)
	}

	secondsPerSlot := uint64(spec.SecondsPerSlot / time.Second)
	if secondsPerSlot == 0 {
		return 0, fmt.Errorf("invalid seconds per slot: %s", spec.SecondsPerSlot)
	}

	return phase0.Slot((timestamp - uint64(genesisUnix)) / secondsPerSlot), nil
}

// EpochOf returns the epoch containing slot.
func EpochOf(spec *beacon.ChainSpec, slot phase0.Slot) phase0.Epoch {
	return phase0.Epoch(uint64(slot) / spec.SlotsPerEpoch)
}

// EpochStartSlot returns the first slot of epoch.
func EpochStartSlot(spec *beacon.ChainSpec, epoch phase0.Epoch) phase0.Slot {
	return phase0.Slot(uint64(epoch) * spec.SlotsPerEpoch)
}
