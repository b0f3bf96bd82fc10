// Package auction holds the types shared between the auctioneer and the bidder.
package auction

import (
	"slices"

	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/auctioneer/pkg/builder"
)

// Proposer is a validator's registered preferences for the slots it proposes.
type Proposer struct {
	PublicKey    phase0.BLSPubKey
	FeeRecipient bellatrix.ExecutionAddress
	GasLimit     uint64
}

// RelaySet is a sorted set of indices into the configured relay list.
type RelaySet []int

// NewRelaySet builds a relay set from arbitrary indices.
func NewRelaySet(indices ...int) RelaySet {
	set := slices.Clone(indices)
	slices.Sort(set)

	return slices.Compact(set)
}

// Contains reports whether index is in the set.
func (r RelaySet) Contains(index int) bool {
	_, found := slices.BinarySearch(r, index)
	return found
}

// Context is one open auction: a build for one proposer in one slot.
// It is immutable once handed to the bidder.
type Context struct {
	Slot       phase0.Slot
	Attributes *builder.Attributes
	Proposer   Proposer
	Relays     RelaySet
}

// PayloadID returns the id of the build backing this auction.
func (c *Context) PayloadID() builder.PayloadID {
	return c.Attributes.PayloadID()
}

// Message is a command sent from the bidder to the auctioneer.
type Message interface {
	isMessage()
}

// RevenueQuery asks for the current best value of an auction. The auctioneer
// replies with nil if the auction has no payload.
type RevenueQuery struct {
	PayloadID builder.PayloadID
	Reply     chan<- *uint256.Int
}

// Dispatch asks the auctioneer to finalize an auction and submit its bid.
type Dispatch struct {
	PayloadID builder.PayloadID
	Value     *uint256.Int
	KeepAlive bool
}

func (*RevenueQuery) isMessage() {}
func (*Dispatch) isMessage()     {}
