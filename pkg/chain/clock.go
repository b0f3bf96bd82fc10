package chain

import (
	"context"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
	"github.com/ethpandaops/auctioneer/pkg/utils"
)

// ClockEventKind distinguishes slot and epoch ticks.
type ClockEventKind int

const (
	// ClockNewSlot is fired at the start of every slot.
	ClockNewSlot ClockEventKind = iota
	// ClockNewEpoch is fired at the start of every epoch, before the slot tick.
	ClockNewEpoch
)

// String returns a string representation of the event kind.
func (k ClockEventKind) String() string {
	switch k {
	case ClockNewSlot:
		return "new_slot"
	case ClockNewEpoch:
		return "new_epoch"
	default:
		return "unknown"
	}
}

// ClockEvent is a slot or epoch boundary.
type ClockEvent struct {
	Kind  ClockEventKind
	Slot  phase0.Slot
	Epoch phase0.Epoch
}

// Clock broadcasts slot and epoch boundaries derived from genesis and the chain spec.
// Subscribers that fall behind drop events.
type Clock struct {
	genesis    *beacon.Genesis
	spec       *beacon.ChainSpec
	log        logrus.FieldLogger
	dispatcher *utils.Dispatcher[*ClockEvent]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClock creates a new slot clock.
func NewClock(genesis *beacon.Genesis, spec *beacon.ChainSpec, log logrus.FieldLogger) *Clock {
	return &Clock{
		genesis:    genesis,
		spec:       spec,
		log:        log.WithField("component", "clock"),
		dispatcher: &utils.Dispatcher[*ClockEvent]{},
	}
}

// SubscribeClock returns a subscription for clock events.
func (c *Clock) SubscribeClock() *utils.Subscription[*ClockEvent] {
	return c.dispatcher.Subscribe(16, false)
}

// CurrentSlot returns the slot for the current wall clock time.
func (c *Clock) CurrentSlot() phase0.Slot {
	return TimeToSlot(c.genesis, c.spec, time.Now())
}

// Start starts ticking at every slot boundary.
func (c *Clock) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)

	go c.run()
}

// Stop stops the clock and closes all subscriptions.
func (c *Clock) Stop() {
	if c.cancel != nil {
		c.cancel()
	}

	c.wg.Wait()
	c.dispatcher.Close()
}

func (c *Clock) run() {
	defer c.wg.Done()

	for {
		next := phase0.Slot(0)
		if !time.Now().Before(c.genesis.GenesisTime) {
			next = c.CurrentSlot() + 1
		}

		timer := time.NewTimer(time.Until(SlotToTime(c.genesis, c.spec, next)))

		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			c.tick(next)
		}
	}
}

// tick fires the events for the start of slot.
func (c *Clock) tick(slot phase0.Slot) {
	epoch := EpochOf(c.spec, slot)

	if uint64(slot)%c.spec.SlotsPerEpoch == 0 {
		c.log.WithField("epoch", epoch).Debug("New epoch")
		c.dispatcher.Fire(&ClockEvent{Kind: ClockNewEpoch, Slot: slot, Epoch: epoch})
	}

	c.log.WithField("slot", slot).Trace("New slot")
	c.dispatcher.Fire(&ClockEvent{Kind: ClockNewSlot, Slot: slot, Epoch: epoch})
}
