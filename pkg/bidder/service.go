// Package bidder decides when to bid in each open auction.
package bidder

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/builder"
	"github.com/ethpandaops/auctioneer/pkg/chain"
	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
)

// DefaultBidTime bids one second before the start of the auction's slot.
const DefaultBidTime = -1000 * time.Millisecond

// Config holds bidding settings.
type Config struct {
	// BidTime is the bid deadline relative to the slot start.
	BidTime time.Duration
	// KeepAlive is forwarded with every dispatch. The auctioneer does not act
	// on it; resolving a payload always ends its build.
	KeepAlive bool
}

// Service places one bid per auction at the configured deadline.
type Service struct {
	cfg       *Config
	genesis   *beacon.Genesis
	chainSpec *beacon.ChainSpec
	auctions  <-chan *auction.Context
	messages  chan<- auction.Message
	log       logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[builder.PayloadID]*time.Timer
}

// NewService creates a bidder reading auctions and sending commands to the auctioneer.
func NewService(
	cfg *Config,
	genesis *beacon.Genesis,
	chainSpec *beacon.ChainSpec,
	auctions <-chan *auction.Context,
	messages chan<- auction.Message,
	log logrus.FieldLogger,
) *Service {
	return &Service{
		cfg:       cfg,
		genesis:   genesis,
		chainSpec: chainSpec,
		auctions:  auctions,
		messages:  messages,
		log:       log.WithField("component", "bidder"),
		timers:    make(map[builder.PayloadID]*time.Timer, 16),
	}
}

// Start begins consuming auctions.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go s.run()

	s.log.WithFields(logrus.Fields{
		"bid_time":   s.cfg.BidTime,
		"keep_alive": s.cfg.KeepAlive,
	}).Info("Bidder started")

	return nil
}

// Stop cancels pending bids and waits for running ones.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}

		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Bidder stopped")
}

// Pending returns the number of scheduled bids.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}

func (s *Service) run() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case auctionCtx, ok := <-s.auctions:
			if !ok {
				return
			}

			s.schedule(auctionCtx)
		}
	}
}

func (s *Service) schedule(auctionCtx *auction.Context) {
	id := auctionCtx.PayloadID()
	deadline := chain.SlotToTime(s.genesis, s.chainSpec, auctionCtx.Slot).Add(s.cfg.BidTime)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop may already have drained the timers.
	if s.ctx.Err() != nil {
		return
	}

	if _, ok := s.timers[id]; ok {
		return
	}

	s.wg.Add(1)

	s.timers[id] = time.AfterFunc(time.Until(deadline), func() {
		defer s.wg.Done()

		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()

		s.bid(auctionCtx)
	})

	s.log.WithFields(logrus.Fields{
		"slot":       auctionCtx.Slot,
		"payload_id": id.String(),
		"deadline":   deadline,
	}).Debug("Scheduled bid")
}

func (s *Service) bid(auctionCtx *auction.Context) {
	id := auctionCtx.PayloadID()
	log := s.log.WithFields(logrus.Fields{
		"slot":       auctionCtx.Slot,
		"payload_id": id.String(),
	})

	reply := make(chan *uint256.Int, 1)

	if !s.send(&auction.RevenueQuery{PayloadID: id, Reply: reply}) {
		return
	}

	var revenue *uint256.Int

	select {
	case revenue = <-reply:
	case <-s.ctx.Done():
		return
	}

	if revenue == nil {
		log.Debug("No payload for auction, skipping bid")
		return
	}

	if !s.send(&auction.Dispatch{PayloadID: id, Value: revenue, KeepAlive: s.cfg.KeepAlive}) {
		return
	}

	log.WithField("value", revenue.Dec()).Info("Dispatched bid")
}

func (s *Service) send(msg auction.Message) bool {
	select {
	case s.messages <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}
