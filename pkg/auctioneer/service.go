// Package auctioneer coordinates relay schedules, payload builds and bid
// submission for the slots this builder competes in.
package auctioneer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	builderspec "github.com/attestantio/go-builder-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/auctionschedule"
	"github.com/ethpandaops/auctioneer/pkg/builder"
	"github.com/ethpandaops/auctioneer/pkg/chain"
	"github.com/ethpandaops/auctioneer/pkg/relay"
	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
	"github.com/ethpandaops/auctioneer/pkg/signer"
	"github.com/ethpandaops/auctioneer/pkg/utils"
)

// DefaultScheduleRefreshInterval is how many times per epoch relay schedules are fetched.
const DefaultScheduleRefreshInterval = 2

// Relay is a relay the auctioneer fetches schedules from and submits bids to.
type Relay interface {
	fmt.Stringer
	GetProposalSchedule(ctx context.Context) ([]*relay.ProposerSchedule, error)
	SubmitBid(ctx context.Context, req *builderspec.VersionedSubmitBlockRequest) error
}

// PayloadBuilder runs payload builds. BestPayload and Resolve return nil
// without error when there is no build for the id.
type PayloadBuilder interface {
	StartBuild(ctx context.Context, attrs *builder.Attributes) (builder.PayloadID, error)
	BestPayload(ctx context.Context, id builder.PayloadID) (*builder.BuiltPayload, error)
	Resolve(ctx context.Context, id builder.PayloadID) (*builder.BuiltPayload, error)
	SubscribeEvents() *utils.Subscription[*builder.Event]
}

// Clock provides slot and epoch boundaries.
type Clock interface {
	SubscribeClock() *utils.Subscription[*chain.ClockEvent]
}

// Signer signs bid traces with the builder key.
type Signer interface {
	PublicKey() phase0.BLSPubKey
	SignWithDomain(root phase0.Root, domain phase0.Domain) (phase0.BLSSignature, error)
}

// Config holds auctioneer settings.
type Config struct {
	// ScheduleRefreshInterval is how many times per epoch schedules are refreshed.
	ScheduleRefreshInterval uint64
	// VerifyRegistrations drops schedule entries with an invalid registration signature.
	VerifyRegistrations bool
}

// Service is the auctioneer. All state below is owned by the Run loop.
type Service struct {
	cfg       *Config
	relays    []Relay
	builder   PayloadBuilder
	clock     Clock
	signer    Signer
	genesis   *beacon.Genesis
	chainSpec *beacon.ChainSpec
	log       logrus.FieldLogger

	builderDomain phase0.Domain

	auctions chan<- *auction.Context
	messages <-chan auction.Message

	schedule     *auctionschedule.Schedule
	openAuctions map[builder.PayloadID]*auction.Context
	processed    map[phase0.Slot]map[builder.PayloadID]struct{}

	openCount atomic.Int64
}

// NewService creates a new auctioneer. New auctions are sent on auctions;
// bidder commands are read from messages.
func NewService(
	cfg *Config,
	relays []Relay,
	payloadBuilder PayloadBuilder,
	clock Clock,
	blsSigner Signer,
	genesis *beacon.Genesis,
	chainSpec *beacon.ChainSpec,
	auctions chan<- *auction.Context,
	messages <-chan auction.Message,
	log logrus.FieldLogger,
) *Service {
	if cfg.ScheduleRefreshInterval == 0 {
		cfg.ScheduleRefreshInterval = DefaultScheduleRefreshInterval
	}

	return &Service{
		cfg:           cfg,
		relays:        relays,
		builder:       payloadBuilder,
		clock:         clock,
		signer:        blsSigner,
		genesis:       genesis,
		chainSpec:     chainSpec,
		log:           log.WithField("component", "auctioneer"),
		builderDomain: signer.ComputeBuilderDomain(genesis.GenesisForkVersion),
		auctions:      auctions,
		messages:      messages,
		schedule:      auctionschedule.New(),
		openAuctions:  make(map[builder.PayloadID]*auction.Context, 64),
		processed:     make(map[phase0.Slot]map[builder.PayloadID]struct{}, 64),
	}
}

// OpenAuctions returns the number of open auctions. Safe for concurrent use.
func (s *Service) OpenAuctions() int64 {
	return s.openCount.Load()
}

// RelayNames returns the configured relays in index order.
func (s *Service) RelayNames() []string {
	names := make([]string, len(s.relays))
	for i, r := range s.relays {
		names[i] = r.String()
	}

	return names
}

// Run processes clock, build and bidder events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if len(s.relays) == 0 {
		s.log.Warn("No valid relays configured")
	} else {
		s.log.WithFields(logrus.Fields{
			"count":  len(s.relays),
			"relays": s.RelayNames(),
		}).Info("Configured relays")
	}

	clockSub := s.clock.SubscribeClock()
	defer clockSub.Unsubscribe()

	eventSub := s.builder.SubscribeEvents()
	defer eventSub.Unsubscribe()

	s.fetchProposerSchedules(ctx)

	clockEvents := clockSub.Channel()
	buildEvents := eventSub.Channel()
	messages := s.messages

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Auctioneer stopped")
			return nil

		case event, ok := <-clockEvents:
			if !ok {
				s.log.Warn("Clock subscription closed")
				clockEvents = nil

				continue
			}

			s.handleClockEvent(ctx, event)

		case event, ok := <-buildEvents:
			if !ok {
				s.log.Warn("Builder event subscription closed")
				buildEvents = nil

				continue
			}

			if event.Type == builder.EventPayloadAttributes {
				s.onPayloadAttributes(ctx, event.Attributes)
			}

		case msg, ok := <-messages:
			if !ok {
				s.log.Warn("Bidder message channel closed")
				messages = nil

				continue
			}

			s.handleBidderMessage(ctx, msg)
		}
	}
}

func (s *Service) handleClockEvent(ctx context.Context, event *chain.ClockEvent) {
	switch event.Kind {
	case chain.ClockNewSlot:
		s.onSlot(ctx, event.Slot)
	case chain.ClockNewEpoch:
		s.onEpoch(event.Epoch)
	}
}

func (s *Service) onSlot(ctx context.Context, slot phase0.Slot) {
	s.log.WithField("slot", slot).Debug("Processing slot")

	if (uint64(slot)*s.cfg.ScheduleRefreshInterval)%s.chainSpec.SlotsPerEpoch == 0 {
		s.fetchProposerSchedules(ctx)
	}
}

func (s *Service) onEpoch(epoch phase0.Epoch) {
	retainSlot := chain.EpochStartSlot(s.chainSpec, epoch)

	s.schedule.Clear(retainSlot)

	for id, auctionCtx := range s.openAuctions {
		if auctionCtx.Slot < retainSlot {
			delete(s.openAuctions, id)
		}
	}

	for slot := range s.processed {
		if slot < retainSlot {
			delete(s.processed, slot)
		}
	}

	s.updateOpenCount()

	s.log.WithFields(logrus.Fields{
		"epoch":         epoch,
		"retain_slot":   retainSlot,
		"open_auctions": len(s.openAuctions),
	}).Debug("Processing epoch")
}

// fetchProposerSchedules fetches every relay's schedule concurrently and
// merges the results in relay order.
func (s *Service) fetchProposerSchedules(ctx context.Context) {
	results := make([][]*relay.ProposerSchedule, len(s.relays))

	g, gctx := errgroup.WithContext(ctx)

	for i, r := range s.relays {
		g.Go(func() error {
			schedule, err := r.GetProposalSchedule(gctx)
			if err != nil {
				scheduleFetchFailures.WithLabelValues(r.String()).Inc()
				s.log.WithError(err).WithField("relay", r.String()).Warn("Failed to fetch proposer schedule")

				return nil
			}

			if s.cfg.VerifyRegistrations {
				schedule = s.verifiedEntries(r, schedule)
			}

			results[i] = schedule

			return nil
		})
	}

	_ = g.Wait()

	for i, schedule := range results {
		if schedule == nil {
			continue
		}

		slots := s.schedule.Process(i, schedule)

		s.log.WithFields(logrus.Fields{
			"relay": s.relays[i].String(),
			"slots": slots,
		}).Info("Processed proposer schedule")
	}
}

func (s *Service) verifiedEntries(r Relay, schedule []*relay.ProposerSchedule) []*relay.ProposerSchedule {
	verified := make([]*relay.ProposerSchedule, 0, len(schedule))

	for _, entry := range schedule {
		ok, err := relay.VerifyRegistration(entry.Entry, s.builderDomain)
		if err != nil || !ok {
			s.log.WithError(err).WithFields(logrus.Fields{
				"relay": r.String(),
				"slot":  entry.Slot,
			}).Warn("Dropping schedule entry with invalid registration")

			continue
		}

		verified = append(verified, entry)
	}

	return verified
}

func (s *Service) onPayloadAttributes(ctx context.Context, attrs *builder.Attributes) {
	if attrs == nil {
		return
	}

	slot, err := chain.TimestampToSlot(s.genesis, s.chainSpec, attrs.Timestamp)
	if err != nil {
		s.invariantViolation("pre_genesis_attributes", "payload attributes before genesis", err, logrus.Fields{"timestamp": attrs.Timestamp})
		return
	}

	id := attrs.PayloadID()

	processed, ok := s.processed[slot]
	if !ok {
		processed = make(map[builder.PayloadID]struct{}, 4)
		s.processed[slot] = processed
	}

	if _, ok := processed[id]; ok {
		duplicateAttributes.Inc()
		s.log.WithField("payload_id", id.String()).Trace("Ignoring duplicate payload attributes")

		return
	}

	processed[id] = struct{}{}

	proposals := s.schedule.GetMatchingProposals(slot)
	if len(proposals) == 0 {
		s.log.WithField("slot", slot).Debug("No scheduled proposer for slot")
		return
	}

	for _, auctionCtx := range s.startBuilds(ctx, slot, attrs, proposals) {
		s.openAuction(ctx, auctionCtx)
	}
}

// startBuilds starts one build per proposal and returns the auctions whose
// build started, in proposal order.
func (s *Service) startBuilds(
	ctx context.Context,
	slot phase0.Slot,
	attrs *builder.Attributes,
	proposals []auctionschedule.Proposal,
) []*auction.Context {
	results := make([]*auction.Context, len(proposals))
	returnedIDs := make([]builder.PayloadID, len(proposals))

	g, gctx := errgroup.WithContext(ctx)

	for i, proposal := range proposals {
		proposerAttrs := attrs.WithProposal(builder.ProposalAttributes{
			FeeRecipient: common.Address(proposal.Proposer.FeeRecipient),
			GasLimit:     proposal.Proposer.GasLimit,
		})

		g.Go(func() error {
			id, err := s.builder.StartBuild(gctx, proposerAttrs)
			if err != nil {
				buildFailures.Inc()
				s.log.WithError(err).WithFields(logrus.Fields{
					"slot":     slot,
					"proposer": proposal.Proposer.PublicKey.String(),
				}).Warn("Builder could not start build")

				return nil
			}

			returnedIDs[i] = id
			results[i] = &auction.Context{
				Slot:       slot,
				Attributes: proposerAttrs,
				Proposer:   proposal.Proposer,
				Relays:     proposal.Relays,
			}

			return nil
		})
	}

	_ = g.Wait()

	auctions := make([]*auction.Context, 0, len(results))

	for i, auctionCtx := range results {
		if auctionCtx == nil {
			continue
		}

		if local := auctionCtx.PayloadID(); returnedIDs[i] != local {
			s.invariantViolation("payload_id_mismatch", "builder returned a different payload id", nil, logrus.Fields{
				"payload_id":            returnedIDs[i].String(),
				"attributes_payload_id": local.String(),
			})
		}

		auctions = append(auctions, auctionCtx)
	}

	return auctions
}

// openAuction records the auction and hands it to the bidder. The first
// auction recorded for an id is kept.
func (s *Service) openAuction(ctx context.Context, auctionCtx *auction.Context) {
	id := auctionCtx.PayloadID()

	existing, ok := s.openAuctions[id]
	if !ok {
		s.openAuctions[id] = auctionCtx
		existing = auctionCtx

		auctionsOpened.Inc()
		s.updateOpenCount()

		s.log.WithFields(logrus.Fields{
			"slot":       auctionCtx.Slot,
			"payload_id": id.String(),
			"proposer":   auctionCtx.Proposer.PublicKey.String(),
			"relays":     auctionCtx.Relays,
		}).Info("Opened auction")
	}

	// Sending on a closed bidder channel panics.
	select {
	case s.auctions <- existing:
	case <-ctx.Done():
	}
}

func (s *Service) handleBidderMessage(ctx context.Context, msg auction.Message) {
	switch m := msg.(type) {
	case *auction.RevenueQuery:
		s.handleRevenueQuery(ctx, m)
	case *auction.Dispatch:
		s.handleDispatch(ctx, m)
	default:
		s.log.Warnf("Unknown bidder message %T", msg)
	}
}

func (s *Service) handleRevenueQuery(ctx context.Context, query *auction.RevenueQuery) {
	var value *uint256.Int

	payload, err := s.builder.BestPayload(ctx, query.PayloadID)
	if err != nil {
		s.log.WithError(err).WithField("payload_id", query.PayloadID.String()).Warn("Could not get best payload")
	} else if payload != nil {
		value = payload.Value
	}

	select {
	case query.Reply <- value:
	default:
		s.log.WithField("payload_id", query.PayloadID.String()).Warn("Could not deliver revenue reply")
	}
}

func (s *Service) handleDispatch(ctx context.Context, dispatch *auction.Dispatch) {
	payload, err := s.builder.Resolve(ctx, dispatch.PayloadID)
	if err != nil {
		s.log.WithError(err).WithField("payload_id", dispatch.PayloadID.String()).Warn("Payload resolution failed")
		return
	}

	if payload == nil {
		s.log.WithField("payload_id", dispatch.PayloadID.String()).Debug("No payload to dispatch")
		return
	}

	s.submitPayload(ctx, payload)
}

func (s *Service) submitPayload(ctx context.Context, payload *builder.BuiltPayload) {
	auctionCtx, ok := s.openAuctions[payload.ID]
	if !ok {
		s.log.WithField("payload_id", payload.ID.String()).Warn("Resolved payload for unknown auction")
		return
	}

	relayNames := make([]string, 0, len(auctionCtx.Relays))

	for _, idx := range auctionCtx.Relays {
		if idx >= 0 && idx < len(s.relays) {
			relayNames = append(relayNames, s.relays[idx].String())
		}
	}

	s.log.WithFields(logrus.Fields{
		"slot":         auctionCtx.Slot,
		"block_number": payload.BlockNumber(),
		"block_hash":   payload.BlockHash().String(),
		"parent_hash":  payload.ParentHash().String(),
		"txn_count":    payload.TxCount(),
		"blob_count":   payload.BlobCount(),
		"value":        payload.Value.Dec(),
		"relays":       relayNames,
	}).Info("Submitting payload")

	submission, err := s.prepareSubmission(payload, auctionCtx)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFork) {
			s.invariantViolation("unsupported_fork", "no submission encoding for payload fork", err, logrus.Fields{"slot": auctionCtx.Slot})
			return
		}

		s.log.WithError(err).WithField("slot", auctionCtx.Slot).Warn("Could not prepare submission")

		return
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, idx := range auctionCtx.Relays {
		if idx < 0 || idx >= len(s.relays) {
			s.invariantViolation("unknown_relay", "auction references an unconfigured relay", ErrUnknownRelay, logrus.Fields{"relay_index": idx})
			continue
		}

		r := s.relays[idx]

		g.Go(func() error {
			if err := r.SubmitBid(gctx, submission); err != nil {
				submissions.WithLabelValues(r.String(), "failed").Inc()
				s.log.WithError(err).WithFields(logrus.Fields{
					"relay": r.String(),
					"slot":  auctionCtx.Slot,
				}).Warn("Could not submit payload")

				return nil
			}

			submissions.WithLabelValues(r.String(), "succeeded").Inc()

			return nil
		})
	}

	_ = g.Wait()
}

func (s *Service) updateOpenCount() {
	count := int64(len(s.openAuctions))

	s.openCount.Store(count)
	openAuctionsGauge.Set(float64(count))
}

// invariantViolation reports an internal defect. Processing continues.
func (s *Service) invariantViolation(kind, msg string, err error, fields logrus.Fields) {
	invariantViolations.WithLabelValues(kind).Inc()

	entry := s.log.WithFields(fields).WithField("kind", kind)
	if err != nil {
		entry = entry.WithError(err)
	}

	entry.Error("invariant violation: " + msg)
}
