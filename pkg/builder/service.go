// Package builder drives payload builds on an execution client through the
// engine API and exposes them by deterministic payload id.
package builder

import (
	"context"
	"fmt"
	"sync"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/auctioneer/pkg/chain"
	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
	"github.com/ethpandaops/auctioneer/pkg/rpc/engine"
	"github.com/ethpandaops/auctioneer/pkg/utils"
)

// DefaultJobRetentionSlots is how long unresolved build jobs are kept.
const DefaultJobRetentionSlots = 64

// EngineClient is the subset of the engine API used for building.
type EngineClient interface {
	ForkchoiceUpdated(
		ctx context.Context,
		version engine.Version,
		state engine.ForkchoiceState,
		attrs *engine.PayloadAttributes,
	) (engine.PayloadID, error)
	GetPayload(ctx context.Context, version engine.Version, id engine.PayloadID) (*engine.ExecutionPayloadEnvelope, error)
}

// AttributesSource provides payload attributes from the consensus layer.
type AttributesSource interface {
	SubscribePayloadAttributes() *utils.Subscription[*beacon.PayloadAttributesEvent]
}

// Config holds builder service settings.
type Config struct {
	JobRetentionSlots uint64
}

// Service starts builds on the execution client, tracks them by payload id
// and re-emits consensus payload attributes as build events.
type Service struct {
	cfg        *Config
	engine     EngineClient
	source     AttributesSource
	genesis    *beacon.Genesis
	chainSpec  *beacon.ChainSpec
	jobs       *jobStore
	dispatcher *utils.Dispatcher[*Event]
	log        logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new builder service.
func NewService(
	cfg *Config,
	engineClient EngineClient,
	source AttributesSource,
	genesis *beacon.Genesis,
	chainSpec *beacon.ChainSpec,
	log logrus.FieldLogger,
) *Service {
	if cfg.JobRetentionSlots == 0 {
		cfg.JobRetentionSlots = DefaultJobRetentionSlots
	}

	return &Service{
		cfg:        cfg,
		engine:     engineClient,
		source:     source,
		genesis:    genesis,
		chainSpec:  chainSpec,
		jobs:       newJobStore(),
		dispatcher: &utils.Dispatcher[*Event]{},
		log:        log.WithField("component", "builder-service"),
	}
}

// Start begins forwarding payload attributes as build events.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	sub := s.source.SubscribePayloadAttributes()

	s.wg.Add(1)

	go s.run(sub)

	s.log.Info("Builder service started")

	return nil
}

// Stop stops the service and closes all event subscriptions.
func (s *Service) Stop() {
	s.log.Info("Stopping builder service")

	if s.cancel != nil {
		s.cancel()
	}

	s.wg.Wait()
	s.dispatcher.Close()

	s.log.Info("Builder service stopped")
}

// SubscribeEvents returns a subscription for build lifecycle events.
func (s *Service) SubscribeEvents() *utils.Subscription[*Event] {
	return s.dispatcher.Subscribe(64, false)
}

func (s *Service) run(sub *utils.Subscription[*beacon.PayloadAttributesEvent]) {
	defer s.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-sub.Channel():
			if !ok {
				return
			}

			s.handlePayloadAttributes(event)
		}
	}
}

func (s *Service) handlePayloadAttributes(event *beacon.PayloadAttributesEvent) {
	if event.Version < spec.DataVersionBellatrix || event.Version > spec.DataVersionDeneb {
		s.log.WithFields(logrus.Fields{
			"slot":    event.ProposalSlot,
			"version": event.Version.String(),
		}).Warn("Payload attributes for unsupported fork, ignoring")

		return
	}

	attrs := AttributesFromEvent(event)

	s.log.WithFields(logrus.Fields{
		"slot":        event.ProposalSlot,
		"parent_hash": attrs.ParentHash.Hex(),
		"timestamp":   attrs.Timestamp,
	}).Debug("Received payload attributes")

	s.dispatcher.Fire(&Event{
		Type:       EventPayloadAttributes,
		Attributes: attrs,
	})
}

// AttributesFromEvent converts consensus payload attributes into build attributes.
func AttributesFromEvent(event *beacon.PayloadAttributesEvent) *Attributes {
	attrs := &Attributes{
		ParentHash:            common.Hash(event.ParentBlockHash),
		Timestamp:             event.Timestamp,
		PrevRandao:            common.Hash(event.PrevRandao),
		SuggestedFeeRecipient: common.Address(event.SuggestedFeeRecipient),
	}

	if event.Withdrawals != nil {
		attrs.Withdrawals = make([]*types.Withdrawal, len(event.Withdrawals))

		for i, w := range event.Withdrawals {
			attrs.Withdrawals[i] = &types.Withdrawal{
				Index:     uint64(w.Index),
				Validator: uint64(w.ValidatorIndex),
				Address:   common.Address(w.Address),
				Amount:    uint64(w.Amount),
			}
		}
	}

	if event.ParentBeaconBlockRoot != nil {
		root := common.Hash(*event.ParentBeaconBlockRoot)
		attrs.ParentBeaconBlockRoot = &root
	}

	return attrs
}

// StartBuild starts a build for attrs and returns its payload id. Starting a
// build for attributes that already have a job is a no-op.
func (s *Service) StartBuild(ctx context.Context, attrs *Attributes) (PayloadID, error) {
	id := attrs.PayloadID()

	if s.jobs.Get(id) != nil {
		return id, nil
	}

	slot, err := chain.TimestampToSlot(s.genesis, s.chainSpec, attrs.Timestamp)
	if err != nil {
		return PayloadID{}, fmt.Errorf("invalid attributes: %w", err)
	}

	version := attrs.EngineVersion()

	engineID, err := s.engine.ForkchoiceUpdated(ctx, version, engine.ForkchoiceState{
		HeadBlockHash: attrs.ParentHash,
	}, &engine.PayloadAttributes{
		Timestamp:             attrs.Timestamp,
		PrevRandao:            attrs.PrevRandao,
		SuggestedFeeRecipient: attrs.FeeRecipient(),
		Withdrawals:           attrs.Withdrawals,
		ParentBeaconBlockRoot: attrs.ParentBeaconBlockRoot,
	})
	if err != nil {
		return PayloadID{}, fmt.Errorf("failed to start build: %w", err)
	}

	s.jobs.Store(&buildJob{
		id:       id,
		engineID: engineID,
		version:  version,
		slot:     slot,
	})

	if uint64(slot) > s.cfg.JobRetentionSlots {
		s.jobs.Cleanup(slot - phase0.Slot(s.cfg.JobRetentionSlots))
	}

	s.log.WithFields(logrus.Fields{
		"slot":       slot,
		"payload_id": id.String(),
		"engine_id":  engineID.String(),
	}).Debug("Started payload build")

	return id, nil
}

// BestPayload returns the best payload built so far without ending the build.
// It returns nil if there is no build for id. When the engine fails after an
// earlier successful fetch, the cached payload is returned instead.
func (s *Service) BestPayload(ctx context.Context, id PayloadID) (*BuiltPayload, error) {
	job := s.jobs.Get(id)
	if job == nil {
		return nil, nil
	}

	payload, err := s.fetchPayload(ctx, job)
	if err != nil {
		if cached := job.cachedBest(); cached != nil {
			s.log.WithError(err).WithField("payload_id", id.String()).Debug("Serving cached payload")

			return cached, nil
		}

		return nil, err
	}

	job.setBest(payload)

	return payload, nil
}

// Resolve returns the final payload for id and ends the build. It returns
// nil if there is no build for id, including one that was already resolved.
func (s *Service) Resolve(ctx context.Context, id PayloadID) (*BuiltPayload, error) {
	job := s.jobs.Take(id)
	if job == nil {
		return nil, nil
	}

	payload, err := s.fetchPayload(ctx, job)
	if err != nil {
		return nil, err
	}

	s.dispatcher.Fire(&Event{
		Type:      EventPayloadResolved,
		PayloadID: id,
	})

	return payload, nil
}

func (s *Service) fetchPayload(ctx context.Context, job *buildJob) (*BuiltPayload, error) {
	env, err := s.engine.GetPayload(ctx, job.version, job.engineID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payload %s: %w", job.id, err)
	}

	payload, err := newBuiltPayload(job.id, job.version, env)
	if err != nil {
		return nil, fmt.Errorf("failed to convert payload %s: %w", job.id, err)
	}

	return payload, nil
}
