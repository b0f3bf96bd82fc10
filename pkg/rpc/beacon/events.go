package beacon

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/auctioneer/pkg/utils"
)

// PayloadAttributesEvent is a payload_attributes event from the beacon node.
// Withdrawals is nil before Capella, ParentBeaconBlockRoot is nil before Deneb.
type PayloadAttributesEvent struct {
	Version               spec.DataVersion
	ProposalSlot          phase0.Slot
	ProposerIndex         phase0.ValidatorIndex
	ParentBlockNumber     uint64
	ParentBlockRoot       phase0.Root
	ParentBlockHash       phase0.Hash32
	Timestamp             uint64
	PrevRandao            phase0.Root
	SuggestedFeeRecipient bellatrix.ExecutionAddress
	Withdrawals           []*capella.Withdrawal
	ParentBeaconBlockRoot *phase0.Root
	ReceivedAt            time.Time
}

type payloadAttributesEventJSON struct {
	Version string `json:"version"`
	Data    struct {
		ProposerIndex     string `json:"proposer_index"`
		ProposalSlot      string `json:"proposal_slot"`
		ParentBlockNumber string `json:"parent_block_number"`
		ParentBlockRoot   string `json:"parent_block_root"`
		ParentBlockHash   string `json:"parent_block_hash"`
		PayloadAttributes struct {
			Timestamp             string            `json:"timestamp"`
			PrevRandao            string            `json:"prev_randao"`
			SuggestedFeeRecipient string            `json:"suggested_fee_recipient"`
			Withdrawals           []*withdrawalJSON `json:"withdrawals"`
			ParentBeaconBlockRoot string            `json:"parent_beacon_block_root"`
		} `json:"payload_attributes"`
	} `json:"data"`
}

type withdrawalJSON struct {
	Index          string `json:"index"`
	ValidatorIndex string `json:"validator_index"`
	Address        string `json:"address"`
	Amount         string `json:"amount"`
}

// EventStream manages SSE connections to the beacon node event stream.
type EventStream struct {
	baseURL                     string
	log                         logrus.FieldLogger
	payloadAttributesDispatcher *utils.Dispatcher[*PayloadAttributesEvent]
	cancelFunc                  context.CancelFunc
	running                     bool
	mu                          sync.Mutex
	wg                          sync.WaitGroup
}

// NewEventStream creates a new event stream against the given beacon node.
func NewEventStream(baseURL string, log logrus.FieldLogger) *EventStream {
	return &EventStream{
		baseURL:                     strings.TrimSuffix(baseURL, "/"),
		log:                         log,
		payloadAttributesDispatcher: &utils.Dispatcher[*PayloadAttributesEvent]{},
	}
}

// Start begins listening to beacon node events.
func (e *EventStream) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)

	go e.runTopicLoop(streamCtx, "payload_attributes", 5*time.Second)

	return nil
}

// Stop stops the event stream.
func (e *EventStream) Stop() {
	e.mu.Lock()
	if e.cancelFunc != nil {
		e.cancelFunc()
		e.cancelFunc = nil
	}

	e.running = false
	e.mu.Unlock()

	e.wg.Wait()
}

// SubscribePayloadAttributes returns a subscription for payload_attributes events.
func (e *EventStream) SubscribePayloadAttributes() *utils.Subscription[*PayloadAttributesEvent] {
	return e.payloadAttributesDispatcher.Subscribe(32, false)
}

// runTopicLoop connects to the SSE endpoint for a specific topic and processes events.
func (e *EventStream) runTopicLoop(ctx context.Context, topic string, retryDelay time.Duration) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := e.connectAndStreamTopic(ctx, topic); err != nil {
			if ctx.Err() != nil {
				return
			}

			e.log.WithError(err).WithField("topic", topic).Warn(
				"Event stream connection error, reconnecting...",
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// connectAndStreamTopic establishes an SSE connection for a specific topic.
func (e *EventStream) connectAndStreamTopic(ctx context.Context, topic string) error {
	url := fmt.Sprintf("%s/eth/v1/events?topics=%s", e.baseURL, topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Connection", "keep-alive")

	httpClient := &http.Client{
		Timeout: 0, // No timeout for SSE
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	e.log.WithField("topic", topic).Info("Connected to beacon node event stream")

	return e.processStream(ctx, resp.Body)
}

// processStream reads and processes SSE events from the response body.
func (e *EventStream) processStream(ctx context.Context, body io.Reader) error {
	reader := bufio.NewReader(body)

	var eventType string

	var eventData strings.Builder

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		line = strings.TrimSpace(line)

		// Empty line indicates end of event
		if line == "" {
			if eventType != "" && eventData.Len() > 0 {
				e.handleEvent(eventType, eventData.String())
			}

			eventType = ""
			eventData.Reset()

			continue
		}

		if after, found := strings.CutPrefix(line, "event:"); found {
			eventType = strings.TrimSpace(after)
		} else if after, found := strings.CutPrefix(line, "data:"); found {
			eventData.WriteString(strings.TrimSpace(after))
		}
	}
}

// handleEvent processes a completed SSE event.
func (e *EventStream) handleEvent(eventType, data string) {
	switch eventType {
	case "payload_attributes":
		var raw payloadAttributesEventJSON
		if err := json.Unmarshal([]byte(data), &raw); err != nil {
			e.log.WithError(err).WithField("data", data).Warn("Failed to parse payload attributes event JSON")
			return
		}

		event, err := parsePayloadAttributesEvent(&raw)
		if err != nil {
			e.log.WithError(err).WithField("data", data).Warn("Failed to convert payload attributes event")
			return
		}

		event.ReceivedAt = time.Now()
		e.payloadAttributesDispatcher.Fire(event)

	default:
		e.log.WithField("event_type", eventType).Debug("Unknown event type")
	}
}

// parsePayloadAttributesEvent converts a raw JSON payload_attributes event to the typed event.
func parsePayloadAttributesEvent(raw *payloadAttributesEventJSON) (*PayloadAttributesEvent, error) {
	version, err := parseDataVersion(raw.Version)
	if err != nil {
		return nil, err
	}

	data := &raw.Data
	attrs := &data.PayloadAttributes

	slot, err := strconv.ParseUint(data.ProposalSlot, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid proposal_slot: %w", err)
	}

	proposerIndex, err := strconv.ParseUint(data.ProposerIndex, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid proposer_index: %w", err)
	}

	parentNumber, err := strconv.ParseUint(data.ParentBlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid parent_block_number: %w", err)
	}

	parentRoot, err := parseRoot(data.ParentBlockRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid parent_block_root: %w", err)
	}

	parentHash, err := parseHash32(data.ParentBlockHash)
	if err != nil {
		return nil, fmt.Errorf("invalid parent_block_hash: %w", err)
	}

	timestamp, err := strconv.ParseUint(attrs.Timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	prevRandao, err := parseRoot(attrs.PrevRandao)
	if err != nil {
		return nil, fmt.Errorf("invalid prev_randao: %w", err)
	}

	feeRecipient, err := parseAddress(attrs.SuggestedFeeRecipient)
	if err != nil {
		return nil, fmt.Errorf("invalid suggested_fee_recipient: %w", err)
	}

	event := &PayloadAttributesEvent{
		Version:               version,
		ProposalSlot:          phase0.Slot(slot),
		ProposerIndex:         phase0.ValidatorIndex(proposerIndex),
		ParentBlockNumber:     parentNumber,
		ParentBlockRoot:       parentRoot,
		ParentBlockHash:       parentHash,
		Timestamp:             timestamp,
		PrevRandao:            prevRandao,
		SuggestedFeeRecipient: feeRecipient,
	}

	if version >= spec.DataVersionCapella {
		event.Withdrawals = make([]*capella.Withdrawal, 0, len(attrs.Withdrawals))

		for i, w := range attrs.Withdrawals {
			withdrawal, err := parseWithdrawal(w)
			if err != nil {
				return nil, fmt.Errorf("invalid withdrawal %d: %w", i, err)
			}

			event.Withdrawals = append(event.Withdrawals, withdrawal)
		}
	}

	if version >= spec.DataVersionDeneb {
		root, err := parseRoot(attrs.ParentBeaconBlockRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid parent_beacon_block_root: %w", err)
		}

		event.ParentBeaconBlockRoot = &root
	}

	return event, nil
}

func parseWithdrawal(raw *withdrawalJSON) (*capella.Withdrawal, error) {
	index, err := strconv.ParseUint(raw.Index, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid index: %w", err)
	}

	validatorIndex, err := strconv.ParseUint(raw.ValidatorIndex, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid validator_index: %w", err)
	}

	address, err := parseAddress(raw.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	amount, err := strconv.ParseUint(raw.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}

	return &capella.Withdrawal{
		Index:          capella.WithdrawalIndex(index),
		ValidatorIndex: phase0.ValidatorIndex(validatorIndex),
		Address:        address,
		Amount:         phase0.Gwei(amount),
	}, nil
}

// parseDataVersion maps the event version string to a fork version.
func parseDataVersion(s string) (spec.DataVersion, error) {
	switch strings.ToLower(s) {
	case "bellatrix":
		return spec.DataVersionBellatrix, nil
	case "capella":
		return spec.DataVersionCapella, nil
	case "deneb":
		return spec.DataVersionDeneb, nil
	case "electra":
		return spec.DataVersionElectra, nil
	default:
		return spec.DataVersionUnknown, fmt.Errorf("unsupported payload attributes version %q", s)
	}
}

func decodeFixedHex(s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}

	if len(b) != size {
		return nil, fmt.Errorf("invalid length: got %d, want %d", len(b), size)
	}

	return b, nil
}

// parseRoot parses a hex string (with 0x prefix) into a phase0.Root.
func parseRoot(s string) (phase0.Root, error) {
	var root phase0.Root

	b, err := decodeFixedHex(s, 32)
	if err != nil {
		return root, err
	}

	copy(root[:], b)

	return root, nil
}

// parseHash32 parses a hex string (with 0x prefix) into a phase0.Hash32.
func parseHash32(s string) (phase0.Hash32, error) {
	var hash phase0.Hash32

	b, err := decodeFixedHex(s, 32)
	if err != nil {
		return hash, err
	}

	copy(hash[:], b)

	return hash, nil
}

func parseAddress(s string) (bellatrix.ExecutionAddress, error) {
	var addr bellatrix.ExecutionAddress

	b, err := decodeFixedHex(s, 20)
	if err != nil {
		return addr, err
	}

	copy(addr[:], b)

	return addr, nil
}
