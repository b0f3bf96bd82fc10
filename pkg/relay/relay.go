// Package relay implements the builder side of the relay API.
package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	builderspec "github.com/attestantio/go-builder-client/spec"
	apiv1 "github.com/attestantio/go-eth2-client/api/v1"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/sirupsen/logrus"
)

// ErrUnsupportedVersion is returned when a submission carries a fork the relay client cannot encode.
var ErrUnsupportedVersion = errors.New("unsupported submission version")

// ProposerSchedule is one entry of a relay's proposer duties.
type ProposerSchedule struct {
	Slot           phase0.Slot
	ValidatorIndex phase0.ValidatorIndex
	Entry          *apiv1.SignedValidatorRegistration
}

type proposerScheduleJSON struct {
	Slot           string                             `json:"slot"`
	ValidatorIndex string                             `json:"validator_index"`
	Entry          *apiv1.SignedValidatorRegistration `json:"entry"`
}

// Client talks to a single relay.
type Client struct {
	baseURL    string
	host       string
	publicKey  phase0.BLSPubKey
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a client for a relay endpoint of the form
// https://0x<relay pubkey>@host[:port][/path].
func NewClient(endpoint string, log logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid relay url scheme %q", u.Scheme)
	}

	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("relay url is missing the relay public key")
	}

	pubkeyBytes, err := hex.DecodeString(strings.TrimPrefix(u.User.Username(), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid relay public key: %w", err)
	}

	if len(pubkeyBytes) != len(phase0.BLSPubKey{}) {
		return nil, fmt.Errorf("relay public key must be 48 bytes, got %d", len(pubkeyBytes))
	}

	var publicKey phase0.BLSPubKey

	copy(publicKey[:], pubkeyBytes)

	u.User = nil

	return &Client{
		baseURL:   strings.TrimSuffix(u.String(), "/"),
		host:      u.Host,
		publicKey: publicKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: log.WithFields(logrus.Fields{
			"component": "relay-client",
			"relay":     u.Host,
		}),
	}, nil
}

// ParseEndpoints builds relay clients from configured endpoints. Invalid
// entries are logged and skipped, so indices refer to the returned slice.
func ParseEndpoints(endpoints []string, log logrus.FieldLogger) []*Client {
	relays := make([]*Client, 0, len(endpoints))

	for _, endpoint := range endpoints {
		client, err := NewClient(endpoint, log)
		if err != nil {
			log.WithError(err).WithField("endpoint", endpoint).Warn("Skipping invalid relay endpoint")
			continue
		}

		relays = append(relays, client)
	}

	return relays
}

// String returns the relay host.
func (c *Client) String() string {
	return c.host
}

// PublicKey returns the relay's BLS public key.
func (c *Client) PublicKey() phase0.BLSPubKey {
	return c.publicKey
}

// GetProposalSchedule fetches the proposer schedule for the current and next epoch.
func (c *Client) GetProposalSchedule(ctx context.Context) ([]*ProposerSchedule, error) {
	endpoint := c.baseURL + "/relay/v1/builder/validators"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("relay %s returned status %d: %s", c.host, resp.StatusCode, string(body))
	}

	var rawSchedule []proposerScheduleJSON
	if err := json.NewDecoder(resp.Body).Decode(&rawSchedule); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s: %w", c.host, err)
	}

	schedule := make([]*ProposerSchedule, 0, len(rawSchedule))

	for _, raw := range rawSchedule {
		slot, err := strconv.ParseUint(raw.Slot, 10, 64)
		if err != nil {
			c.log.WithField("slot", raw.Slot).Warn("Invalid slot in proposer schedule")
			continue
		}

		valIdx, err := strconv.ParseUint(raw.ValidatorIndex, 10, 64)
		if err != nil {
			c.log.WithField("validator_index", raw.ValidatorIndex).Warn("Invalid validator index")
			continue
		}

		if raw.Entry == nil || raw.Entry.Message == nil {
			c.log.WithField("slot", slot).Warn("Proposer schedule entry without registration")
			continue
		}

		schedule = append(schedule, &ProposerSchedule{
			Slot:           phase0.Slot(slot),
			ValidatorIndex: phase0.ValidatorIndex(valIdx),
			Entry:          raw.Entry,
		})
	}

	c.log.WithField("count", len(schedule)).Debug("Fetched proposer schedule")

	return schedule, nil
}

// SubmitBid submits a signed block submission to the relay.
func (c *Client) SubmitBid(ctx context.Context, submission *builderspec.VersionedSubmitBlockRequest) error {
	var body any

	switch submission.Version {
	case spec.DataVersionBellatrix:
		if submission.Bellatrix != nil {
			body = submission.Bellatrix
		}
	case spec.DataVersionCapella:
		if submission.Capella != nil {
			body = submission.Capella
		}
	case spec.DataVersionDeneb:
		if submission.Deneb != nil {
			body = submission.Deneb
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, submission.Version)
	}

	if body == nil {
		return fmt.Errorf("no %s data in submission", submission.Version)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/relay/v1/builder/blocks", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Eth-Consensus-Version", submission.Version.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay %s returned status %d: %s", c.host, resp.StatusCode, string(body))
	}

	return nil
}
