// Package beacon provides a client for interacting with Ethereum consensus layer nodes.
package beacon

import (
	"context"
	"fmt"
	"time"

	eth2client "github.com/attestantio/go-eth2-client"
	"github.com/attestantio/go-eth2-client/api"
	"github.com/attestantio/go-eth2-client/http"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
)

// ChainSpec holds chain specification parameters.
type ChainSpec struct {
	SecondsPerSlot time.Duration
	SlotsPerEpoch  uint64
}

// Genesis holds genesis information.
type Genesis struct {
	GenesisTime           time.Time
	GenesisValidatorsRoot phase0.Root
	GenesisForkVersion    phase0.Version
}

// Client wraps the consensus layer client for beacon node interactions.
type Client struct {
	client      eth2client.Service
	baseURL     string
	eventStream *EventStream
	log         logrus.FieldLogger
}

// NewClient creates a new CL client connected to the specified beacon node.
func NewClient(ctx context.Context, baseURL string, log logrus.FieldLogger) (*Client, error) {
	httpClient, err := http.New(ctx,
		http.WithAddress(baseURL),
		http.WithLogLevel(zerolog.WarnLevel),
		http.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	c := &Client{
		client:  httpClient,
		baseURL: baseURL,
		log:     log.WithField("component", "cl-client"),
	}

	c.eventStream = NewEventStream(baseURL, c.log)

	return c, nil
}

// Close closes the client and stops the event stream.
func (c *Client) Close() {
	if c.eventStream != nil {
		c.eventStream.Stop()
	}
}

// Events returns the event stream for subscribing to beacon events.
func (c *Client) Events() *EventStream {
	return c.eventStream
}

// GetChainSpec fetches the chain specification from the beacon node.
func (c *Client) GetChainSpec(ctx context.Context) (*ChainSpec, error) {
	provider, ok := c.client.(eth2client.SpecProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support spec provider")
	}

	resp, err := provider.Spec(ctx, &api.SpecOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get spec: %w", err)
	}

	spec := resp.Data

	secondsPerSlot, ok := spec["SECONDS_PER_SLOT"].(time.Duration)
	if !ok {
		return nil, fmt.Errorf("SECONDS_PER_SLOT not found or invalid type")
	}

	slotsPerEpoch, ok := spec["SLOTS_PER_EPOCH"].(uint64)
	if !ok {
		return nil, fmt.Errorf("SLOTS_PER_EPOCH not found or invalid type")
	}

	return &ChainSpec{
		SecondsPerSlot: secondsPerSlot,
		SlotsPerEpoch:  slotsPerEpoch,
	}, nil
}

// GetGenesis fetches genesis information from the beacon node.
func (c *Client) GetGenesis(ctx context.Context) (*Genesis, error) {
	provider, ok := c.client.(eth2client.GenesisProvider)
	if !ok {
		return nil, fmt.Errorf("client does not support genesis provider")
	}

	resp, err := provider.Genesis(ctx, &api.GenesisOpts{})
	if err != nil {
		return nil, fmt.Errorf("failed to get genesis: %w", err)
	}

	genesis := resp.Data

	return &Genesis{
		GenesisTime:           genesis.GenesisTime,
		GenesisValidatorsRoot: genesis.GenesisValidatorsRoot,
		GenesisForkVersion:    genesis.GenesisForkVersion,
	}, nil
}
