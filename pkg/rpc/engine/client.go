// Package engine provides a JWT-authenticated client for the execution layer engine API.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	gethengine "github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// PayloadID is an 8-byte identifier the execution client assigns to a payload build.
type PayloadID [8]byte

// String returns the 0x-prefixed hex form of the id.
func (p PayloadID) String() string {
	return "0x" + hex.EncodeToString(p[:])
}

// UnmarshalJSON implements json.Unmarshaler for PayloadID.
// Handles hex string format like "0x0123456789abcdef".
func (p *PayloadID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), "\"")
	s = strings.TrimPrefix(s, "0x")

	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid payload ID hex: %w", err)
	}

	if len(b) != 8 {
		return fmt.Errorf("invalid payload ID length: got %d, want 8", len(b))
	}

	copy(p[:], b)

	return nil
}

// Version selects the engine API method version used for a build.
type Version int

// Supported engine API versions.
const (
	VersionBellatrix Version = 1
	VersionCapella   Version = 2
	VersionDeneb     Version = 3
)

// PayloadAttributes contains the attributes for building a new payload.
type PayloadAttributes struct {
	Timestamp             uint64
	PrevRandao            common.Hash
	SuggestedFeeRecipient common.Address
	Withdrawals           []*types.Withdrawal
	ParentBeaconBlockRoot *common.Hash
}

// ForkchoiceState represents the forkchoice state for engine API calls.
type ForkchoiceState struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

// ForkchoiceUpdatedResponse is the response from engine_forkchoiceUpdatedVX.
type ForkchoiceUpdatedResponse struct {
	PayloadStatus PayloadStatus `json:"payloadStatus"`
	PayloadID     *PayloadID    `json:"payloadId"`
}

// PayloadStatus represents the status of a payload.
type PayloadStatus struct {
	Status          string       `json:"status"`
	LatestValidHash *common.Hash `json:"latestValidHash"`
	ValidationError *string      `json:"validationError"`
}

// BlobsBundleRaw is the raw blobs bundle from engine API.
type BlobsBundleRaw struct {
	Commitments []hexutil.Bytes `json:"commitments"`
	Proofs      []hexutil.Bytes `json:"proofs"`
	Blobs       []hexutil.Bytes `json:"blobs"`
}

// getPayloadResponse is the envelope returned by engine_getPayloadV2 and later.
type getPayloadResponse struct {
	ExecutionPayload *gethengine.ExecutableData `json:"executionPayload"`
	BlockValue       *hexutil.Big               `json:"blockValue"`
	BlobsBundle      *BlobsBundleRaw            `json:"blobsBundle"`
}

// ExecutionPayloadEnvelope wraps an execution payload with additional metadata.
type ExecutionPayloadEnvelope struct {
	ExecutionPayload *gethengine.ExecutableData
	BlockValue       *big.Int
	BlobsBundle      *BlobsBundleRaw
}

// Client handles JWT-authenticated Engine API calls for payload building.
type Client struct {
	jwtSecret []byte
	engineURL string
	log       logrus.FieldLogger
}

// NewClient creates a new Engine API client with JWT authentication.
func NewClient(
	ctx context.Context,
	engineURL string,
	jwtSecretPath string,
	log logrus.FieldLogger,
) (*Client, error) {
	jwtData, err := os.ReadFile(jwtSecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read JWT secret: %w", err)
	}

	jwtHex := strings.TrimSpace(string(jwtData))
	jwtHex = strings.TrimPrefix(jwtHex, "0x")

	jwtSecret, err := hex.DecodeString(jwtHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT secret: %w", err)
	}

	if len(jwtSecret) != 32 {
		return nil, fmt.Errorf("JWT secret must be 32 bytes, got %d", len(jwtSecret))
	}

	client := &Client{
		jwtSecret: jwtSecret,
		engineURL: engineURL,
		log:       log.WithField("component", "engine-client"),
	}

	// Dial once up front so a bad URL fails at startup.
	rpcClient, err := client.dial(ctx)
	if err != nil {
		return nil, err
	}

	rpcClient.Close()

	return client, nil
}

// generateJWT creates a short-lived JWT token for engine API authentication.
func (c *Client) generateJWT() (string, error) {
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString(c.jwtSecret)
}

func (c *Client) dial(ctx context.Context) (*rpc.Client, error) {
	token, err := c.generateJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate JWT: %w", err)
	}

	rpcClient, err := rpc.DialOptions(ctx, c.engineURL,
		rpc.WithHTTPAuth(func(h http.Header) error {
			h.Set("Authorization", "Bearer "+token)
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to engine API: %w", err)
	}

	return rpcClient, nil
}

// call makes an authenticated RPC call to the engine API.
// A fresh token is issued per call since tokens expire after 60s.
func (c *Client) call(ctx context.Context, method string, result any, args ...any) error {
	rpcClient, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer rpcClient.Close()

	return rpcClient.CallContext(ctx, result, method, args...)
}

// ForkchoiceUpdated sends engine_forkchoiceUpdatedV{version} with payload
// attributes and returns the payload id assigned by the execution client.
func (c *Client) ForkchoiceUpdated(
	ctx context.Context,
	version Version,
	state ForkchoiceState,
	attrs *PayloadAttributes,
) (PayloadID, error) {
	attrsMap := map[string]any{
		"timestamp":             hexutil.Uint64(attrs.Timestamp),
		"prevRandao":            attrs.PrevRandao,
		"suggestedFeeRecipient": attrs.SuggestedFeeRecipient,
	}

	if version >= VersionCapella {
		// Withdrawals must always be present post-Capella, even if empty.
		withdrawals := attrs.Withdrawals
		if withdrawals == nil {
			withdrawals = make([]*types.Withdrawal, 0)
		}

		attrsMap["withdrawals"] = withdrawals
	}

	if version >= VersionDeneb {
		if attrs.ParentBeaconBlockRoot == nil {
			return PayloadID{}, fmt.Errorf("parent beacon block root required for V%d", version)
		}

		attrsMap["parentBeaconBlockRoot"] = attrs.ParentBeaconBlockRoot
	}

	method := fmt.Sprintf("engine_forkchoiceUpdatedV%d", version)

	var response ForkchoiceUpdatedResponse
	if err := c.call(ctx, method, &response, state, attrsMap); err != nil {
		return PayloadID{}, fmt.Errorf("%s failed: %w", method, err)
	}

	if response.PayloadStatus.Status != "VALID" && response.PayloadStatus.Status != "SYNCING" {
		return PayloadID{}, fmt.Errorf("forkchoice status: %s", response.PayloadStatus.Status)
	}

	if response.PayloadID == nil {
		return PayloadID{}, fmt.Errorf("no payload ID returned")
	}

	c.log.WithFields(logrus.Fields{
		"method":     method,
		"payload_id": response.PayloadID.String(),
	}).Trace("Payload build requested")

	return *response.PayloadID, nil
}

// GetPayload retrieves the current best payload for a build via engine_getPayloadV{version}.
// V1 responses carry no block value; it is reported as zero.
func (c *Client) GetPayload(
	ctx context.Context,
	version Version,
	payloadID PayloadID,
) (*ExecutionPayloadEnvelope, error) {
	method := fmt.Sprintf("engine_getPayloadV%d", version)

	if version == VersionBellatrix {
		var payload gethengine.ExecutableData
		if err := c.call(ctx, method, &payload, payloadID.String()); err != nil {
			return nil, fmt.Errorf("%s failed: %w", method, err)
		}

		return &ExecutionPayloadEnvelope{
			ExecutionPayload: &payload,
			BlockValue:       new(big.Int),
		}, nil
	}

	var response getPayloadResponse
	if err := c.call(ctx, method, &response, payloadID.String()); err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}

	if response.ExecutionPayload == nil {
		return nil, fmt.Errorf("%s returned no execution payload", method)
	}

	blockValue := new(big.Int)
	if response.BlockValue != nil {
		blockValue = response.BlockValue.ToInt()
	}

	c.log.WithFields(logrus.Fields{
		"method":       method,
		"payload_id":   payloadID.String(),
		"block_number": response.ExecutionPayload.Number,
		"txs":          len(response.ExecutionPayload.Transactions),
	}).Trace("Received execution payload")

	return &ExecutionPayloadEnvelope{
		ExecutionPayload: response.ExecutionPayload,
		BlockValue:       blockValue,
		BlobsBundle:      response.BlobsBundle,
	}, nil
}
