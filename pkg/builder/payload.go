package builder

import (
	"errors"
	"fmt"

	builderapideneb "github.com/attestantio/go-builder-client/api/deneb"
	"github.com/attestantio/go-eth2-client/spec"
	"github.com/attestantio/go-eth2-client/spec/bellatrix"
	"github.com/attestantio/go-eth2-client/spec/capella"
	"github.com/attestantio/go-eth2-client/spec/deneb"
	"github.com/attestantio/go-eth2-client/spec/phase0"
	gethengine "github.com/ethereum/go-ethereum/beacon/engine"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/auctioneer/pkg/rpc/engine"
)

// BuiltPayload is a payload produced by a build, tagged with its fork.
// Exactly one of Bellatrix, Capella or Deneb is set, matching Version.
type BuiltPayload struct {
	ID      PayloadID
	Version spec.DataVersion

	Bellatrix *bellatrix.ExecutionPayload
	Capella   *capella.ExecutionPayload
	Deneb     *deneb.ExecutionPayload

	// BlobsBundle is only set for Deneb payloads.
	BlobsBundle *builderapideneb.BlobsBundle

	// Value is the amount the payload pays to its fee recipient, in wei.
	Value *uint256.Int
}

// BlockHash returns the execution block hash.
func (p *BuiltPayload) BlockHash() phase0.Hash32 {
	switch {
	case p.Bellatrix != nil:
		return p.Bellatrix.BlockHash
	case p.Capella != nil:
		return p.Capella.BlockHash
	case p.Deneb != nil:
		return p.Deneb.BlockHash
	default:
		return phase0.Hash32{}
	}
}

// ParentHash returns the execution parent hash.
func (p *BuiltPayload) ParentHash() phase0.Hash32 {
	switch {
	case p.Bellatrix != nil:
		return p.Bellatrix.ParentHash
	case p.Capella != nil:
		return p.Capella.ParentHash
	case p.Deneb != nil:
		return p.Deneb.ParentHash
	default:
		return phase0.Hash32{}
	}
}

// BlockNumber returns the execution block number.
func (p *BuiltPayload) BlockNumber() uint64 {
	switch {
	case p.Bellatrix != nil:
		return p.Bellatrix.BlockNumber
	case p.Capella != nil:
		return p.Capella.BlockNumber
	case p.Deneb != nil:
		return p.Deneb.BlockNumber
	default:
		return 0
	}
}

// GasLimit returns the block gas limit.
func (p *BuiltPayload) GasLimit() uint64 {
	switch {
	case p.Bellatrix != nil:
		return p.Bellatrix.GasLimit
	case p.Capella != nil:
		return p.Capella.GasLimit
	case p.Deneb != nil:
		return p.Deneb.GasLimit
	default:
		return 0
	}
}

// GasUsed returns the gas used by the block.
func (p *BuiltPayload) GasUsed() uint64 {
	switch {
	case p.Bellatrix != nil:
		return p.Bellatrix.GasUsed
	case p.Capella != nil:
		return p.Capella.GasUsed
	case p.Deneb != nil:
		return p.Deneb.GasUsed
	default:
		return 0
	}
}

// TxCount returns the number of transactions in the block.
func (p *BuiltPayload) TxCount() int {
	switch {
	case p.Bellatrix != nil:
		return len(p.Bellatrix.Transactions)
	case p.Capella != nil:
		return len(p.Capella.Transactions)
	case p.Deneb != nil:
		return len(p.Deneb.Transactions)
	default:
		return 0
	}
}

// BlobCount returns the number of blobs carried with the payload.
func (p *BuiltPayload) BlobCount() int {
	if p.BlobsBundle == nil {
		return 0
	}

	return len(p.BlobsBundle.Blobs)
}

var errMissingField = errors.New("missing field")

// newBuiltPayload converts an engine API response into a typed payload.
func newBuiltPayload(id PayloadID, version engine.Version, env *engine.ExecutionPayloadEnvelope) (*BuiltPayload, error) {
	value, overflow := uint256.FromBig(env.BlockValue)
	if overflow {
		return nil, fmt.Errorf("block value %s overflows 256 bits", env.BlockValue)
	}

	payload := &BuiltPayload{
		ID:      id,
		Version: dataVersion(version),
		Value:   value,
	}

	data := env.ExecutionPayload

	var err error

	switch version {
	case engine.VersionBellatrix:
		payload.Bellatrix, err = toBellatrixPayload(data)
	case engine.VersionCapella:
		payload.Capella, err = toCapellaPayload(data)
	case engine.VersionDeneb:
		payload.Deneb, err = toDenebPayload(data)
		if err == nil {
			payload.BlobsBundle, err = toBlobsBundle(env.BlobsBundle)
		}
	default:
		err = fmt.Errorf("unsupported engine version %d", version)
	}

	if err != nil {
		return nil, err
	}

	return payload, nil
}

func toBellatrixPayload(data *gethengine.ExecutableData) (*bellatrix.ExecutionPayload, error) {
	if data.BaseFeePerGas == nil {
		return nil, fmt.Errorf("%w: baseFeePerGas", errMissingField)
	}

	baseFee, overflow := uint256.FromBig(data.BaseFeePerGas)
	if overflow {
		return nil, fmt.Errorf("base fee %s overflows 256 bits", data.BaseFeePerGas)
	}

	payload := &bellatrix.ExecutionPayload{
		ParentHash:    phase0.Hash32(data.ParentHash),
		FeeRecipient:  bellatrix.ExecutionAddress(data.FeeRecipient),
		StateRoot:     phase0.Root(data.StateRoot),
		ReceiptsRoot:  phase0.Root(data.ReceiptsRoot),
		PrevRandao:    [32]byte(data.Random),
		BlockNumber:   data.Number,
		GasLimit:      data.GasLimit,
		GasUsed:       data.GasUsed,
		Timestamp:     data.Timestamp,
		ExtraData:     data.ExtraData,
		BaseFeePerGas: littleEndian(baseFee),
		BlockHash:     phase0.Hash32(data.BlockHash),
		Transactions:  toTransactions(data.Transactions),
	}

	copy(payload.LogsBloom[:], data.LogsBloom)

	return payload, nil
}

func toCapellaPayload(data *gethengine.ExecutableData) (*capella.ExecutionPayload, error) {
	base, err := toBellatrixPayload(data)
	if err != nil {
		return nil, err
	}

	return &capella.ExecutionPayload{
		ParentHash:    base.ParentHash,
		FeeRecipient:  base.FeeRecipient,
		StateRoot:     base.StateRoot,
		ReceiptsRoot:  base.ReceiptsRoot,
		LogsBloom:     base.LogsBloom,
		PrevRandao:    base.PrevRandao,
		BlockNumber:   base.BlockNumber,
		GasLimit:      base.GasLimit,
		GasUsed:       base.GasUsed,
		Timestamp:     base.Timestamp,
		ExtraData:     base.ExtraData,
		BaseFeePerGas: base.BaseFeePerGas,
		BlockHash:     base.BlockHash,
		Transactions:  base.Transactions,
		Withdrawals:   toWithdrawals(data.Withdrawals),
	}, nil
}

func toDenebPayload(data *gethengine.ExecutableData) (*deneb.ExecutionPayload, error) {
	base, err := toBellatrixPayload(data)
	if err != nil {
		return nil, err
	}

	if data.BlobGasUsed == nil {
		return nil, fmt.Errorf("%w: blobGasUsed", errMissingField)
	}

	if data.ExcessBlobGas == nil {
		return nil, fmt.Errorf("%w: excessBlobGas", errMissingField)
	}

	baseFee, _ := uint256.FromBig(data.BaseFeePerGas)

	return &deneb.ExecutionPayload{
		ParentHash:    base.ParentHash,
		FeeRecipient:  base.FeeRecipient,
		StateRoot:     base.StateRoot,
		ReceiptsRoot:  base.ReceiptsRoot,
		LogsBloom:     base.LogsBloom,
		PrevRandao:    base.PrevRandao,
		BlockNumber:   base.BlockNumber,
		GasLimit:      base.GasLimit,
		GasUsed:       base.GasUsed,
		Timestamp:     base.Timestamp,
		ExtraData:     base.ExtraData,
		BaseFeePerGas: baseFee,
		BlockHash:     base.BlockHash,
		Transactions:  base.Transactions,
		Withdrawals:   toWithdrawals(data.Withdrawals),
		BlobGasUsed:   *data.BlobGasUsed,
		ExcessBlobGas: *data.ExcessBlobGas,
	}, nil
}

func toBlobsBundle(raw *engine.BlobsBundleRaw) (*builderapideneb.BlobsBundle, error) {
	bundle := &builderapideneb.BlobsBundle{
		Commitments: make([]deneb.KZGCommitment, 0),
		Proofs:      make([]deneb.KZGProof, 0),
		Blobs:       make([]deneb.Blob, 0),
	}

	if raw == nil {
		return bundle, nil
	}

	for i, c := range raw.Commitments {
		var commitment deneb.KZGCommitment
		if len(c) != len(commitment) {
			return nil, fmt.Errorf("commitment %d: invalid length %d", i, len(c))
		}

		copy(commitment[:], c)
		bundle.Commitments = append(bundle.Commitments, commitment)
	}

	for i, p := range raw.Proofs {
		var proof deneb.KZGProof
		if len(p) != len(proof) {
			return nil, fmt.Errorf("proof %d: invalid length %d", i, len(p))
		}

		copy(proof[:], p)
		bundle.Proofs = append(bundle.Proofs, proof)
	}

	for i, b := range raw.Blobs {
		var blob deneb.Blob
		if len(b) != len(blob) {
			return nil, fmt.Errorf("blob %d: invalid length %d", i, len(b))
		}

		copy(blob[:], b)
		bundle.Blobs = append(bundle.Blobs, blob)
	}

	return bundle, nil
}

func toTransactions(txs [][]byte) []bellatrix.Transaction {
	result := make([]bellatrix.Transaction, len(txs))
	for i, tx := range txs {
		result[i] = bellatrix.Transaction(tx)
	}

	return result
}

func toWithdrawals(withdrawals []*types.Withdrawal) []*capella.Withdrawal {
	result := make([]*capella.Withdrawal, len(withdrawals))

	for i, w := range withdrawals {
		result[i] = &capella.Withdrawal{
			Index:          capella.WithdrawalIndex(w.Index),
			ValidatorIndex: phase0.ValidatorIndex(w.Validator),
			Address:        bellatrix.ExecutionAddress(w.Address),
			Amount:         phase0.Gwei(w.Amount),
		}
	}

	return result
}

// littleEndian encodes v as 32 little-endian bytes, the pre-Deneb SSZ form of base fee.
func littleEndian(v *uint256.Int) [32]byte {
	be := v.Bytes32()

	var le [32]byte
	for i := range be {
		le[i] = be[31-i]
	}

	return le
}
