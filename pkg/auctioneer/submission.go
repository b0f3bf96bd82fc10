package auctioneer

import (
	"errors"
	"fmt"

	builderapibellatrix "github.com/attestantio/go-builder-client/api/bellatrix"
	builderapicapella "github.com/attestantio/go-builder-client/api/capella"
	builderapideneb "github.com/attestantio/go-builder-client/api/deneb"
	builderapiv1 "github.com/attestantio/go-builder-client/api/v1"
	builderspec "github.com/attestantio/go-builder-client/spec"
	"github.com/attestantio/go-eth2-client/spec"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/builder"
)

var (
	// ErrUnsupportedFork is returned when a payload's fork has no submission encoding.
	ErrUnsupportedFork = errors.New("unsupported fork")
	// ErrUnknownRelay is reported when an auction references a relay index that is not configured.
	ErrUnknownRelay = errors.New("unknown relay")
)

// prepareSubmission signs a bid trace for payload and wraps it in the
// submission type of the payload's fork.
func (s *Service) prepareSubmission(
	payload *builder.BuiltPayload,
	auctionCtx *auction.Context,
) (*builderspec.VersionedSubmitBlockRequest, error) {
	if payload.Value == nil {
		return nil, fmt.Errorf("payload %s has no value", payload.ID)
	}

	trace := &builderapiv1.BidTrace{
		Slot:                 uint64(auctionCtx.Slot),
		ParentHash:           payload.ParentHash(),
		BlockHash:            payload.BlockHash(),
		BuilderPubkey:        s.signer.PublicKey(),
		ProposerPubkey:       auctionCtx.Proposer.PublicKey,
		ProposerFeeRecipient: auctionCtx.Proposer.FeeRecipient,
		GasLimit:             payload.GasLimit(),
		GasUsed:              payload.GasUsed(),
		Value:                payload.Value.Clone(),
	}

	root, err := trace.HashTreeRoot()
	if err != nil {
		return nil, fmt.Errorf("failed to compute bid trace root: %w", err)
	}

	signature, err := s.signer.SignWithDomain(root, s.builderDomain)
	if err != nil {
		return nil, fmt.Errorf("failed to sign bid trace: %w", err)
	}

	submission := &builderspec.VersionedSubmitBlockRequest{
		Version: payload.Version,
	}

	switch payload.Version {
	case spec.DataVersionBellatrix:
		if payload.Bellatrix == nil {
			return nil, fmt.Errorf("payload %s has no bellatrix execution payload", payload.ID)
		}

		submission.Bellatrix = &builderapibellatrix.SubmitBlockRequest{
			Message:          trace,
			ExecutionPayload: payload.Bellatrix,
			Signature:        signature,
		}
	case spec.DataVersionCapella:
		if payload.Capella == nil {
			return nil, fmt.Errorf("payload %s has no capella execution payload", payload.ID)
		}

		submission.Capella = &builderapicapella.SubmitBlockRequest{
			Message:          trace,
			ExecutionPayload: payload.Capella,
			Signature:        signature,
		}
	case spec.DataVersionDeneb:
		if payload.Deneb == nil {
			return nil, fmt.Errorf("payload %s has no deneb execution payload", payload.ID)
		}

		blobs := payload.BlobsBundle
		if blobs == nil {
			blobs = &builderapideneb.BlobsBundle{}
		}

		submission.Deneb = &builderapideneb.SubmitBlockRequest{
			Message:          trace,
			ExecutionPayload: payload.Deneb,
			BlobsBundle:      blobs,
			Signature:        signature,
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFork, payload.Version)
	}

	return submission, nil
}
