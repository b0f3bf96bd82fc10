package bidder

import (
	"context"
	"testing"
	"time"

	"github.com/attestantio/go-eth2-client/spec/phase0"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/builder"
	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
)

var testChainSpec = &beacon.ChainSpec{
	SecondsPerSlot: 12 * time.Second,
	SlotsPerEpoch:  32,
}

func newTestBidder(t *testing.T, cfg *Config) (*Service, chan *auction.Context, chan auction.Message) {
	t.Helper()

	log, _ := test.NewNullLogger()

	genesis := &beacon.Genesis{GenesisTime: time.Now().Add(-time.Hour)}
	auctions := make(chan *auction.Context, 4)
	messages := make(chan auction.Message, 4)

	svc := NewService(cfg, genesis, testChainSpec, auctions, messages, log)
	require.NoError(t, svc.Start(context.Background()))

	t.Cleanup(svc.Stop)

	return svc, auctions, messages
}

func testAuction(slot phase0.Slot) *auction.Context {
	return &auction.Context{
		Slot: slot,
		Attributes: (&builder.Attributes{
			ParentHash: common.Hash{0x01},
			Timestamp:  uint64(slot) * 12,
		}).WithProposal(builder.ProposalAttributes{FeeRecipient: common.Address{0xaa}, GasLimit: 30_000_000}),
	}
}

func receive(t *testing.T, messages <-chan auction.Message) auction.Message {
	t.Helper()

	select {
	case msg := <-messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message from bidder")
		return nil
	}
}

func TestBidDispatchesRevenue(t *testing.T) {
	_, auctions, messages := newTestBidder(t, &Config{
		BidTime:   DefaultBidTime,
		KeepAlive: true,
	})

	a := testAuction(1)
	auctions <- a

	query, ok := receive(t, messages).(*auction.RevenueQuery)
	require.True(t, ok)
	assert.Equal(t, a.PayloadID(), query.PayloadID)

	query.Reply <- uint256.NewInt(1_000)

	dispatch, ok := receive(t, messages).(*auction.Dispatch)
	require.True(t, ok)
	assert.Equal(t, a.PayloadID(), dispatch.PayloadID)
	assert.Equal(t, uint256.NewInt(1_000), dispatch.Value)
	assert.True(t, dispatch.KeepAlive)
}

func TestNoRevenueSkipsBid(t *testing.T) {
	svc, auctions, messages := newTestBidder(t, &Config{BidTime: DefaultBidTime})

	auctions <- testAuction(1)

	query, ok := receive(t, messages).(*auction.RevenueQuery)
	require.True(t, ok)

	query.Reply <- nil

	select {
	case msg := <-messages:
		t.Fatalf("unexpected message %T", msg)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, 0, svc.Pending())
}

func TestDuplicateAuctionScheduledOnce(t *testing.T) {
	svc, auctions, _ := newTestBidder(t, &Config{BidTime: DefaultBidTime})

	// Far in the future so the timer stays pending.
	a := testAuction(1_000_000)
	auctions <- a
	auctions <- a

	require.Eventually(t, func() bool {
		return svc.Pending() == 1 && len(auctions) == 0
	}, time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, svc.Pending())
}

func TestStopCancelsPendingBids(t *testing.T) {
	log, _ := test.NewNullLogger()

	genesis := &beacon.Genesis{GenesisTime: time.Now()}
	auctions := make(chan *auction.Context, 4)
	messages := make(chan auction.Message, 4)

	svc := NewService(&Config{BidTime: DefaultBidTime}, genesis, testChainSpec, auctions, messages, log)
	require.NoError(t, svc.Start(context.Background()))

	auctions <- testAuction(1_000)

	require.Eventually(t, func() bool {
		return svc.Pending() == 1
	}, time.Second, 10*time.Millisecond)

	svc.Stop()

	assert.Equal(t, 0, svc.Pending())
	assert.Empty(t, messages)
}

func TestScheduleAfterStopIsIgnored(t *testing.T) {
	log, _ := test.NewNullLogger()

	genesis := &beacon.Genesis{GenesisTime: time.Now()}
	auctions := make(chan *auction.Context, 4)
	messages := make(chan auction.Message, 4)

	svc := NewService(&Config{BidTime: DefaultBidTime}, genesis, testChainSpec, auctions, messages, log)
	require.NoError(t, svc.Start(context.Background()))

	svc.Stop()

	// An auction picked up by the run loop after cancellation.
	svc.schedule(testAuction(1_000))
	assert.Equal(t, 0, svc.Pending())

	done := make(chan struct{})

	go func() {
		svc.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait group blocked by a timer created after stop")
	}
}
