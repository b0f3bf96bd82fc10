package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/auctioneer/pkg/api"
	"github.com/ethpandaops/auctioneer/pkg/auction"
	"github.com/ethpandaops/auctioneer/pkg/auctioneer"
	"github.com/ethpandaops/auctioneer/pkg/bidder"
	"github.com/ethpandaops/auctioneer/pkg/builder"
	"github.com/ethpandaops/auctioneer/pkg/chain"
	"github.com/ethpandaops/auctioneer/pkg/relay"
	"github.com/ethpandaops/auctioneer/pkg/rpc/beacon"
	"github.com/ethpandaops/auctioneer/pkg/rpc/engine"
	"github.com/ethpandaops/auctioneer/pkg/signer"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the auctioneer",
	Long: `Starts the auctioneer, connecting to the beacon node, the execution
engine and the configured relays, and begins bidding in proposal auctions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Validate required config
		if cfg.BuilderPrivkey == "" {
			return fmt.Errorf("--builder-privkey is required")
		}

		if cfg.CLClient == "" {
			return fmt.Errorf("--cl-client is required")
		}

		if cfg.ELEngineAPI == "" {
			return fmt.Errorf("--el-engine-api is required")
		}

		if cfg.ELJWTSecret == "" {
			return fmt.Errorf("--el-jwtsecret is required")
		}

		// 1. Initialize BLS signer
		blsSigner, err := signer.NewBLSSigner(cfg.BuilderPrivkey)
		if err != nil {
			return fmt.Errorf("invalid builder key: %w", err)
		}

		pubkey := blsSigner.PublicKey()
		logger.WithField("pubkey", pubkey.String()).Info("Builder key loaded")

		// 2. Initialize CL client
		logger.Info("Connecting to consensus layer...")

		clClient, err := beacon.NewClient(ctx, cfg.CLClient, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to CL: %w", err)
		}
		defer clClient.Close()

		chainSpec, err := clClient.GetChainSpec(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain spec: %w", err)
		}

		genesis, err := clClient.GetGenesis(ctx)
		if err != nil {
			return fmt.Errorf("failed to get genesis: %w", err)
		}

		// 3. Initialize Engine API client
		logger.Info("Connecting to execution layer engine API...")

		engineClient, err := engine.NewClient(ctx, cfg.ELEngineAPI, cfg.ELJWTSecret, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to EL engine API: %w", err)
		}

		// 4. Relays
		relayClients := relay.ParseEndpoints(cfg.Relays, logger)

		relays := make([]auctioneer.Relay, len(relayClients))
		for i, r := range relayClients {
			relays[i] = r
		}

		// 5. Clock, builder, bidder and auctioneer
		clock := chain.NewClock(genesis, chainSpec, logger)

		builderSvc := builder.NewService(&builder.Config{
			JobRetentionSlots: cfg.Builder.JobRetentionSlots,
		}, engineClient, clClient.Events(), genesis, chainSpec, logger)

		auctions := make(chan *auction.Context, 16)
		messages := make(chan auction.Message, 16)

		bidderSvc := bidder.NewService(&bidder.Config{
			BidTime:   cfg.Bidder.BidTime(),
			KeepAlive: cfg.Bidder.KeepAlive,
		}, genesis, chainSpec, auctions, messages, logger)

		auctioneerSvc := auctioneer.NewService(&auctioneer.Config{
			ScheduleRefreshInterval: cfg.Auctioneer.ScheduleRefreshInterval,
			VerifyRegistrations:     cfg.Auctioneer.VerifyRegistrations,
		}, relays, builderSvc, clock, blsSigner, genesis, chainSpec, auctions, messages, logger)

		// 6. Start API server (if configured)
		if cfg.APIPort > 0 {
			apiServer := api.NewServer(cfg.APIPort, pubkey, auctioneerSvc, logger)
			if err := apiServer.Start(); err != nil {
				return fmt.Errorf("failed to start API server: %w", err)
			}

			defer func() {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer stopCancel()

				if err := apiServer.Stop(stopCtx); err != nil {
					logger.WithError(err).Warn("API server shutdown failed")
				}
			}()
		}

		// 7. Start services
		if err := clClient.Events().Start(ctx); err != nil {
			return fmt.Errorf("failed to start event stream: %w", err)
		}

		if err := builderSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start builder: %w", err)
		}
		defer builderSvc.Stop()

		if err := bidderSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bidder: %w", err)
		}
		defer bidderSvc.Stop()

		clock.Start(ctx)
		defer clock.Stop()

		auctioneerDone := make(chan error, 1)

		go func() {
			auctioneerDone <- auctioneerSvc.Run(ctx)
		}()

		logger.Info("Auctioneer is running. Press Ctrl+C to stop.")

		// 8. Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("Received shutdown signal")
		case err := <-auctioneerDone:
			if err != nil {
				return fmt.Errorf("auctioneer stopped: %w", err)
			}
		}

		cancel()

		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
