package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/solfollow/engine/internal/config"
	"github.com/solfollow/engine/internal/consensus"
	"github.com/solfollow/engine/internal/extractor"
	"github.com/solfollow/engine/internal/feed"
	"github.com/solfollow/engine/internal/jupiter"
	"github.com/solfollow/engine/internal/logger"
	"github.com/solfollow/engine/internal/models"
	"github.com/solfollow/engine/internal/reputation"
	"github.com/solfollow/engine/internal/solana"
	"github.com/solfollow/engine/internal/storage"
	"github.com/solfollow/engine/internal/telegram"
	"github.com/solfollow/engine/internal/trading"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

const observationBuffer = 256

func main() {
	flag.Parse()

	// Secrets normally live in .env; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(cfg.Storage.DBPath, cfg.Storage.MaxTrades)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	wallet, err := solana.LoadWallet(cfg.Solana.SecretKey)
	if err != nil {
		logger.Fatal("Failed to load trading wallet: %v", err)
	}
	logger.Info("Trading wallet: %s", models.ShortAddress(wallet.Address()))

	chain := solana.NewClient(
		cfg.Solana.RPCURL,
		cfg.Solana.Timeout,
		cfg.Solana.RequestsPerSecond,
		cfg.Solana.RequestBurst,
		cfg.Extraction.PageSize,
		wallet,
	)

	swapper := jupiter.NewClient(jupiter.Config{
		BaseURL:        cfg.Jupiter.BaseURL,
		FallbackURL:    cfg.Jupiter.FallbackURL,
		BlockEngineURL: cfg.Jupiter.BlockEngineURL,
		TipLamports:    cfg.Jupiter.TipLamports,
		Timeout:        cfg.Jupiter.Timeout,
		MaxRetries:     cfg.Jupiter.MaxRetries,
		RetryDelayBase: cfg.Jupiter.RetryDelayBase,
	}, wallet, chain)

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	reputationStore := reputation.New(store, cfg.Reputation.LeaderboardSize)

	targets, err := cfg.Trading.TargetTable()
	if err != nil {
		logger.Fatal("Invalid target table: %v", err)
	}

	var tradeNotifier trading.Notifier
	var extractNotifier extractor.Notifier
	if telegramClient != nil {
		tradeNotifier = telegramClient
		extractNotifier = telegramClient
	}

	engine := trading.New(store, trading.Config{
		BaseBuySOL:       cfg.Trading.BaseBuySOL,
		MaxBuySOL:        cfg.Trading.MaxBuySOL,
		SlippageBps:      int(cfg.Trading.SlippagePct * 100),
		SellSlippageBps:  int(cfg.Trading.SellSlippagePct * 100),
		GasReserveSOL:    cfg.Trading.GasReserveSOL,
		CompoundFraction: cfg.Trading.CompoundFraction,
		Targets:          targets,
		TargetCeilingPct: cfg.Trading.TargetCeilingPct,
	}, swapper, swapper, chain, tradeNotifier)

	aggregator := consensus.New(store, consensus.Config{
		MinWallets: cfg.Consensus.MinWallets,
		Debounce:   cfg.Consensus.Debounce,
	}, engine.HasPosition)

	scanner := extractor.New(store, extractor.Config{
		Cooldown:       cfg.Extraction.Cooldown,
		MaxBuyers:      cfg.Extraction.MaxBuyers,
		SignatureLimit: cfg.Extraction.SignatureLimit,
		MinTransferSOL: cfg.Extraction.MinTransferSOL,
	}, chain, reputationStore, extractNotifier, engine.CurrentBuySOL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	observations := make(chan models.Observation, observationBuffer)

	var listener *feed.Listener
	if cfg.Solana.WSURL != "" {
		listener = feed.NewListener(cfg.Solana.WSURL, observations)
		watched, err := store.LoadWatchedWallets()
		if err != nil {
			logger.Warn("Failed to load watched wallets: %v", err)
		}
		listener.SetWallets(watched)
		listener.Start(ctx)
		logger.Info("Feed listener started with %d watched wallets", len(watched))
	} else {
		logger.Warn("No websocket endpoint configured, live feed disabled")
	}

	if telegramClient != nil {
		telegramClient.OnStatus(func() string {
			sizing := engine.Sizing()
			var b strings.Builder
			fmt.Fprintf(&b, "Open positions: %d\n", len(engine.OpenPositions()))
			fmt.Fprintf(&b, "Buy size: %.3f SOL\n", sizing.CurrentBuySOL)
			fmt.Fprintf(&b, "Total profit: %.3f SOL\n", sizing.TotalProfitSOL)
			fmt.Fprintf(&b, "Live windows: %d\n", aggregator.WindowCount())
			b.WriteString(telegram.FormatLeaderboard(reputationStore.Leaderboard()))
			return b.String()
		})
		telegramClient.OnExtract(func(mint string) error {
			err := scanner.Extract(ctx, mint, time.Now())
			if err == nil {
				refreshWatched(store, listener)
			}
			return err
		})
		telegramClient.ListenForCommands(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	// Observation intake: drain the feed channel, fold each observation into
	// its consensus window and fire triggers without blocking the drain loop.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case obs := <-observations:
				if err := obs.Validate(); err != nil {
					logger.Debug("Dropping observation: %v", err)
					continue
				}
				if trigger := aggregator.Observe(obs.Mint, obs.Wallet, obs.ObservedAt); trigger != nil {
					go engine.OnTrigger(ctx, trigger.Mint, trigger.AlphaCount)
				}
			}
		}
	}()

	logger.Info("Engine started (monitor: %v, consensus: %d wallets in %v, base buy: %.2f SOL)",
		cfg.Trading.MonitorInterval, cfg.Consensus.MinWallets, cfg.Consensus.Debounce, cfg.Trading.BaseBuySOL)

	ticker := time.NewTicker(cfg.Trading.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if listener != nil {
				listener.Stop()
			}
			logger.Info("Engine stopped")
			return
		case <-ticker.C:
			engine.EvaluateOpenPositions(ctx)
			if expired := aggregator.Sweep(time.Now()); expired > 0 {
				logger.Debug("Expired %d silent consensus windows", expired)
			}
		}
	}
}

// refreshWatched pushes the persisted watched-wallet set to the live feed
// after an extraction discovers new alphas.
func refreshWatched(store *storage.Storage, listener *feed.Listener) {
	if listener == nil {
		return
	}
	watched, err := store.LoadWatchedWallets()
	if err != nil {
		logger.Warn("Failed to reload watched wallets: %v", err)
		return
	}
	listener.SetWallets(watched)
}
