package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/malwarebo/unlockd/api"
	"github.com/malwarebo/unlockd/cache"
	"github.com/malwarebo/unlockd/config"
	"github.com/malwarebo/unlockd/db"
	"github.com/malwarebo/unlockd/providers"
	"github.com/malwarebo/unlockd/services"
	"github.com/malwarebo/unlockd/stores"
	"github.com/shopspring/decimal"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func printBanner() {
	fmt.Printf("%s%s", colorCyan, colorBold)
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║  🔓 unlockd — metered content unlock service                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Reservations, credit holds, and generated blueprints        ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("%s", colorReset)
}

func printStep(step, message string) {
	fmt.Printf("%s[%s]%s %s%s%s\n", colorBlue, step, colorReset, colorBold, message, colorReset)
}

func printSuccess(message string) {
	fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, message)
}

func printWarning(message string) {
	fmt.Printf("%s⚠%s %s\n", colorYellow, colorReset, message)
}

func printError(message string) {
	fmt.Printf("%s✗%s %s\n", colorRed, colorReset, message)
}

// cacheOnlyCounter stands in where no pull API for subscriber counts exists:
// the membership system pushes counts into Redis, so a cache miss prices at
// the maximum.
type cacheOnlyCounter struct{}

func (cacheOnlyCounter) ActiveSubscriberCount(ctx context.Context, groupKey string) (int64, error) {
	return 0, fmt.Errorf("no upstream subscriber counter configured for %s", groupKey)
}

func main() {
	printBanner()
	fmt.Println()

	printStep("1/8", "Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		printError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		printError(fmt.Sprintf("Configuration validation failed: %v", err))
		os.Exit(1)
	}
	logger := config.GetLogger()
	printSuccess("Configuration loaded")

	printStep("2/8", "Connecting to database...")
	database, err := db.CreateDB(cfg.GetDatabaseURL(), cfg.Database.ReplicaDSNs...)
	if err != nil {
		printError(fmt.Sprintf("Failed to connect to database: %v", err))
		os.Exit(1)
	}
	defer database.Close()
	printSuccess(fmt.Sprintf("Connected to PostgreSQL at %s:%d", cfg.Database.Host, cfg.Database.Port))

	printStep("3/8", "Running migrations...")
	if err := database.Migrate(); err != nil {
		printError(fmt.Sprintf("Migration failed: %v", err))
		os.Exit(1)
	}
	printSuccess("Schema up to date")

	printStep("4/8", "Connecting to Redis...")
	var redisCache *cache.RedisCache
	var locker *redislock.Client
	redisCache, err = cache.CreateRedisCache(cache.RedisConfig{
		Addr:     cfg.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		printWarning(fmt.Sprintf("Failed to connect to Redis: %v (continuing without cache or sweep lock)", err))
		redisCache = nil
	} else {
		defer redisCache.Close()
		locker = redislock.New(redisCache.Client())
		printSuccess(fmt.Sprintf("Connected to Redis at %s", cfg.GetRedisAddr()))
	}

	printStep("5/8", "Initializing stores...")
	unlockStore := stores.CreateUnlockStore(database.GetDB())
	ledgerStore := stores.CreateLedgerStore(database.GetDB())
	jobStore := stores.CreateJobStore(database.GetDB())
	circuitStore := stores.CreateCircuitStore(database.GetDB())
	printSuccess("Stores initialized")

	printStep("6/8", "Initializing services...")
	ledgerService := services.CreateLedgerService(ledgerStore, services.WalletDefaults{
		Capacity:         decimal.NewFromFloat(cfg.Wallet.DefaultCapacity),
		RefillRatePerSec: decimal.NewFromFloat(cfg.Wallet.RefillRatePerSec),
		InitialBalance:   decimal.NewFromFloat(cfg.Wallet.InitialBalance),
	}, logger)
	pricingService := services.CreatePricingService(cacheOnlyCounter{}, redisCache, services.PricingConfig{
		MinCost: decimal.NewFromFloat(cfg.Unlock.MinCost),
		MaxCost: decimal.NewFromFloat(cfg.Unlock.MaxCost),
	}, logger)
	unlockService := services.CreateUnlockService(unlockStore, jobStore, ledgerService, pricingService, services.UnlockServiceConfig{
		ReservationWindow: time.Duration(cfg.Unlock.ReservationSeconds) * time.Second,
		ProcessingWindow:  time.Duration(cfg.Unlock.ProcessingSeconds) * time.Second,
	}, logger)
	sweepService := services.CreateSweepService(unlockStore, jobStore, ledgerService, locker, services.SweepConfig{
		BatchSize:       cfg.Sweep.BatchSize,
		ProcessingStale: cfg.Sweep.ProcessingStale,
		MinInterval:     cfg.Sweep.MinInterval,
	}, logger)
	circuitGate := services.CreateCircuitGate(circuitStore, services.CircuitGateConfig{
		FailFastEnabled:  cfg.Provider.FailFastEnabled,
		FailureThreshold: cfg.Provider.FailureThreshold,
		Cooldown:         time.Duration(cfg.Provider.CooldownSeconds) * time.Second,
	}, logger)
	printSuccess("Services initialized")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("7/8", "Starting background workers...")
	if cfg.Worker.Enabled {
		provider := providers.CreateOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		worker := services.CreateGenerationWorker(jobStore, unlockService, provider, circuitGate, services.GenerationWorkerConfig{
			WorkerID:     fmt.Sprintf("worker-%s", uuid.NewString()[:8]),
			MaxJobs:      cfg.Worker.MaxJobs,
			LeaseSeconds: cfg.Worker.LeaseSeconds,
			PollInterval: cfg.Worker.PollInterval,
			Retry: providers.RetryOptions{
				ProviderKey:    provider.Key(),
				MaxAttempts:    cfg.Provider.MaxAttempts,
				AttemptTimeout: cfg.Provider.AttemptTimeout,
				BaseDelay:      cfg.Provider.BaseDelay,
			},
		}, logger)
		go worker.Run(rootCtx)
		printSuccess("Generation worker started")
	} else {
		printWarning("Generation worker disabled")
	}

	go func() {
		ticker := time.NewTicker(cfg.Sweep.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				if _, err := sweepService.Run(rootCtx, false); err != nil {
					logger.WithField("error", err.Error()).Error("scheduled sweep failed")
				}
			}
		}
	}()
	printSuccess("Sweep scheduler started")

	printStep("8/8", "Setting up HTTP server...")
	unlockHandler := api.CreateUnlockHandler(unlockService, ledgerService, sweepService)
	ledgerHandler := api.CreateLedgerHandler(ledgerService)
	sweepHandler := api.CreateSweepHandler(sweepService)
	router := api.CreateRouter(unlockHandler, ledgerHandler, sweepHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	printSuccess("HTTP server configured")

	fmt.Println()
	fmt.Printf("%s%s🎉 unlockd is ready on port %s (%s)%s\n", colorGreen, colorBold, cfg.Server.Port, cfg.Environment, colorReset)
	fmt.Println()

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printError(fmt.Sprintf("Server failed to start: %v", err))
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	fmt.Println()
	printWarning("Shutting down unlockd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		printError(fmt.Sprintf("Server forced to shutdown: %v", err))
		os.Exit(1)
	}

	printSuccess("unlockd stopped gracefully")
}
