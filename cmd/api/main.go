package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"ballot-core/api"
	"ballot-core/blockchain/anchor"
	"ballot-core/config"
	"ballot-core/encryption"
	"ballot-core/logging"
	"ballot-core/registry"
	"ballot-core/service"
	"ballot-core/storage"
)

type flags struct {
	ConfigPath string
	EnvFile    string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.ConfigPath, "config", "", "Path to the YAML configuration file")
	flag.StringVar(&f.EnvFile, "env", ".env", "Optional .env file with BALLOT_* overrides")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()

	if err := config.LoadEnvFile(f.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Pretty, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if cfg.Storage.Dir != "" {
		if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Storage.Dir, log)
	if err != nil {
		return err
	}
	defer store.Close()

	hasher := encryption.NewHashingServiceWithIterations(cfg.Keys.PBKDF2Iterations)
	keys := encryption.NewKeyPairManager(hasher)
	metrics := service.NewMetrics()

	policy := service.PrivateKeyPolicy{Persist: cfg.Keys.PersistPrivateKey}
	if policy.Persist {
		policy.AtRestSecret = []byte(cfg.Keys.AtRestSecret)
	}
	keyStore, err := service.NewElectionKeyStore(store, keys, hasher, policy, nil, log)
	if err != nil {
		return err
	}

	receipts := service.NewReceiptService(store, hasher, log)
	ledger := service.NewVoteLedger(store, keyStore, receipts, metrics, nil, log)

	directory, err := registry.NewFileDirectory(cfg.Registry.VotersFile)
	if err != nil {
		return err
	}

	if cfg.Anchoring.Enabled {
		dispatcher, err := startAnchoring(cfg, store, metrics, log)
		if err != nil {
			return err
		}
		defer dispatcher.Stop()
		ledger.SetAnchoring(dispatcher)
	}

	// Server-side generation is only offered when private keys can be kept;
	// otherwise keys are produced with electionctl and registered.
	var (
		generator *service.KeyGenerator
		keyQueue  *service.KeyGenQueue
	)
	if keyStore.PersistsPrivateKeys() {
		generator = service.NewKeyGenerator(keys, keyStore, cfg.Keys.DefaultSize, metrics, log)
		keyQueue = service.NewKeyGenQueue(generator, cfg.KeyGen.Workers, cfg.KeyGen.QueueSize, cfg.KeyGen.Timeout, log)
		keyQueue.Start()
		defer keyQueue.Stop()
		go logKeyGenResults(keyQueue, log)
	}

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(api.Deps{
		Store:     store,
		Keys:      service.NewKeyDistributionAPI(keyStore, generator),
		Ledger:    ledger,
		Receipts:  receipts,
		Directory: directory,
		KeyGen:    keyQueue,
		Metrics:   metrics,
	}, cfg.Server.CORSOrigins, log)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Handler(),
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	serverChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		serverChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}

	log.Info().Msg("server shutdown completed")
	return nil
}

func startAnchoring(cfg *config.Config, store storage.Store, metrics *service.Metrics, log zerolog.Logger) (*service.AnchorDispatcher, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Anchoring.SignerKeyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create signer key directory: %w", err)
	}
	signer, err := encryption.LoadOrCreateAnchorSigner(cfg.Anchoring.SignerKeyPath)
	if err != nil {
		return nil, err
	}
	chainStorage, err := storage.NewChainStorage(cfg.Anchoring.ChainDir, cfg.Anchoring.KeepSnapshots, log)
	if err != nil {
		return nil, err
	}
	chain, err := anchor.New(signer, chainStorage, cfg.Anchoring.Difficulty, log)
	if err != nil {
		return nil, err
	}

	dispatcher := service.NewAnchorDispatcher(chain, store, cfg.Anchoring.QueueSize, cfg.Anchoring.Timeout, metrics, log)
	dispatcher.Start()

	log.Info().
		Str("signer", signer.Address().Hex()).
		Int("blocks", chain.Len()).
		Msg("receipt anchoring enabled")
	return dispatcher, nil
}

func logKeyGenResults(queue *service.KeyGenQueue, log zerolog.Logger) {
	for result := range queue.Results() {
		if result.Err != nil {
			log.Warn().Err(result.Err).Str("election_id", result.ElectionID).Msg("queued key generation failed")
			continue
		}
		log.Info().
			Str("election_id", result.ElectionID).
			Str("fingerprint", result.Fingerprint).
			Msg("queued key generation finished")
	}
}
