package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/veridianlabs/idp"
	"github.com/veridianlabs/idp/accounts"
	"github.com/veridianlabs/idp/instrumentation"
	"github.com/veridianlabs/idp/keystore"
	"github.com/veridianlabs/idp/providers"
	githubprov "github.com/veridianlabs/idp/providers/github"
	googleprov "github.com/veridianlabs/idp/providers/google"
	"github.com/veridianlabs/idp/security"
	"github.com/veridianlabs/idp/server"
	"github.com/veridianlabs/idp/storage"
	boltstore "github.com/veridianlabs/idp/storage/bolt"
	memorystore "github.com/veridianlabs/idp/storage/memory"
)

const bootstrapClientID = "bootstrap"

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is not an error; the environment may be complete.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).
		With("instance", uuid.NewString())
	slog.SetDefault(logger)

	cfg, err := idp.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "idp",
		ServiceVersion: cfg.ServiceVersion,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	keys := keystore.New(adapter, logger)
	if err := keys.InitializeKeys(ctx); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	resolver := accounts.NewMemoryResolver()
	connections := []accounts.Connection{
		{Name: "main-db", Kind: accounts.ConnectionDB, AllowSignup: true},
	}
	registry := providers.Registry{}

	if cfg.GoogleClientID != "" && cfg.GoogleClientSecret != "" {
		g, err := googleprov.New(&googleprov.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to configure Google federation: %w", err)
		}
		registry[accounts.ConnectionGoogle] = g
		connections = append(connections, accounts.Connection{
			Name: accounts.ConnectionGoogle, Kind: accounts.ConnectionGoogle,
		})
	}
	if cfg.GitHubClientID != "" && cfg.GitHubClientSecret != "" {
		gh, err := githubprov.New(&githubprov.Config{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
		})
		if err != nil {
			return fmt.Errorf("failed to configure GitHub federation: %w", err)
		}
		registry[accounts.ConnectionGitHub] = gh
		connections = append(connections, accounts.Connection{
			Name: accounts.ConnectionGitHub, Kind: accounts.ConnectionGitHub,
		})
	}

	srv, err := server.New(adapter, keys, resolver, registry, connections, cfg.EngineConfig(), logger)
	if err != nil {
		return err
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditEnabled))
	srv.SetRateLimiter(security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger))
	srv.SetUserRateLimiter(security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger))
	srv.SetSecurityEventRateLimiter(security.NewRateLimiter(1, 5, logger))
	srv.SetEventSink(&observedEvents{
		log:     &server.LogSink{Logger: logger},
		metrics: inst.Metrics(),
	})

	if err := seedDevData(ctx, cfg, adapter, resolver, srv, logger); err != nil {
		return err
	}

	handler := idp.NewHandler(srv, keys, cfg, logger)
	handler.SetMetrics(inst.Metrics())

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Identity provider listening", "addr", cfg.Addr, "issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// observedEvents fans engine events out to the structured log and the
// metrics pipeline.
type observedEvents struct {
	log     server.EventSink
	metrics *instrumentation.Metrics
}

func (o *observedEvents) Emit(ctx context.Context, ev server.Event) {
	o.log.Emit(ctx, ev)
	if o.metrics == nil {
		return
	}

	switch ev.Kind {
	case server.EventInteractionStarted:
		o.metrics.RecordAuthorizationStarted(ctx, ev.ClientID)
	case server.EventGrantSuccess:
		o.metrics.RecordInteractionCompleted(ctx, "consent", true)
	case server.EventTokenIssued:
		grantType, _ := ev.Details["grant_type"].(string)
		if grantType == server.GrantTypeRefreshToken {
			o.metrics.RecordTokenRefresh(ctx, ev.ClientID, true)
		} else {
			o.metrics.RecordCodeExchange(ctx, ev.ClientID, grantType)
		}
	case server.EventGrantRevoked:
		o.metrics.RecordGrantRevocation(ctx, ev.ClientID)
	case server.EventCodeReplay:
		o.metrics.RecordCodeReuseDetected(ctx)
	case server.EventRefreshReplay:
		o.metrics.RecordTokenReuseDetected(ctx)
	}
}

// openStore selects the persistence adapter. An empty STORE_PATH means the
// in-memory adapter; otherwise bbolt, with payload encryption at rest when a
// key is configured.
func openStore(cfg *idp.Config, logger *slog.Logger) (storage.Adapter, func(), error) {
	if cfg.StorePath == "" {
		logger.Warn("Using in-memory storage; all state is lost on restart",
			"recommendation", "Set STORE_PATH for persistence")
		store := memorystore.New()
		return store, store.Stop, nil
	}

	store, err := boltstore.Open(cfg.StorePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store at %s: %w", cfg.StorePath, err)
	}

	if cfg.StorageEncryptionKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.StorageEncryptionKey)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("invalid STORAGE_ENCRYPTION_KEY: %w", err)
		}
		enc, err := security.NewEncryptor(key)
		if err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("invalid STORAGE_ENCRYPTION_KEY: %w", err)
		}
		store.SetEncryptor(enc)
	}

	return store, func() { _ = store.Close() }, nil
}

// seedDevData provisions the development bootstrap: a public PKCE test client,
// a password account, and a one-time initial access token for dynamic client
// registration. Everything is opt-in through the environment.
func seedDevData(ctx context.Context, cfg *idp.Config, adapter storage.Adapter,
	resolver *accounts.MemoryResolver, srv *server.Server, logger *slog.Logger) error {

	if cfg.DevSeedEmail != "" && cfg.DevSeedPassword != "" {
		if _, err := resolver.Seed("main-db", cfg.DevSeedEmail, cfg.DevSeedPassword); err != nil {
			return fmt.Errorf("failed to seed account: %w", err)
		}
		logger.Info("Seeded development account", "email", cfg.DevSeedEmail)
	}

	if cfg.BootstrapRedirectURI != "" {
		existing, _, err := storage.Find[storage.Client](ctx, adapter, storage.KindClient, bootstrapClientID)
		if err != nil {
			return fmt.Errorf("failed to look up bootstrap client: %w", err)
		}
		if existing == nil {
			client := &storage.Client{
				ID:                      bootstrapClientID,
				RedirectURIs:            []string{cfg.BootstrapRedirectURI},
				GrantTypes:              []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
				ResponseTypes:           []string{"code"},
				TokenEndpointAuthMethod: server.TokenEndpointAuthMethodNone,
				ApplicationType:         "web",
				Name:                    "Bootstrap Test Client",
				AppType:                 "tester",
				ReadOnly:                true,
				CreatedAt:               time.Now(),
			}
			if err := storage.Upsert(ctx, adapter, client, 0); err != nil {
				return fmt.Errorf("failed to seed bootstrap client: %w", err)
			}
			logger.Info("Seeded bootstrap client",
				"client_id", bootstrapClientID, "redirect_uri", cfg.BootstrapRedirectURI)
		}

		token, err := srv.MintInitialAccessToken(ctx)
		if err != nil {
			return fmt.Errorf("failed to mint initial access token: %w", err)
		}
		logger.Info("Minted initial access token for client registration", "token", token)
	}

	return nil
}
