// cmd/identityd/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/robfig/cron/v3"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/challenge"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/config"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/httpclient"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/revocation"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/server"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/sweeper"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/token"
	"github.com/RegistryAccord/registryaccord-passkey-go/internal/webauthn"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("open storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	signingKey, err := loadSigningKey(cfg, logger)
	if err != nil {
		logger.Error("load signing key", "error", err)
		os.Exit(1)
	}

	client := httpclient.New(cfg.HTTPClientTimeout, cfg.HTTPClientRetries, logger)
	keys, err := newKeyCache(cfg, signingKey, client, logger)
	if err != nil {
		logger.Error("build key set", "error", err)
		os.Exit(1)
	}

	revocations := revocation.NewStore(store, logger)
	checker := revocation.Any{revocations}
	if cfg.RevocationEndpoint != "" {
		checker = append(checker, revocation.NewRemoteChecker(cfg.RevocationEndpoint, cfg.APIKeyHeader, cfg.RevocationAPIKey, client))
	}

	rp := webauthn.RelyingParty{ID: cfg.RelyingPartyID, Name: cfg.RelyingPartyName, Origins: cfg.AllowedOrigins}
	challenges := challenge.New(store, cfg.ChallengeTTL, cfg.ChallengeGrace, challenge.WithLogger(logger))
	h, err := server.New(cfg, server.Deps{
		Store:      store,
		Challenges: challenges,
		Verifier:   webauthn.NewVerifier(rp, challenges, store, logger),
		Issuer: token.NewIssuer(signingKey, token.Policy{
			Provisioning: cfg.ProvisioningTTL,
			Common:       cfg.CommonTTL,
			Consent:      cfg.ConsentTTL,
		}),
		Validator:    token.NewValidator(keys, checker, token.WithValidatorLogger(logger)),
		Revocations:  revocations,
		Keys:         keys,
		RelyingParty: rp,
	}, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	c := cron.New(cron.WithLocation(time.UTC))
	sweep := sweeper.New(store, cfg.ChallengeGrace, sweeper.WithLogger(logger))
	if _, err := sweep.Schedule(c, cfg.SweepSchedule); err != nil {
		logger.Error("schedule sweeper", "error", err)
		os.Exit(1)
	}
	c.Start()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           server.NewMetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("identityd starting", "addr", srv.Addr, "env", cfg.Env, "kid", signingKey.ID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	<-c.Stop().Done()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("shutdown complete")
	}
}

// newLogger builds the process logger. format is "json" or "text".
func newLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLevel maps a level name to a slog level, defaulting to info.
func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// openStore selects PostgreSQL when a DSN is configured and the in-memory
// backend otherwise.
func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.DatabaseDSN == "" {
		return storage.NewMemory(), nil
	}
	db, err := storage.OpenPostgres(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := storage.MigratePostgres(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return storage.NewPostgres(db), nil
}

// loadSigningKey reads the configured private JWK. In dev an ephemeral key is
// generated when none is configured; tokens then die with the process.
func loadSigningKey(cfg config.Config, logger *slog.Logger) (*token.SigningKey, error) {
	if cfg.SigningJWKPath != "" {
		return token.LoadSigningKey(cfg.SigningJWKPath, cfg.SigningKeyID, cfg.SigningAlgorithm)
	}
	if !cfg.IsDev() {
		return nil, errors.New("no signing key configured")
	}
	key, err := token.GenerateSigningKey(cfg.SigningAlgorithm)
	if err != nil {
		return nil, err
	}
	logger.Warn("using ephemeral signing key", "kid", key.ID, "alg", key.Algorithm)
	return key, nil
}

// newKeyCache trusts the signing key, any keys listed in the JWKS file, and,
// when a URL is configured, keys fetched from it on demand.
func newKeyCache(cfg config.Config, signingKey *token.SigningKey, client *retryablehttp.Client, logger *slog.Logger) (*jwks.Cache, error) {
	local := []jose.JSONWebKey{signingKey.PublicJWK()}
	if cfg.JWKSPath != "" {
		extra, err := jwks.LoadFile(cfg.JWKSPath)
		if err != nil {
			return nil, err
		}
		local = append(local, extra...)
	}

	var fetcher jwks.Fetcher
	if cfg.JWKSURL != "" {
		fetcher = jwks.NewHTTPFetcher(cfg.JWKSURL, client)
	}
	return jwks.New(local, fetcher, logger)
}
