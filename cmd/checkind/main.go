// Command checkind runs the check-in orchestration daemon: the HTTP
// API, the cron scheduler, and the browser-backed worker behind them.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/checkin/apiclient"
	"github.com/hazyhaar/checkin/browser"
	"github.com/hazyhaar/checkin/config"
	"github.com/hazyhaar/checkin/httpapi"
	"github.com/hazyhaar/checkin/sched"
	"github.com/hazyhaar/checkin/store"
	"github.com/hazyhaar/checkin/tasktrack"
	"github.com/hazyhaar/checkin/vault"
	"github.com/hazyhaar/checkin/worker"
)

func main() {
	configPath := env("CHECKIN_CONFIG", "config.yaml")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(cfg.DBPath, store.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(); err != nil {
		slog.Error("init database", "error", err)
		os.Exit(1)
	}

	vlt, err := initVault(ctx, st, cfg)
	if err != nil {
		slog.Error("vault", "error", err)
		os.Exit(1)
	}

	// Strategies.
	direct := apiclient.New(apiclient.Config{Logger: logger})
	headless := st.BoolSetting(ctx, store.KeyBrowserHeadless, true)
	pageTimeout := time.Duration(st.IntSetting(ctx, store.KeyBrowserTimeoutSeconds, 60)) * time.Second
	mgr := browser.NewManager(browser.Config{
		Headless:    headless,
		PageTimeout: pageTimeout,
		UserAgent:   cfg.Browser.UserAgent,
		Logger:      logger,
	})
	defer mgr.Close()
	session := browser.NewSession(mgr)

	wrk := worker.New(st, direct, session, vlt, logger)
	tracker := tasktrack.New(wrk, tasktrack.Config{Logger: logger})

	scheduler := sched.New(st, wrk, logger)
	if err := scheduler.Start(ctx); err != nil {
		slog.Error("scheduler", "error", err)
		os.Exit(1)
	}
	defer scheduler.Stop()

	api := httpapi.New(ctx, st, wrk, tracker, scheduler, logger)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	tracker.Wait()
	slog.Info("server stopped")
}

// initVault resolves the encryption key, in priority order: explicit
// hex key from the environment, a passphrase stretched with a persisted
// salt, the key stored in settings, or a freshly generated key that is
// persisted for the next start.
func initVault(ctx context.Context, st *store.Store, cfg *config.Config) (*vault.Vault, error) {
	if cfg.EncryptKeyHex != "" {
		v, err := vault.NewFromHex(cfg.EncryptKeyHex)
		if err != nil {
			return nil, fmt.Errorf("CHECKIN_ENCRYPT_KEY: %w", err)
		}
		slog.Info("vault key loaded from environment")
		return v, nil
	}

	if cfg.Passphrase != "" {
		saltHex := st.Setting(ctx, store.KeyEncryptSalt, "")
		if saltHex == "" {
			saltHex = vault.GenerateSalt()
			if err := st.SetSetting(ctx, store.KeyEncryptSalt, saltHex); err != nil {
				return nil, fmt.Errorf("persist salt: %w", err)
			}
		}
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("decode salt: %w", err)
		}
		slog.Info("vault key derived from passphrase")
		return vault.New(vault.DeriveKey(cfg.Passphrase, salt))
	}

	if keyHex := st.Setting(ctx, store.KeyEncryptKey, ""); keyHex != "" {
		return vault.NewFromHex(keyHex)
	}

	keyHex := vault.GenerateKey()
	if err := st.SetSetting(ctx, store.KeyEncryptKey, keyHex); err != nil {
		return nil, fmt.Errorf("persist generated key: %w", err)
	}
	slog.Info("vault key generated and persisted")
	return vault.NewFromHex(keyHex)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
