package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"remitrails/internal/apperr"
	"remitrails/internal/auth"
	"remitrails/internal/config"
	"remitrails/internal/confirm"
	"remitrails/internal/disburse"
	"remitrails/internal/dlq"
	"remitrails/internal/escrow"
	"remitrails/internal/idempotency"
	"remitrails/internal/metrics"
	"remitrails/internal/records"
	"remitrails/internal/retry"
	"remitrails/internal/storage"
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg     *config.AppConfig
	log     *slog.Logger
	metrics *metrics.Registry

	kv            storage.KV
	client        escrow.Client
	eth           *escrow.EthClient
	escrows       *records.Store
	disbursements *records.Store
	dlq           *dlq.Queue
	watcher       *disburse.Watcher
	errors        *apperr.Handler

	storeHealth func(context.Context) error
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if opts.logFormat != "" {
		cfg.Service.LogFormat = opts.logFormat
	}
	if opts.logLevel != "" {
		cfg.Service.LogLevel = opts.logLevel
	}

	log := newLogger(cfg.Service.LogFormat, cfg.Service.LogLevel)
	slog.SetDefault(log)

	kv, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("store error: %w", err)
	}

	a := &app{
		cfg:           cfg,
		log:           log,
		metrics:       metrics.New(),
		kv:            kv,
		escrows:       records.NewStore(kv, records.EscrowsKey),
		disbursements: records.NewStore(kv, records.DisbursementsKey),
	}
	if pinger, ok := kv.(interface{ Ping(context.Context) error }); ok {
		a.storeHealth = pinger.Ping
	}
	a.dlq = &dlq.Queue{Dir: cfg.Service.DLQPath, Logger: log, Metrics: a.metrics}
	a.dlq.UpdateDepth()

	tokens := auth.NewTokenStore(ctx, kv, cfg.Backend.Token)
	a.errors = &apperr.Handler{
		Credentials: tokens,
		Notifier:    apperr.LogNotifier{Logger: log},
		Redirect: func(path string) {
			log.Warn("backend credential rejected; sign in again", "redirect", path)
		},
		Logger: log,
	}

	if cfg.Backend.BaseURL == "" {
		log.Warn("no backend configured, using the in-memory fake backend")
		a.client = &escrow.FakeClient{PendingPolls: 2, Payments: map[string]escrow.PaymentRequest{}}
	} else {
		httpClient := &escrow.HTTPClient{
			BaseURL: cfg.Backend.BaseURL,
			Client:  &http.Client{Timeout: cfg.Backend.Timeout},
			Tokens:  tokens,
		}
		if cfg.Backend.SigningSecret != "" {
			httpClient.Signer = &auth.Signer{Secret: cfg.Backend.SigningSecret}
		}
		a.client = httpClient
	}

	var verifier disburse.TxVerifier
	if cfg.Chain.RPCURL != "" {
		eth, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{RPCURL: cfg.Chain.RPCURL})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("chain client error: %w", err)
		}
		a.eth = eth
		if cfg.Disbursement.VerifyOnchain {
			verifier = eth
		}
	}

	triggers := idempotency.NewTriggeredSet(kv,
		idempotency.WithLimit(cfg.Disbursement.MaxTriggered),
		idempotency.WithLogger(log),
	)
	a.watcher = disburse.NewWatcher(a.client, triggers, disburse.Options{
		Verifier:      verifier,
		Disbursements: a.disbursements,
		DLQ:           a.dlq,
		Logger:        log,
		Metrics:       a.metrics,
	})
	return a, nil
}

func (a *app) confirmOptions() confirm.Options {
	return confirm.Options{
		PollInterval:           a.cfg.Confirmation.PollInterval,
		MaxDuration:            a.cfg.Confirmation.MaxDuration,
		MaxConsecutiveFailures: a.cfg.Confirmation.MaxConsecutiveFailures,
		Logger:                 a.log,
		Metrics:                a.metrics,
		Errors:                 a.errors,
	}
}

// retryPolicy maps the configured retry section onto a retry.Config.
func (a *app) retryPolicy() retry.Config {
	r := a.cfg.Retry
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = r.MaxRetries
	cfg.InitialDelay = r.InitialDelay
	cfg.MaxDelay = r.MaxDelay
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	cfg.Jitter = r.Jitter
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.metrics.IncRetry("payment_request")
		a.log.Debug("retrying backend call", "attempt", attempt, "delay", delay, "error", err)
	}
	return cfg
}

func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Wait()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	switch c := a.kv.(type) {
	case interface{ Close() error }:
		if err := c.Close(); err != nil {
			a.log.Warn("close store", "error", err)
		}
	case interface{ Close() }:
		c.Close()
	}
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}
