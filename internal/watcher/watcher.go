// Package watcher polls the wallet backend for escrow deposits.
//
// Deals in AWAIT_FUNDS each carry a deposit address. The watcher checks
// those addresses against the Electrum daemon and marks a deal funded once
// its deposit reaches the required confirmation count. An external wallet
// callback can do the same through the funding webhook; the watcher covers
// deployments where no such callback exists.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmattes/escrowd/internal/deal"
)

var watcherFundingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "watcher",
	Name:      "fundings_total",
	Help:      "Deposits detected by the watcher, by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(watcherFundingsTotal)
}

// DealSource lists deals waiting on a deposit.
type DealSource interface {
	ListAwaitingFunds(ctx context.Context, limit int) ([]*deal.Deal, error)
}

// Funder records a confirmed deposit against a deal.
type Funder interface {
	MarkFunded(ctx context.Context, dealID int64, confirmations int, holdTxID string) (*deal.Deal, error)
}

// DepositChecker reports the funding state of a deposit address.
type DepositChecker interface {
	DepositStatus(ctx context.Context, address string) (confirmations int, txid string, err error)
}

// Config for the deposit watcher
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
	}
}

// Watcher periodically scans awaiting deals for confirmed deposits.
type Watcher struct {
	config  Config
	deals   DealSource
	funder  Funder
	checker DepositChecker
	logger  *slog.Logger

	// Partially confirmed deposits already seen, so progress is only
	// logged when the confirmation count moves.
	seen map[int64]int
	mu   sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates a deposit watcher.
func New(cfg Config, deals DealSource, funder Funder, checker DepositChecker, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Watcher{
		config:  cfg,
		deals:   deals,
		funder:  funder,
		checker: checker,
		logger:  logger,
		seen:    make(map[int64]int),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins polling. The loop runs until Stop or ctx cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("deposit watcher started", "interval", w.config.PollInterval)
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkDeposits(ctx context.Context) error {
	awaiting, err := w.deals.ListAwaitingFunds(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}

	for _, d := range awaiting {
		if err := w.checkDeal(ctx, d); err != nil {
			w.logger.Error("deposit check failed for deal", "deal_id", d.ID, "error", err)
		}
	}

	// Drop tracking for deals no longer awaiting funds.
	current := make(map[int64]bool, len(awaiting))
	for _, d := range awaiting {
		current[d.ID] = true
	}
	w.mu.Lock()
	for id := range w.seen {
		if !current[id] {
			delete(w.seen, id)
		}
	}
	w.mu.Unlock()

	return nil
}

func (w *Watcher) checkDeal(ctx context.Context, d *deal.Deal) error {
	confs, txid, err := w.checker.DepositStatus(ctx, d.PayAddress)
	if err != nil {
		watcherFundingsTotal.WithLabelValues("check_error").Inc()
		return err
	}
	if txid == "" {
		return nil
	}

	if confs < d.RequiredConfs {
		w.mu.Lock()
		prev, known := w.seen[d.ID]
		w.seen[d.ID] = confs
		w.mu.Unlock()
		if !known || confs > prev {
			watcherFundingsTotal.WithLabelValues("pending").Inc()
			w.logger.Info("deposit seen, awaiting confirmations",
				"deal_id", d.ID,
				"confirmations", confs,
				"required", d.RequiredConfs,
				"tx", txid,
			)
		}
		return nil
	}

	if _, err := w.funder.MarkFunded(ctx, d.ID, confs, txid); err != nil {
		// The webhook may have beaten us to it; MarkFunded rejects the
		// repeat transition and the next poll no longer lists the deal.
		watcherFundingsTotal.WithLabelValues("mark_failed").Inc()
		return err
	}

	watcherFundingsTotal.WithLabelValues("funded").Inc()
	w.logger.Info("deposit confirmed, deal funded",
		"deal_id", d.ID,
		"confirmations", confs,
		"tx", txid,
	)
	return nil
}
