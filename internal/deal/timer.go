package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pmattes/escrowd/internal/logging"
)

// maybeAutoFinalise releases a funded deal whose grace window has elapsed.
// Caller holds the deal lock. The open-dispute check and the transition
// happen under that lock against the same read, so a dispute filed
// concurrently either lands before the check (and suppresses the release)
// or serializes after the compare-and-swap and fails on status.
func (s *Service) maybeAutoFinalise(ctx context.Context, d *Deal) error {
	if d.Status != StatusFunded || d.AutoFinaliseAt == nil || time.Now().Before(*d.AutoFinaliseAt) {
		return nil
	}

	if _, err := s.store.GetOpenDispute(ctx, d.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return err
	}

	if d.SellerPayoutAddress == "" {
		// Cannot pay out without a destination; hold for manual review.
		// An admin resolves these via /resolve, which records the
		// settlement without moving funds.
		logging.L(ctx).Warn("deal past grace window held, no seller payout address",
			"deal_id", d.ID, "deadline", d.AutoFinaliseAt)
		return nil
	}

	settlement, err := s.release(ctx, d, fmt.Sprintf("auto-release-%d", d.ID))
	if err != nil {
		return err
	}

	autoFinalisedTotal.Inc()
	s.emit(d, "auto_released")
	if s.notify != nil {
		msg := fmt.Sprintf("Deal %d auto-released after the grace window: %s %s to seller.",
			d.ID, settlement.SellerShare, d.Asset)
		s.notify.Notify(ctx, d.BuyerID, msg)
		if d.SellerID != UnboundSeller {
			s.notify.Notify(ctx, d.SellerID, msg)
		}
	}
	return nil
}

// CheckAutoFinalise sweeps deals past their deadline and expired filing
// slots. The lazy check in GetStatus covers deals that are being read;
// this covers the ones nobody is looking at.
func (s *Service) CheckAutoFinalise(ctx context.Context) {
	now := time.Now()

	due, err := s.store.ListAutoFinalisable(ctx, now, 100)
	if err != nil {
		slog.Default().Warn("failed to list auto-finalisable deals", "error", err)
		return
	}

	for _, d := range due {
		mu := s.dealLock(d.ID)
		mu.Lock()
		// Re-read under lock to avoid acting on a stale snapshot.
		fresh, err := s.store.GetDeal(ctx, d.ID)
		if err == nil {
			if ferr := s.maybeAutoFinalise(ctx, fresh); ferr != nil {
				slog.Default().Warn("auto-finalise failed", "deal_id", d.ID, "error", ferr)
			}
		}
		mu.Unlock()
	}

	if purged, err := s.store.PurgeExpiredFilings(ctx, now); err == nil && purged > 0 {
		slog.Default().Debug("purged expired dispute filing slots", "count", purged)
	}
}

// Timer periodically runs the auto-finalise sweep.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new auto-finalise sweep timer.
func NewTimer(service *Service, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-finalise timer", "panic", fmt.Sprint(r))
		}
	}()
	t.service.CheckAutoFinalise(ctx)
}
