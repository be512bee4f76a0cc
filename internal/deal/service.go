package deal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmattes/escrowd/internal/fees"
	"github.com/pmattes/escrowd/internal/logging"
	"github.com/pmattes/escrowd/internal/money"
	"github.com/pmattes/escrowd/internal/rates"
	"github.com/pmattes/escrowd/internal/syncutil"
	"github.com/pmattes/escrowd/internal/traces"
	"github.com/pmattes/escrowd/internal/validation"
	"github.com/pmattes/escrowd/internal/wallet"
)

// DefaultFilingTTL is how long a pending dispute-reason slot stays open.
const DefaultFilingTTL = 30 * time.Minute

// Options configures the policy constants a Service runs under.
type Options struct {
	Asset         string
	FeePolicy     fees.Policy
	DisputePolicy fees.Policy
	RequiredConfs int
	Grace         time.Duration
	FilingTTL     time.Duration
}

// Service implements the deal lifecycle business logic.
type Service struct {
	store  Store
	addrs  wallet.AddressAllocator
	notify Notifier
	rates  *rates.Converter
	events EventSink

	opts      Options
	botHandle string
	isAdmin   func(int64) bool

	locks syncutil.ShardedMutex // per-deal locks to serialize state transitions
}

// Notifier delivers messages to deal parties. Delivery failure is a soft
// outcome, never an error.
type Notifier interface {
	Notify(ctx context.Context, recipientID int64, text string) bool
}

// NewService creates a new deal service.
func NewService(store Store, addrs wallet.AddressAllocator, opts Options) *Service {
	if opts.RequiredConfs < 1 {
		opts.RequiredConfs = 1
	}
	if opts.Grace <= 0 {
		opts.Grace = 72 * time.Hour
	}
	if opts.FilingTTL <= 0 {
		opts.FilingTTL = DefaultFilingTTL
	}
	if opts.Asset == "" {
		opts.Asset = "BTC"
	}
	return &Service{
		store:   store,
		addrs:   addrs,
		opts:    opts,
		isAdmin: func(int64) bool { return false },
	}
}

// WithNotifier adds a notification sender for party messaging.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notify = n
	return s
}

// WithRates adds a fiat conversion table for fee bounds.
func (s *Service) WithRates(r *rates.Converter) *Service {
	s.rates = r
	return s
}

// WithEvents adds a sink for deal lifecycle events.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// WithAdminCheck sets the admin authorization predicate.
func (s *Service) WithAdminCheck(fn func(userID int64) bool) *Service {
	if fn != nil {
		s.isAdmin = fn
	}
	return s
}

// WithBotHandle excludes the relay bot's own handle from seller binding.
func (s *Service) WithBotHandle(handle string) *Service {
	s.botHandle = handle
	return s
}

// dealLock returns a mutex for the given deal ID.
// This serializes state transitions against concurrent callers and the
// auto-finalise sweep.
func (s *Service) dealLock(id int64) *sync.Mutex {
	return s.locks.Shard(id)
}

// update persists a transition via compare-and-swap. A version conflict
// means another caller won the race; they observe the post-transition
// state, we report the operation as no longer legal.
func (s *Service) update(ctx context.Context, d *Deal) error {
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("%w: %v", ErrInvalidStatus, err)
		}
		return err
	}
	return nil
}

func (s *Service) feeBounds(asset string, minCents, maxCents int64) (decimal.Decimal, decimal.Decimal) {
	if s.rates == nil {
		return decimal.Zero, decimal.Zero
	}
	return s.rates.CentsToAsset(asset, minCents), s.rates.CentsToAsset(asset, maxCents)
}

func (s *Service) serviceFee(d *Deal, amount decimal.Decimal) decimal.Decimal {
	minB, maxB := s.feeBounds(d.Asset, d.FeeMinCents, d.FeeMaxCents)
	return fees.ServiceFee(amount, d.FeeBP, minB, maxB)
}

// CreateOffer creates a new deal in PENDING_ACCEPT.
func (s *Service) CreateOffer(ctx context.Context, buyer Caller, req CreateOfferRequest) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.create_offer",
		traces.Amount(req.Amount), traces.Asset(req.Asset))
	defer span.End()

	tag := validation.SanitizeHandle(req.SellerTag)
	if !validation.IsValidHandle(tag) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, req.SellerTag)
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}

	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		asset = s.opts.Asset
	}
	if !validation.IsValidAsset(asset) {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidAmount, req.Asset)
	}

	now := time.Now()
	d := &Deal{
		BuyerID:       buyer.ID,
		SellerID:      UnboundSeller,
		SellerTag:     tag,
		Asset:         asset,
		Amount:        amount.String(),
		FeeBP:         s.opts.FeePolicy.BasisPoints,
		FeeMinCents:   s.opts.FeePolicy.MinFiatCents,
		FeeMaxCents:   s.opts.FeePolicy.MaxFiatCents,
		Status:        StatusPendingAccept,
		RequiredConfs: s.opts.RequiredConfs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateDeal(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create deal: %w", err)
	}

	observeTransition("", StatusPendingAccept)
	s.emit(d, "offer_created")
	logging.L(ctx).Info("offer created",
		"deal_id", d.ID, "buyer", d.BuyerID, "seller_tag", d.SellerTag,
		"asset", d.Asset, "amount", d.Amount)
	return d, nil
}

// Accept binds the caller as seller and transitions to AWAIT_FUNDS,
// allocating a deposit address. Address allocation is best-effort: a
// deterministic fallback is used when the wallet backend is down, so an
// accepted deal never blocks on wallet availability.
func (s *Service) Accept(ctx context.Context, caller Caller, dealID int64) (*AcceptResult, error) {
	ctx, span := traces.StartSpan(ctx, "deal.accept", traces.DealID(dealID))
	defer span.End()

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	role, _ := resolveParty(d, caller, s.botHandle)
	if role != RoleSeller {
		return nil, fmt.Errorf("%w: only %s can accept deal %d", ErrForbidden, d.SellerTag, d.ID)
	}

	if d.Status != StatusPendingAccept {
		return nil, fmt.Errorf("%w: deal %d is %s, expected %s", ErrInvalidStatus, d.ID, d.Status, StatusPendingAccept)
	}

	addr, err := s.addrs.DepositAddress(ctx, d.ID)
	if err != nil {
		addr = wallet.FallbackAddress(d.ID)
		logging.L(ctx).Warn("address allocation unavailable, using fallback",
			"deal_id", d.ID, "error", err)
	}

	prev := d.Status
	d.Status = StatusAwaitFunds
	d.PayAddress = addr

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	span.SetAttributes(traces.DealStatus(string(d.Status)))
	s.emit(d, "accepted")

	instructions := fmt.Sprintf("Deal %d accepted. Buyer sends %s %s to %s (%d confirmation(s) required).",
		d.ID, money.Display(mustDecimal(d.Amount), d.Asset), d.Asset, d.PayAddress, d.RequiredConfs)

	notified := false
	if s.notify != nil {
		notified = s.notify.Notify(ctx, d.BuyerID, instructions)
	}
	if !notified {
		logging.L(ctx).Warn("buyer notification not delivered, seller must relay", "deal_id", d.ID)
	}

	logging.L(ctx).Info("deal accepted",
		"deal_id", d.ID, "seller", d.SellerID, "address", d.PayAddress, "buyer_notified", notified)

	return &AcceptResult{Deal: d, Instructions: instructions, BuyerNotified: notified}, nil
}

// Decline lets the seller reject an offer. Valid from PENDING_ACCEPT or
// AWAIT_FUNDS.
func (s *Service) Decline(ctx context.Context, caller Caller, dealID int64) (*Deal, error) {
	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	role, _ := resolveParty(d, caller, s.botHandle)
	if role != RoleSeller {
		return nil, fmt.Errorf("%w: only %s can decline deal %d", ErrForbidden, d.SellerTag, d.ID)
	}

	if d.Status != StatusPendingAccept && d.Status != StatusAwaitFunds {
		return nil, fmt.Errorf("%w: deal %d is %s, cannot decline", ErrInvalidStatus, d.ID, d.Status)
	}

	prev := d.Status
	d.Status = StatusCancelled

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	s.emit(d, "declined")
	if s.notify != nil {
		s.notify.Notify(ctx, d.BuyerID, fmt.Sprintf("Deal %d was declined by the seller.", d.ID))
	}
	logging.L(ctx).Info("deal declined", "deal_id", d.ID, "seller", d.SellerID)
	return d, nil
}

// CancelPendingOffer lets an admin withdraw an offer the seller never
// answered. Valid only from PENDING_ACCEPT.
func (s *Service) CancelPendingOffer(ctx context.Context, admin Caller, dealID int64) (*Deal, error) {
	if !s.isAdmin(admin.ID) {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if d.Status != StatusPendingAccept {
		return nil, fmt.Errorf("%w: deal %d is %s, expected %s", ErrInvalidStatus, d.ID, d.Status, StatusPendingAccept)
	}

	prev := d.Status
	d.Status = StatusCancelled

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	s.emit(d, "offer_cancelled")
	logging.L(ctx).Info("pending offer cancelled by admin", "deal_id", d.ID, "admin", admin.ID)
	return d, nil
}

// MarkFunded records deposit progress from the wallet watcher or webhook.
// Confirmations below the threshold persist without a transition; reaching
// the threshold moves the deal to FUNDED and starts the auto-finalise clock.
func (s *Service) MarkFunded(ctx context.Context, dealID int64, confirmations int, holdTxID string) (*Deal, error) {
	ctx, span := traces.StartSpan(ctx, "deal.mark_funded", traces.DealID(dealID))
	defer span.End()

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if d.Status != StatusAwaitFunds {
		return nil, fmt.Errorf("%w: deal %d is %s, expected %s", ErrInvalidStatus, d.ID, d.Status, StatusAwaitFunds)
	}

	if confirmations > d.Confirmations {
		d.Confirmations = confirmations
	}
	if holdTxID != "" {
		d.HoldTxID = holdTxID
	}

	if d.Confirmations < d.RequiredConfs {
		if err := s.update(ctx, d); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("deposit seen, awaiting confirmations",
			"deal_id", d.ID, "confirmations", d.Confirmations, "required", d.RequiredConfs)
		return d, nil
	}

	now := time.Now()
	deadline := now.Add(s.opts.Grace)
	prev := d.Status
	d.Status = StatusFunded
	d.FundedAt = &now
	d.AutoFinaliseAt = &deadline

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	s.emit(d, "funded")

	if s.notify != nil {
		msg := fmt.Sprintf("Deal %d is funded (%s %s held in escrow).", d.ID, money.Display(mustDecimal(d.Amount), d.Asset), d.Asset)
		s.notify.Notify(ctx, d.BuyerID, msg)
		if d.SellerID != UnboundSeller {
			s.notify.Notify(ctx, d.SellerID, msg)
		}
	}

	logging.L(ctx).Info("deal funded",
		"deal_id", d.ID, "hold_tx", d.HoldTxID, "auto_finalise_at", deadline)
	return d, nil
}

// CancelUnfunded cancels a deal before any funds arrived. Buyer or admin
// only; valid from AWAIT_FUNDS or the CREATED placeholder.
func (s *Service) CancelUnfunded(ctx context.Context, caller Caller, dealID int64) (*Deal, error) {
	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	if caller.ID != d.BuyerID && !s.isAdmin(caller.ID) {
		return nil, fmt.Errorf("%w: only the buyer or an admin can cancel deal %d", ErrForbidden, d.ID)
	}

	if d.Status != StatusAwaitFunds && d.Status != StatusCreated {
		return nil, fmt.Errorf("%w: deal %d is %s, cannot cancel", ErrInvalidStatus, d.ID, d.Status)
	}

	prev := d.Status
	d.Status = StatusCancelled

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	s.emit(d, "cancelled")
	if s.notify != nil && d.SellerID != UnboundSeller {
		s.notify.Notify(ctx, d.SellerID, fmt.Sprintf("Deal %d was cancelled before funding.", d.ID))
	}
	logging.L(ctx).Info("unfunded deal cancelled", "deal_id", d.ID, "by", caller.ID)
	return d, nil
}

// SetPayoutAddress records where the seller wants their funds sent.
func (s *Service) SetPayoutAddress(ctx context.Context, caller Caller, dealID int64, addr string) (*Deal, error) {
	if !validation.IsValidCoinAddress(addr) {
		return nil, fmt.Errorf("%w: %q does not look like a valid address", ErrInvalidAmount, addr)
	}

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	role, _ := resolveParty(d, caller, s.botHandle)
	if role != RoleSeller {
		return nil, fmt.Errorf("%w: only the seller can set the payout address for deal %d", ErrForbidden, d.ID)
	}

	if d.IsTerminal() {
		return nil, fmt.Errorf("%w: deal %d is already %s", ErrInvalidStatus, d.ID, d.Status)
	}

	d.SellerPayoutAddress = addr
	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("payout address set", "deal_id", d.ID, "seller", d.SellerID)
	return d, nil
}

// ConfirmAmount returns a fee preview at the deal's recorded amount.
// Party-only.
func (s *Service) ConfirmAmount(ctx context.Context, caller Caller, dealID int64) (*Quote, error) {
	d, err := s.GetStatus(ctx, caller, dealID)
	if err != nil {
		return nil, err
	}

	amount, err := d.AmountDecimal()
	if err != nil {
		return nil, fmt.Errorf("deal %d has corrupt amount: %w", d.ID, err)
	}
	fee := s.serviceFee(d, amount)
	return &Quote{
		Amount: money.Display(amount, d.Asset),
		Fee:    money.Display(fee, d.Asset),
		Net:    money.Display(amount.Sub(fee), d.Asset),
		Asset:  d.Asset,
	}, nil
}

// Finalise releases the held funds to the seller at the buyer's request.
func (s *Service) Finalise(ctx context.Context, caller Caller, dealID int64) (*Deal, *Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "deal.finalise", traces.DealID(dealID))
	defer span.End()

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}

	if caller.ID != d.BuyerID {
		return nil, nil, fmt.Errorf("%w: only the buyer can finalise deal %d", ErrForbidden, d.ID)
	}

	if d.Status != StatusFunded {
		return nil, nil, fmt.Errorf("%w: deal %d is %s, expected %s", ErrInvalidStatus, d.ID, d.Status, StatusFunded)
	}

	settlement, err := s.release(ctx, d, fmt.Sprintf("release-%d", d.ID))
	if err != nil {
		return nil, nil, err
	}

	s.emit(d, "released")
	if s.notify != nil && d.SellerID != UnboundSeller {
		s.notify.Notify(ctx, d.SellerID, fmt.Sprintf("Deal %d released: %s %s paid out to %s.",
			d.ID, settlement.SellerShare, d.Asset, d.SellerPayoutAddress))
	}
	logging.L(ctx).Info("deal finalised by buyer",
		"deal_id", d.ID, "payout", settlement.SellerShare, "fee", settlement.ServiceFee)
	return d, settlement, nil
}

// release performs the FUNDED → RELEASED transition with full payout to
// the seller. Caller holds the deal lock.
func (s *Service) release(ctx context.Context, d *Deal, txID string) (*Settlement, error) {
	if d.SellerPayoutAddress == "" {
		return nil, fmt.Errorf("%w: deal %d", ErrMissingPayoutAddress, d.ID)
	}

	amount, err := d.AmountDecimal()
	if err != nil {
		return nil, fmt.Errorf("deal %d has corrupt amount: %w", d.ID, err)
	}
	fee := s.serviceFee(d, amount)
	net := amount.Sub(fee)
	if net.Sign() <= 0 {
		return nil, fmt.Errorf("%w: fee %s >= amount %s", ErrNonPositivePayout, money.String(fee), d.Amount)
	}

	prev := d.Status
	d.Status = StatusReleased
	d.ReleaseTxID = txID

	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	observeTransition(prev, d.Status)
	return &Settlement{
		Action:      "release",
		SellerShare: money.String(net),
		BuyerShare:  "0",
		ServiceFee:  money.String(fee),
		ReleaseTxID: txID,
	}, nil
}

// GetStatus returns the deal if the caller is a party or an admin. A
// handle match binds the seller as a side effect. The lazy auto-finalise
// check runs here, so reads alone keep the deadline honest without a
// dedicated timer.
func (s *Service) GetStatus(ctx context.Context, caller Caller, dealID int64) (*Deal, error) {
	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	role, bound := resolveParty(d, caller, s.botHandle)
	if role == RoleNone && !s.isAdmin(caller.ID) {
		return nil, fmt.Errorf("%w: not a party to deal %d", ErrForbidden, d.ID)
	}

	if bound {
		if err := s.update(ctx, d); err != nil {
			// Another caller bound first; re-read and re-check.
			fresh, gerr := s.store.GetDeal(ctx, dealID)
			if gerr != nil {
				return nil, gerr
			}
			d = fresh
			if !d.IsParty(caller.ID) && !s.isAdmin(caller.ID) {
				return nil, fmt.Errorf("%w: not a party to deal %d", ErrForbidden, d.ID)
			}
		} else {
			logging.L(ctx).Info("seller bound by handle match", "deal_id", d.ID, "seller", d.SellerID)
		}
	}

	if err := s.maybeAutoFinalise(ctx, d); err != nil {
		logging.L(ctx).Warn("lazy auto-finalise failed", "deal_id", d.ID, "error", err)
	}

	return d, nil
}

// Summary returns deal counts by status for the admin dashboard.
func (s *Service) Summary(ctx context.Context, admin Caller) (map[Status]int, error) {
	if !s.isAdmin(admin.ID) {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return s.store.CountByStatus(ctx)
}

// ListRecent returns a page of deals for the admin dashboard, newest
// first. beforeID carries the cursor position; zero starts at the top.
func (s *Service) ListRecent(ctx context.Context, admin Caller, beforeID int64, limit int) ([]*Deal, error) {
	if !s.isAdmin(admin.ID) {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListRecent(ctx, beforeID, limit)
}

// ListByStatus is ListRecent restricted to one status.
func (s *Service) ListByStatus(ctx context.Context, admin Caller, status Status, beforeID int64, limit int) ([]*Deal, error) {
	if !s.isAdmin(admin.ID) {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if !status.Known() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidStatus, status)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, beforeID, limit)
}

// ListMine returns the caller's own deals.
func (s *Service) ListMine(ctx context.Context, caller Caller, limit int) ([]*Deal, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, caller.ID, limit)
}

func (s *Service) emit(d *Deal, event string) {
	if s.events != nil {
		s.events.DealEvent(d, event)
	}
}

// mustDecimal parses an amount validated at creation.
func mustDecimal(amount string) decimal.Decimal {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero
	}
	return d
}
