package deal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pmattes/escrowd/internal/fees"
	"github.com/pmattes/escrowd/internal/logging"
	"github.com/pmattes/escrowd/internal/money"
	"github.com/pmattes/escrowd/internal/traces"
	"github.com/pmattes/escrowd/internal/validation"
)

var hundred = decimal.NewFromInt(100)

// OpenDispute files a dispute against a funded deal. The deal moves to
// DISPUTED before the dispute row is written, so the auto-finalise check
// can never release a deal with a filing in flight. The narrative reason
// arrives separately via CollectReason.
func (s *Service) OpenDispute(ctx context.Context, caller Caller, dealID int64, req OpenDisputeRequest) (*Dispute, error) {
	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}

	role, _ := resolveParty(d, caller, s.botHandle)
	if role == RoleNone {
		return nil, fmt.Errorf("%w: not a party to deal %d", ErrForbidden, d.ID)
	}

	if d.Status != StatusFunded {
		return nil, fmt.Errorf("%w: deal %d is %s, only funded deals can be disputed", ErrInvalidStatus, d.ID, d.Status)
	}

	if _, err := s.store.GetOpenDispute(ctx, dealID); err == nil {
		return nil, fmt.Errorf("%w: deal %d", ErrDuplicateDispute, d.ID)
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	if role == RoleBuyer && req.RefundAddress != "" {
		if !validation.IsValidCoinAddress(req.RefundAddress) {
			return nil, fmt.Errorf("%w: %q does not look like a valid address", ErrInvalidAmount, req.RefundAddress)
		}
		d.BuyerRefundAddress = req.RefundAddress
	}

	prev := d.Status
	d.Status = StatusDisputed
	if err := s.update(ctx, d); err != nil {
		return nil, err
	}

	disp := &Dispute{
		DealID:        d.ID,
		OpenedBy:      caller.ID,
		RefundAddress: req.RefundAddress,
		Status:        DisputeOpen,
		FeeBP:         s.opts.DisputePolicy.BasisPoints,
		FeeMinCents:   s.opts.DisputePolicy.MinFiatCents,
		FeeMaxCents:   s.opts.DisputePolicy.MaxFiatCents,
		OpenedAt:      time.Now(),
	}
	if err := s.store.CreateDispute(ctx, disp); err != nil {
		if errors.Is(err, ErrDuplicateDispute) {
			// Another filing won the race; DISPUTED is still correct.
			return nil, fmt.Errorf("%w: deal %d", ErrDuplicateDispute, d.ID)
		}
		// Compensate: revert the status so the deal is not stuck in
		// DISPUTED with no dispute row.
		d.Status = prev
		if uerr := s.update(ctx, d); uerr != nil {
			logging.L(ctx).Error("CRITICAL: deal marked disputed but dispute row failed and revert failed",
				"deal_id", d.ID, "create_error", err, "revert_error", uerr)
		}
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	observeTransition(prev, d.Status)
	disputesOpened.Inc()
	s.emit(d, "disputed")

	// One-shot slot so this user's next message becomes the reason text.
	filing := &PendingFiling{
		UserID:    caller.ID,
		DealID:    d.ID,
		ExpiresAt: time.Now().Add(s.opts.FilingTTL),
	}
	if err := s.store.PutPendingFiling(ctx, filing); err != nil {
		logging.L(ctx).Warn("failed to store pending filing slot", "deal_id", d.ID, "error", err)
	}

	if s.notify != nil {
		counterparty := d.BuyerID
		if role == RoleBuyer {
			counterparty = d.SellerID
		}
		if counterparty != UnboundSeller {
			s.notify.Notify(ctx, counterparty,
				fmt.Sprintf("Deal %d is now disputed. Please respond with your side of the story.", d.ID))
		}
	}

	logging.L(ctx).Info("dispute opened", "deal_id", d.ID, "dispute_id", disp.ID, "opened_by", caller.ID)
	return disp, nil
}

// CollectReason consumes a user's pending filing slot and attaches their
// message as the dispute reason. A message from a user with no pending
// slot is a no-op, reported by the boolean.
func (s *Service) CollectReason(ctx context.Context, userID int64, text string) (bool, error) {
	filing, err := s.store.TakePendingFiling(ctx, userID)
	if err != nil {
		return false, err
	}
	if filing == nil {
		return false, nil
	}
	if time.Now().After(filing.ExpiresAt) {
		return false, nil
	}

	// Read and write under the per-deal lock: a resolution that lands
	// first wins and the late reason is dropped, never written over it.
	mu := s.dealLock(filing.DealID)
	mu.Lock()
	defer mu.Unlock()

	disp, err := s.store.GetOpenDispute(ctx, filing.DealID)
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			// Dispute resolved before the reason arrived; drop it.
			return false, nil
		}
		return false, err
	}

	disp.Reason = validation.SanitizeString(text, validation.MaxReasonLength)
	if err := s.store.UpdateDispute(ctx, disp); err != nil {
		return false, err
	}

	logging.L(ctx).Info("dispute reason collected", "deal_id", filing.DealID, "dispute_id", disp.ID)
	return true, nil
}

// Resolve settles a funded or disputed deal by admin decision.
//
// release pays the seller, refund pays the buyer, split divides the amount
// by the given percentage. The losing party is whichever side receives the
// smaller gross share (tie goes against the seller); the dispute fee is
// taken out of the loser's share where one exists.
func (s *Service) Resolve(ctx context.Context, admin Caller, dealID int64, req ResolveRequest) (*Deal, *Settlement, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.resolve",
		traces.DealID(dealID), traces.Resolution(req.Action))
	defer span.End()

	if !s.isAdmin(admin.ID) {
		return nil, nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}

	mu := s.dealLock(dealID)
	mu.Lock()
	defer mu.Unlock()

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}

	if d.Status != StatusFunded && d.Status != StatusDisputed {
		return nil, nil, fmt.Errorf("%w: deal %d is %s, expected %s or %s",
			ErrInvalidStatus, d.ID, d.Status, StatusFunded, StatusDisputed)
	}

	amount, err := d.AmountDecimal()
	if err != nil {
		return nil, nil, fmt.Errorf("deal %d has corrupt amount: %w", d.ID, err)
	}

	disp, err := s.store.GetOpenDispute(ctx, dealID)
	if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, nil, err
	}

	serviceFee := s.serviceFee(d, amount)
	disputeFee := s.disputeFee(d, disp, amount)

	var settlement *Settlement
	prev := d.Status

	switch req.Action {
	case "release":
		// Loser is the buyer, who receives nothing, so the dispute fee
		// has no share to come out of.
		sellerShare := amount.Sub(serviceFee)
		if sellerShare.Sign() < 0 {
			sellerShare = decimal.Zero
		}
		d.Status = StatusReleased
		d.ReleaseTxID = fmt.Sprintf("admin-release-%d", d.ID)
		settlement = &Settlement{
			Action:      "release",
			SellerShare: money.String(sellerShare),
			BuyerShare:  "0",
			LoserID:     d.BuyerID,
		}

	case "refund":
		// Loser is the seller, who receives nothing; the buyer is made
		// whole.
		buyerShare := amount
		d.Status = StatusCancelled
		d.ReleaseTxID = fmt.Sprintf("admin-refund-%d", d.ID)
		settlement = &Settlement{
			Action:      "refund",
			SellerShare: "0",
			BuyerShare:  money.String(buyerShare),
			LoserID:     d.SellerID,
		}

	case "split":
		pct, perr := decimal.NewFromString(req.SplitPct)
		if perr != nil || pct.Sign() <= 0 || pct.GreaterThanOrEqual(hundred) {
			return nil, nil, fmt.Errorf("%w: %q", ErrInvalidSplit, req.SplitPct)
		}

		sellerGross := amount.Mul(pct).Div(hundred)
		buyerGross := amount.Sub(sellerGross)

		// The smaller monetary side loses; a tie goes against the seller.
		loserID := d.SellerID
		sellerShare, buyerShare := sellerGross, buyerGross
		if sellerGross.GreaterThan(buyerGross) {
			loserID = d.BuyerID
			buyerShare = buyerShare.Sub(disputeFee)
		} else {
			sellerShare = sellerShare.Sub(disputeFee)
		}
		sellerShare = sellerShare.Sub(serviceFee)
		if sellerShare.Sign() < 0 {
			sellerShare = decimal.Zero
		}
		if buyerShare.Sign() < 0 {
			buyerShare = decimal.Zero
		}

		d.Status = StatusReleased
		d.ReleaseTxID = fmt.Sprintf("admin-split-%d", d.ID)
		settlement = &Settlement{
			Action:      "split",
			SellerShare: money.String(sellerShare),
			BuyerShare:  money.String(buyerShare),
			LoserID:     loserID,
		}

	default:
		return nil, nil, fmt.Errorf("%w: unknown action %q", ErrInvalidSplit, req.Action)
	}

	settlement.ServiceFee = money.String(serviceFee)
	settlement.DisputeFee = money.String(disputeFee)
	settlement.ReleaseTxID = d.ReleaseTxID

	if err := s.update(ctx, d); err != nil {
		return nil, nil, err
	}

	observeTransition(prev, d.Status)
	s.emit(d, "resolved_"+settlement.Action)

	if disp != nil {
		now := time.Now()
		disp.Status = DisputeResolved
		disp.Resolution = settlement.Action
		disp.SplitPct = req.SplitPct
		disp.LoserID = settlement.LoserID
		disp.ResolvedAt = &now
		if err := s.store.UpdateDispute(ctx, disp); err != nil {
			logging.L(ctx).Error("CRITICAL: deal resolved but dispute row not updated",
				"deal_id", d.ID, "dispute_id", disp.ID, "error", err)
		} else {
			disputesResolved.WithLabelValues(settlement.Action).Inc()
		}
	}

	if s.notify != nil {
		msg := fmt.Sprintf("Deal %d resolved by %s.", d.ID, settlement.Action)
		s.notify.Notify(ctx, d.BuyerID, msg)
		if d.SellerID != UnboundSeller {
			s.notify.Notify(ctx, d.SellerID, msg)
		}
	}

	logging.L(ctx).Info("deal resolved",
		"deal_id", d.ID, "action", settlement.Action, "loser", settlement.LoserID,
		"seller_share", settlement.SellerShare, "buyer_share", settlement.BuyerShare)
	return d, settlement, nil
}

// Disputes returns a deal's full dispute history for the admin panel.
func (s *Service) Disputes(ctx context.Context, admin Caller, dealID int64) ([]*Dispute, error) {
	if !s.isAdmin(admin.ID) {
		return nil, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	if _, err := s.store.GetDeal(ctx, dealID); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, dealID)
}

// disputeFee computes the dispute fee under the filed dispute's snapshot,
// falling back to the current policy when a deal is resolved without a
// dispute on file.
func (s *Service) disputeFee(d *Deal, disp *Dispute, amount decimal.Decimal) decimal.Decimal {
	policy := s.opts.DisputePolicy
	if disp != nil {
		policy = fees.Policy{
			BasisPoints:  disp.FeeBP,
			MinFiatCents: disp.FeeMinCents,
			MaxFiatCents: disp.FeeMaxCents,
		}
	}
	minB, maxB := s.feeBounds(d.Asset, policy.MinFiatCents, policy.MaxFiatCents)
	return fees.DisputeFee(amount, policy.BasisPoints, minB, maxB)
}
