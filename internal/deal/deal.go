// Package deal implements the escrow deal lifecycle.
//
// Flow:
//  1. Buyer creates an offer naming the seller by handle
//  2. Seller accepts → deposit address allocated, deal awaits funds
//  3. Deposit confirmed → deal funded, auto-finalise clock starts
//  4. Buyer finalises → funds released to seller minus service fee
//  5. Either party disputes → admin resolves release/refund/split
//  6. Grace window elapses with no dispute → auto-released to seller
package deal

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDealNotFound         = errors.New("deal not found")
	ErrDisputeNotFound      = errors.New("dispute not found")
	ErrForbidden            = errors.New("not authorized for this deal operation")
	ErrInvalidStatus        = errors.New("invalid deal status for this operation")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidSplit         = errors.New("split percent must be strictly between 0 and 100")
	ErrInvalidTag           = errors.New("seller tag must be a handle like @username")
	ErrDuplicateDispute     = errors.New("deal already has an open dispute")
	ErrMissingPayoutAddress = errors.New("seller payout address not set")
	ErrNonPositivePayout    = errors.New("payout would not be positive")
	ErrConflict             = errors.New("deal was modified concurrently")
)

// Status represents the state of a deal.
type Status string

const (
	StatusCreated       Status = "CREATED"        // default-construction placeholder
	StatusPendingAccept Status = "PENDING_ACCEPT" // offer made, waiting on seller
	StatusAwaitFunds    Status = "AWAIT_FUNDS"    // accepted, waiting on deposit
	StatusFunded        Status = "FUNDED"         // deposit confirmed, held in escrow
	StatusDisputed      Status = "DISPUTED"       // open dispute, awaiting resolution
	StatusReleased      Status = "RELEASED"       // settled to seller (full or split)
	StatusCancelled     Status = "CANCELLED"      // declined, cancelled, or refunded
)

// transitions is the closed set of legal status changes.
var transitions = map[Status][]Status{
	StatusCreated:       {StatusPendingAccept, StatusCancelled},
	StatusPendingAccept: {StatusAwaitFunds, StatusCancelled},
	StatusAwaitFunds:    {StatusFunded, StatusCancelled},
	StatusFunded:        {StatusDisputed, StatusReleased, StatusCancelled},
	StatusDisputed:      {StatusFunded, StatusReleased, StatusCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true for statuses no operation may leave.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Known reports whether s is a member of the status enum.
func (s Status) Known() bool {
	switch s {
	case StatusCreated, StatusPendingAccept, StatusAwaitFunds,
		StatusFunded, StatusDisputed, StatusReleased, StatusCancelled:
		return true
	}
	return false
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "OPEN"
	DisputeResolved DisputeStatus = "RESOLVED"
	// DisputeReversed is a valid terminal state reserved for appeal
	// overturns. Nothing produces it yet.
	DisputeReversed DisputeStatus = "REVERSED"
)

// UnboundSeller is the seller identity sentinel before handle binding.
const UnboundSeller int64 = 0

// Deal represents an escrow deal between a buyer and a seller.
type Deal struct {
	ID        int64  `json:"id"`
	BuyerID   int64  `json:"buyerId"`
	SellerID  int64  `json:"sellerId"` // UnboundSeller until the handle binds
	SellerTag string `json:"sellerTag"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"` // exact decimal string

	// Fee policy snapshot, captured at creation. Later policy changes
	// never retroactively alter existing deals.
	FeeBP       int   `json:"feeBp"`
	FeeMinCents int64 `json:"feeMinCents"`
	FeeMaxCents int64 `json:"feeMaxCents"`

	Status         Status     `json:"status"`
	PayAddress     string     `json:"payAddress,omitempty"`
	Confirmations  int        `json:"confirmations"`
	RequiredConfs  int        `json:"requiredConfs"`
	HoldTxID       string     `json:"holdTxId,omitempty"`
	ReleaseTxID    string     `json:"releaseTxId,omitempty"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	AutoFinaliseAt *time.Time `json:"autoFinaliseAt,omitempty"`

	SellerPayoutAddress string `json:"sellerPayoutAddress,omitempty"`
	BuyerRefundAddress  string `json:"buyerRefundAddress,omitempty"`

	// Version guards compare-and-swap updates. Incremented by the store
	// on every successful write.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the deal is in a final state.
func (d *Deal) IsTerminal() bool {
	return d.Status.IsTerminal()
}

// IsParty reports whether the given user is the buyer or the bound seller.
func (d *Deal) IsParty(userID int64) bool {
	if userID == d.BuyerID {
		return true
	}
	return d.SellerID != UnboundSeller && userID == d.SellerID
}

// AmountDecimal parses the stored amount. The amount is validated at
// creation, so a parse failure here means a corrupted record.
func (d *Deal) AmountDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(d.Amount)
}

// Dispute represents a dispute filed against a funded deal.
type Dispute struct {
	ID            int64         `json:"id"`
	DealID        int64         `json:"dealId"`
	OpenedBy      int64         `json:"openedBy"`
	RefundAddress string        `json:"refundAddress,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Status        DisputeStatus `json:"status"`

	// Dispute fee policy snapshot, captured at filing.
	FeeBP       int   `json:"feeBp"`
	FeeMinCents int64 `json:"feeMinCents"`
	FeeMaxCents int64 `json:"feeMaxCents"`

	Resolution string     `json:"resolution,omitempty"` // release|refund|split
	SplitPct   string     `json:"splitPct,omitempty"`
	LoserID    int64      `json:"loserId,omitempty"`
	OpenedAt   time.Time  `json:"openedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// PendingFiling is a one-shot slot waiting for a dispute reason message.
// Keyed by user so the next free-form message from that user attaches to
// the dispute they just opened.
type PendingFiling struct {
	UserID    int64     `json:"userId"`
	DealID    int64     `json:"dealId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store persists deals, disputes, and pending filings.
//
// UpdateDeal is compare-and-swap: the write succeeds only if the stored
// row version equals the version on the passed deal, and increments it.
// A mismatch returns ErrConflict and writes nothing.
type Store interface {
	CreateDeal(ctx context.Context, deal *Deal) error
	GetDeal(ctx context.Context, id int64) (*Deal, error)
	UpdateDeal(ctx context.Context, deal *Deal) error
	// ListRecent returns deals newest first. A non-zero beforeID restricts
	// the page to deals with a smaller ID (cursor pagination).
	ListRecent(ctx context.Context, beforeID int64, limit int) ([]*Deal, error)
	// ListByStatus is ListRecent restricted to a single status.
	ListByStatus(ctx context.Context, status Status, beforeID int64, limit int) ([]*Deal, error)
	ListByParty(ctx context.Context, userID int64, limit int) ([]*Deal, error)
	ListAutoFinalisable(ctx context.Context, before time.Time, limit int) ([]*Deal, error)
	ListAwaitingFunds(ctx context.Context, limit int) ([]*Deal, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetOpenDispute(ctx context.Context, dealID int64) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, dealID int64) ([]*Dispute, error)

	PutPendingFiling(ctx context.Context, f *PendingFiling) error
	TakePendingFiling(ctx context.Context, userID int64) (*PendingFiling, error)
	PurgeExpiredFilings(ctx context.Context, before time.Time) (int, error)
}

// Caller identifies who is invoking an operation.
type Caller struct {
	ID     int64
	Handle string
}

// CreateOfferRequest contains the parameters for creating an offer.
type CreateOfferRequest struct {
	SellerTag string `json:"sellerTag" binding:"required"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount" binding:"required"`
}

// OpenDisputeRequest contains the parameters for filing a dispute.
type OpenDisputeRequest struct {
	RefundAddress string `json:"refundAddress"`
}

// ResolveRequest contains the parameters for an admin resolution.
type ResolveRequest struct {
	Action   string `json:"action" binding:"required"` // release|refund|split
	SplitPct string `json:"splitPct"`
}

// AcceptResult reports an acceptance along with what the seller should
// relay if the buyer could not be notified directly.
type AcceptResult struct {
	Deal          *Deal  `json:"deal"`
	Instructions  string `json:"instructions"`
	BuyerNotified bool   `json:"buyerNotified"`
}

// Quote is a fee preview for a deal at its current amount.
type Quote struct {
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
	Net    string `json:"net"`
	Asset  string `json:"asset"`
}

// Settlement reports how a resolution divided the held funds.
type Settlement struct {
	Action      string `json:"action"`
	SellerShare string `json:"sellerShare"`
	BuyerShare  string `json:"buyerShare"`
	ServiceFee  string `json:"serviceFee"`
	DisputeFee  string `json:"disputeFee"`
	LoserID     int64  `json:"loserId,omitempty"`
	ReleaseTxID string `json:"releaseTxId"`
}
