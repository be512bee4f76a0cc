package deal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pmattes/escrowd/internal/fees"
	"github.com/pmattes/escrowd/internal/wallet"
)

const (
	buyerID  = int64(100)
	sellerID = int64(200)
	adminID  = int64(999)
	otherID  = int64(300)
)

// mockNotifier records delivered messages and can simulate DM failure.
type mockNotifier struct {
	mu       sync.Mutex
	messages map[int64][]string
	fail     bool
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{messages: make(map[int64][]string)}
}

func (m *mockNotifier) Notify(_ context.Context, recipientID int64, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return false
	}
	m.messages[recipientID] = append(m.messages[recipientID], text)
	return true
}

func (m *mockNotifier) count(recipientID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[recipientID])
}

// failingAllocator simulates a wallet backend outage.
type failingAllocator struct{}

func (failingAllocator) DepositAddress(context.Context, int64) (string, error) {
	return "", wallet.ErrUnavailable
}

func newTestService() (*Service, *mockNotifier) {
	notifier := newMockNotifier()
	svc := NewService(NewMemoryStore(), wallet.Static{}, Options{
		Asset:         "BTC",
		FeePolicy:     fees.Policy{BasisPoints: 150},
		DisputePolicy: fees.Policy{BasisPoints: 80},
		RequiredConfs: 1,
		Grace:         72 * time.Hour,
	}).WithNotifier(notifier).WithAdminCheck(func(id int64) bool { return id == adminID })
	return svc, notifier
}

func buyer() Caller  { return Caller{ID: buyerID, Handle: "@buyer"} }
func seller() Caller { return Caller{ID: sellerID, Handle: "@seller"} }
func admin() Caller  { return Caller{ID: adminID, Handle: "@admin"} }

func createOffer(t *testing.T, svc *Service) *Deal {
	t.Helper()
	d, err := svc.CreateOffer(context.Background(), buyer(), CreateOfferRequest{
		SellerTag: "@seller",
		Amount:    "0.01",
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	return d
}

func fundedDeal(t *testing.T, svc *Service) *Deal {
	t.Helper()
	ctx := context.Background()
	d := createOffer(t, svc)
	if _, err := svc.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	funded, err := svc.MarkFunded(ctx, d.ID, 1, "hold-tx-1")
	if err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}
	return funded
}

func TestCreateOffer(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)

	if d.Status != StatusPendingAccept {
		t.Errorf("expected status %s, got %s", StatusPendingAccept, d.Status)
	}
	if d.SellerID != UnboundSeller {
		t.Errorf("seller should be unbound at creation, got %d", d.SellerID)
	}
	if d.FeeBP != 150 {
		t.Errorf("fee policy not snapshotted: got %d bp", d.FeeBP)
	}
	if d.Amount != "0.01" {
		t.Errorf("expected amount 0.01, got %s", d.Amount)
	}
}

func TestCreateOffer_InvalidInputs(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateOfferRequest
		wantErr error
	}{
		{"zero amount", CreateOfferRequest{SellerTag: "@seller", Amount: "0"}, ErrInvalidAmount},
		{"negative amount", CreateOfferRequest{SellerTag: "@seller", Amount: "-1"}, ErrInvalidAmount},
		{"garbage amount", CreateOfferRequest{SellerTag: "@seller", Amount: "abc"}, ErrInvalidAmount},
		{"bad tag", CreateOfferRequest{SellerTag: "not a handle", Amount: "1"}, ErrInvalidTag},
		{"empty tag", CreateOfferRequest{SellerTag: "", Amount: "1"}, ErrInvalidTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateOffer(ctx, buyer(), tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAccept_BindsSellerAndAllocatesAddress(t *testing.T) {
	svc, notifier := newTestService()
	d := createOffer(t, svc)

	result, err := svc.Accept(context.Background(), seller(), d.ID)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	if result.Deal.Status != StatusAwaitFunds {
		t.Errorf("expected status %s, got %s", StatusAwaitFunds, result.Deal.Status)
	}
	if result.Deal.SellerID != sellerID {
		t.Errorf("seller not bound: got %d", result.Deal.SellerID)
	}
	if result.Deal.PayAddress == "" {
		t.Error("deposit address not allocated")
	}
	if !result.BuyerNotified {
		t.Error("buyer should have been notified")
	}
	if notifier.count(buyerID) != 1 {
		t.Errorf("expected 1 buyer message, got %d", notifier.count(buyerID))
	}
}

func TestAccept_FallbackAddressOnWalletOutage(t *testing.T) {
	svc, _ := newTestService()
	svc.addrs = failingAllocator{}
	d := createOffer(t, svc)

	result, err := svc.Accept(context.Background(), seller(), d.ID)
	if err != nil {
		t.Fatalf("Accept must not fail on wallet outage: %v", err)
	}
	if result.Deal.PayAddress != wallet.FallbackAddress(d.ID) {
		t.Errorf("expected fallback address, got %s", result.Deal.PayAddress)
	}
}

func TestAccept_NotificationFailureIsSoft(t *testing.T) {
	svc, notifier := newTestService()
	notifier.fail = true
	d := createOffer(t, svc)

	result, err := svc.Accept(context.Background(), seller(), d.ID)
	if err != nil {
		t.Fatalf("Accept must not fail on notification failure: %v", err)
	}
	if result.BuyerNotified {
		t.Error("delivery flag should report failure")
	}
	if result.Instructions == "" {
		t.Error("instructions must be returned for manual relay")
	}
	if result.Deal.Status != StatusAwaitFunds {
		t.Errorf("transition must commit despite failed notification, got %s", result.Deal.Status)
	}
}

func TestAccept_BuyerCannotAcceptOwnOffer(t *testing.T) {
	svc, _ := newTestService()
	d, err := svc.CreateOffer(context.Background(), Caller{ID: buyerID, Handle: "@seller"}, CreateOfferRequest{
		SellerTag: "@seller",
		Amount:    "1",
	})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	// Buyer's handle matches the tag, but the buyer must never bind as seller.
	if _, err := svc.Accept(context.Background(), Caller{ID: buyerID, Handle: "@seller"}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestAccept_WrongHandle(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)

	if _, err := svc.Accept(context.Background(), Caller{ID: otherID, Handle: "@stranger"}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestAccept_WrongState(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("first Accept failed: %v", err)
	}
	if _, err := svc.Accept(ctx, seller(), d.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second Accept should fail with ErrInvalidStatus, got %v", err)
	}
}

func TestDecline(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)

	declined, err := svc.Decline(context.Background(), seller(), d.ID)
	if err != nil {
		t.Fatalf("Decline failed: %v", err)
	}
	if declined.Status != StatusCancelled {
		t.Errorf("expected %s, got %s", StatusCancelled, declined.Status)
	}
}

func TestDecline_AfterAccept(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	declined, err := svc.Decline(ctx, seller(), d.ID)
	if err != nil {
		t.Fatalf("Decline from AWAIT_FUNDS failed: %v", err)
	}
	if declined.Status != StatusCancelled {
		t.Errorf("expected %s, got %s", StatusCancelled, declined.Status)
	}
}

func TestMarkFunded(t *testing.T) {
	svc, _ := newTestService()
	d := fundedDeal(t, svc)

	if d.Status != StatusFunded {
		t.Fatalf("expected %s, got %s", StatusFunded, d.Status)
	}
	if d.FundedAt == nil {
		t.Error("funded timestamp not set")
	}
	if d.AutoFinaliseAt == nil {
		t.Error("auto-finalise deadline not set")
	} else {
		want := d.FundedAt.Add(72 * time.Hour)
		if !d.AutoFinaliseAt.Equal(want) {
			t.Errorf("deadline = funded + grace: want %v, got %v", want, *d.AutoFinaliseAt)
		}
	}
	if d.HoldTxID != "hold-tx-1" {
		t.Errorf("hold txid not recorded: %s", d.HoldTxID)
	}
}

func TestMarkFunded_PartialConfirmations(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	svcConf := NewService(NewMemoryStore(), wallet.Static{}, Options{
		FeePolicy:     fees.Policy{BasisPoints: 150},
		RequiredConfs: 3,
		Grace:         time.Hour,
	})
	svcConf.isAdmin = svc.isAdmin

	d, err := svcConf.CreateOffer(ctx, buyer(), CreateOfferRequest{SellerTag: "@seller", Amount: "1"})
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if _, err := svcConf.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	partial, err := svcConf.MarkFunded(ctx, d.ID, 1, "tx")
	if err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}
	if partial.Status != StatusAwaitFunds {
		t.Errorf("below-threshold confirmations must not transition, got %s", partial.Status)
	}
	if partial.Confirmations != 1 {
		t.Errorf("confirmations not persisted: %d", partial.Confirmations)
	}

	full, err := svcConf.MarkFunded(ctx, d.ID, 3, "tx")
	if err != nil {
		t.Fatalf("MarkFunded failed: %v", err)
	}
	if full.Status != StatusFunded {
		t.Errorf("expected %s at threshold, got %s", StatusFunded, full.Status)
	}
}

func TestCancelUnfunded(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	d := createOffer(t, svc)
	if _, err := svc.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// A stranger cannot cancel.
	if _, err := svc.CancelUnfunded(ctx, Caller{ID: otherID}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	cancelled, err := svc.CancelUnfunded(ctx, buyer(), d.ID)
	if err != nil {
		t.Fatalf("buyer CancelUnfunded failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected %s, got %s", StatusCancelled, cancelled.Status)
	}
}

func TestCancelUnfunded_AdminAndFundedRejection(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	d := fundedDeal(t, svc)
	if _, err := svc.CancelUnfunded(ctx, admin(), d.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("funded deal must not be cancellable, got %v", err)
	}

	d2 := createOffer(t, svc)
	if _, err := svc.Accept(ctx, seller(), d2.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := svc.CancelUnfunded(ctx, admin(), d2.ID); err != nil {
		t.Errorf("admin CancelUnfunded failed: %v", err)
	}
}

func TestFinalise(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := fundedDeal(t, svc)

	if _, err := svc.SetPayoutAddress(ctx, seller(), d.ID, "bc1qsellerpayout000000000000000000000"); err != nil {
		t.Fatalf("SetPayoutAddress failed: %v", err)
	}

	released, settlement, err := svc.Finalise(ctx, buyer(), d.ID)
	if err != nil {
		t.Fatalf("Finalise failed: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("expected %s, got %s", StatusReleased, released.Status)
	}
	// 0.01 at 150bp with no bounds: fee 0.00015, payout 0.00985.
	if settlement.ServiceFee != "0.00015" {
		t.Errorf("expected fee 0.00015, got %s", settlement.ServiceFee)
	}
	if settlement.SellerShare != "0.00985" {
		t.Errorf("expected payout 0.00985, got %s", settlement.SellerShare)
	}
}

func TestFinalise_RequiresPayoutAddress(t *testing.T) {
	svc, _ := newTestService()
	d := fundedDeal(t, svc)

	if _, _, err := svc.Finalise(context.Background(), buyer(), d.ID); !errors.Is(err, ErrMissingPayoutAddress) {
		t.Errorf("expected ErrMissingPayoutAddress, got %v", err)
	}
}

func TestFinalise_BuyerOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := fundedDeal(t, svc)
	if _, err := svc.SetPayoutAddress(ctx, seller(), d.ID, "bc1qsellerpayout000000000000000000000"); err != nil {
		t.Fatalf("SetPayoutAddress failed: %v", err)
	}

	if _, _, err := svc.Finalise(ctx, seller(), d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("seller must not finalise, got %v", err)
	}
	if _, _, err := svc.Finalise(ctx, admin(), d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("admin must not finalise, got %v", err)
	}
}

func TestFinalise_NonPositivePayout(t *testing.T) {
	notifier := newMockNotifier()
	// 10000 bp = 100% fee, so the net payout is zero.
	svc := NewService(NewMemoryStore(), wallet.Static{}, Options{
		FeePolicy:     fees.Policy{BasisPoints: 10000},
		RequiredConfs: 1,
		Grace:         time.Hour,
	}).WithNotifier(notifier)
	ctx := context.Background()

	d := fundedDeal(t, svc)
	if _, err := svc.SetPayoutAddress(ctx, seller(), d.ID, "bc1qsellerpayout000000000000000000000"); err != nil {
		t.Fatalf("SetPayoutAddress failed: %v", err)
	}

	if _, _, err := svc.Finalise(ctx, buyer(), d.ID); !errors.Is(err, ErrNonPositivePayout) {
		t.Errorf("expected ErrNonPositivePayout, got %v", err)
	}

	// The failed finalise must not have moved the deal.
	fresh, err := svc.GetStatus(ctx, buyer(), d.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if fresh.Status != StatusFunded {
		t.Errorf("deal must stay %s after failed finalise, got %s", StatusFunded, fresh.Status)
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	d := fundedDeal(t, svc)
	if _, err := svc.SetPayoutAddress(ctx, seller(), d.ID, "bc1qsellerpayout000000000000000000000"); err != nil {
		t.Fatalf("SetPayoutAddress failed: %v", err)
	}
	if _, _, err := svc.Finalise(ctx, buyer(), d.ID); err != nil {
		t.Fatalf("Finalise failed: %v", err)
	}

	if _, _, err := svc.Finalise(ctx, buyer(), d.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("double finalise must fail, got %v", err)
	}
	if _, err := svc.MarkFunded(ctx, d.ID, 5, "tx"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("MarkFunded on terminal deal must fail, got %v", err)
	}
	if _, err := svc.OpenDispute(ctx, buyer(), d.ID, OpenDisputeRequest{}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("dispute on terminal deal must fail, got %v", err)
	}
	if _, err := svc.CancelUnfunded(ctx, buyer(), d.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("cancel on terminal deal must fail, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusCreated, StatusPendingAccept},
		{StatusPendingAccept, StatusAwaitFunds},
		{StatusPendingAccept, StatusCancelled},
		{StatusAwaitFunds, StatusFunded},
		{StatusAwaitFunds, StatusCancelled},
		{StatusFunded, StatusDisputed},
		{StatusFunded, StatusReleased},
		{StatusFunded, StatusCancelled},
		{StatusDisputed, StatusFunded},
		{StatusDisputed, StatusReleased},
		{StatusDisputed, StatusCancelled},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusReleased, StatusFunded},
		{StatusReleased, StatusCancelled},
		{StatusCancelled, StatusPendingAccept},
		{StatusPendingAccept, StatusFunded},
		{StatusAwaitFunds, StatusDisputed},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestGetStatus_PartyOnly(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := createOffer(t, svc)

	if _, err := svc.GetStatus(ctx, Caller{ID: otherID, Handle: "@stranger"}, d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger must not read the deal, got %v", err)
	}
	if _, err := svc.GetStatus(ctx, buyer(), d.ID); err != nil {
		t.Errorf("buyer GetStatus failed: %v", err)
	}
	if _, err := svc.GetStatus(ctx, admin(), d.ID); err != nil {
		t.Errorf("admin GetStatus failed: %v", err)
	}
}

func TestGetStatus_NotFound(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.GetStatus(context.Background(), buyer(), 12345); !errors.Is(err, ErrDealNotFound) {
		t.Errorf("expected ErrDealNotFound, got %v", err)
	}
}

func TestConfirmAmount(t *testing.T) {
	svc, _ := newTestService()
	d := createOffer(t, svc)

	quote, err := svc.ConfirmAmount(context.Background(), buyer(), d.ID)
	if err != nil {
		t.Fatalf("ConfirmAmount failed: %v", err)
	}
	if quote.Fee != "0.00015" {
		t.Errorf("expected fee 0.00015, got %s", quote.Fee)
	}
	if quote.Net != "0.00985" {
		t.Errorf("expected net 0.00985, got %s", quote.Net)
	}
}

func TestConcurrentStateTransitions_ExactlyOneWins(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := createOffer(t, svc)
	if _, err := svc.Accept(ctx, seller(), d.ID); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	const goroutines = 10
	var wg sync.WaitGroup
	successes := make(chan string, goroutines*2)

	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := svc.CancelUnfunded(ctx, buyer(), d.ID); err == nil {
				successes <- "cancel"
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := svc.MarkFunded(ctx, d.ID, 1, "tx"); err == nil {
				successes <- "fund"
			}
		}()
	}
	wg.Wait()
	close(successes)

	var winners []string
	for w := range successes {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("exactly one racing transition must win, got %d: %v", len(winners), winners)
	}

	final, err := svc.GetStatus(ctx, buyer(), d.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if winners[0] == "cancel" && final.Status != StatusCancelled {
		t.Errorf("cancel won but status is %s", final.Status)
	}
	if winners[0] == "fund" && final.Status != StatusFunded {
		t.Errorf("fund won but status is %s", final.Status)
	}
}

func TestMemoryStore_UpdateConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	d := &Deal{BuyerID: buyerID, SellerTag: "@seller", Asset: "BTC", Amount: "1", Status: StatusPendingAccept}
	if err := store.CreateDeal(ctx, d); err != nil {
		t.Fatalf("CreateDeal failed: %v", err)
	}

	a, _ := store.GetDeal(ctx, d.ID)
	b, _ := store.GetDeal(ctx, d.ID)

	a.Status = StatusAwaitFunds
	if err := store.UpdateDeal(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	b.Status = StatusCancelled
	if err := store.UpdateDeal(ctx, b); !errors.Is(err, ErrConflict) {
		t.Errorf("stale update must fail with ErrConflict, got %v", err)
	}

	fresh, _ := store.GetDeal(ctx, d.ID)
	if fresh.Status != StatusAwaitFunds {
		t.Errorf("losing write must not apply, status is %s", fresh.Status)
	}
}

func TestListMineAndSummary(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		createOffer(t, svc)
	}
	if _, err := svc.CreateOffer(ctx, Caller{ID: otherID}, CreateOfferRequest{SellerTag: "@someoneelse", Amount: "2"}); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}

	mine, err := svc.ListMine(ctx, buyer(), 0)
	if err != nil {
		t.Fatalf("ListMine failed: %v", err)
	}
	if len(mine) != 3 {
		t.Errorf("expected 3 deals for buyer, got %d", len(mine))
	}

	if _, err := svc.Summary(ctx, buyer()); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin Summary must fail, got %v", err)
	}
	counts, err := svc.Summary(ctx, admin())
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if counts[StatusPendingAccept] != 4 {
		t.Errorf("expected 4 pending deals, got %d", counts[StatusPendingAccept])
	}
}

func TestListByStatus(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	createOffer(t, svc)
	fundedDeal(t, svc)

	if _, err := svc.ListByStatus(ctx, buyer(), StatusFunded, 0, 10); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin ListByStatus must fail, got %v", err)
	}
	if _, err := svc.ListByStatus(ctx, admin(), Status("HELD"), 0, 10); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("unknown status must be rejected, got %v", err)
	}

	funded, err := svc.ListByStatus(ctx, admin(), StatusFunded, 0, 10)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(funded) != 1 || funded[0].Status != StatusFunded {
		t.Errorf("expected one funded deal, got %v", funded)
	}
}

func TestCancelPendingOffer(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	d := createOffer(t, svc)

	if _, err := svc.CancelPendingOffer(ctx, buyer(), d.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("non-admin must not cancel offers, got %v", err)
	}

	cancelled, err := svc.CancelPendingOffer(ctx, admin(), d.ID)
	if err != nil {
		t.Fatalf("CancelPendingOffer failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected %s, got %s", StatusCancelled, cancelled.Status)
	}

	// Only PENDING_ACCEPT offers qualify.
	d2 := fundedDeal(t, svc)
	if _, err := svc.CancelPendingOffer(ctx, admin(), d2.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func ExampleService_CreateOffer() {
	svc := NewService(NewMemoryStore(), wallet.Static{}, Options{
		FeePolicy: fees.Policy{BasisPoints: 150},
	})
	d, _ := svc.CreateOffer(context.Background(), Caller{ID: 1, Handle: "@alice"}, CreateOfferRequest{
		SellerTag: "@bob",
		Amount:    "0.5",
	})
	fmt.Println(d.Status, d.Amount)
	// Output: PENDING_ACCEPT 0.5
}
