package deal

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists deal data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `
	id, buyer_id, seller_id, seller_tag, asset, amount,
	fee_bp, fee_min_cents, fee_max_cents, status, pay_address,
	confirmations, required_confs, hold_txid, release_txid,
	funded_at, auto_finalise_at, seller_payout_address,
	buyer_refund_address, row_version, created_at, updated_at`

func (p *PostgresStore) CreateDeal(ctx context.Context, d *Deal) error {
	d.Version = 1
	return p.db.QueryRowContext(ctx, `
		INSERT INTO deals (
			buyer_id, seller_id, seller_tag, asset, amount,
			fee_bp, fee_min_cents, fee_max_cents, status, pay_address,
			confirmations, required_confs, hold_txid, release_txid,
			funded_at, auto_finalise_at, seller_payout_address,
			buyer_refund_address, row_version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(30,18),
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21
		) RETURNING id`,
		d.BuyerID, d.SellerID, d.SellerTag, d.Asset, d.Amount,
		d.FeeBP, d.FeeMinCents, d.FeeMaxCents, string(d.Status), dealNullString(d.PayAddress),
		d.Confirmations, d.RequiredConfs, dealNullString(d.HoldTxID), dealNullString(d.ReleaseTxID),
		dealNullTime(d.FundedAt), dealNullTime(d.AutoFinaliseAt), dealNullString(d.SellerPayoutAddress),
		dealNullString(d.BuyerRefundAddress), d.Version, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
}

func (p *PostgresStore) GetDeal(ctx context.Context, id int64) (*Deal, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals WHERE id = $1`, id)

	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

// UpdateDeal writes the deal only if the stored row version matches,
// incrementing it. A mismatch returns ErrConflict.
func (p *PostgresStore) UpdateDeal(ctx context.Context, d *Deal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE deals SET
			seller_id = $1, status = $2, pay_address = $3,
			confirmations = $4, hold_txid = $5, release_txid = $6,
			funded_at = $7, auto_finalise_at = $8,
			seller_payout_address = $9, buyer_refund_address = $10,
			row_version = row_version + 1, updated_at = $11
		WHERE id = $12 AND row_version = $13`,
		d.SellerID, string(d.Status), dealNullString(d.PayAddress),
		d.Confirmations, dealNullString(d.HoldTxID), dealNullString(d.ReleaseTxID),
		dealNullTime(d.FundedAt), dealNullTime(d.AutoFinaliseAt),
		dealNullString(d.SellerPayoutAddress), dealNullString(d.BuyerRefundAddress),
		d.UpdatedAt, d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a version conflict.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM deals WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDealNotFound
		}
		return ErrConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListRecent(ctx context.Context, beforeID int64, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE ($1::bigint = 0 OR id < $1::bigint)
		ORDER BY id DESC
		LIMIT $2`, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, beforeID int64, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3`, string(status), beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID int64, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListAutoFinalisable(ctx context.Context, before time.Time, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = 'FUNDED' AND auto_finalise_at IS NOT NULL AND auto_finalise_at <= $1
		ORDER BY auto_finalise_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) ListAwaitingFunds(ctx context.Context, limit int) ([]*Deal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+dealColumns+`
		FROM deals
		WHERE status = 'AWAIT_FUNDS' AND pay_address IS NOT NULL AND pay_address <> ''
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanDeals(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM deals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO disputes (
			deal_id, opened_by, refund_address, reason, status,
			fee_bp, fee_min_cents, fee_max_cents,
			resolution, split_pct, loser_id, opened_at, resolved_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, $13
		) RETURNING id`,
		d.DealID, d.OpenedBy, dealNullString(d.RefundAddress), dealNullString(d.Reason), string(d.Status),
		d.FeeBP, d.FeeMinCents, d.FeeMaxCents,
		dealNullString(d.Resolution), dealNullString(d.SplitPct), d.LoserID, d.OpenedAt, dealNullTime(d.ResolvedAt),
	).Scan(&d.ID)

	// The partial unique index on (deal_id) WHERE status = 'OPEN' makes
	// the second concurrent filing lose here rather than in a check.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateDispute
	}
	return err
}

const disputeColumns = `
	id, deal_id, opened_by, refund_address, reason, status,
	fee_bp, fee_min_cents, fee_max_cents,
	resolution, split_pct, loser_id, opened_at, resolved_at`

func (p *PostgresStore) GetOpenDispute(ctx context.Context, dealID int64) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE deal_id = $1 AND status = 'OPEN'`, dealID)

	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			reason = $1, status = $2, resolution = $3,
			split_pct = $4, loser_id = $5, resolved_at = $6
		WHERE id = $7`,
		dealNullString(d.Reason), string(d.Status), dealNullString(d.Resolution),
		dealNullString(d.SplitPct), d.LoserID, dealNullTime(d.ResolvedAt),
		d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, dealID int64) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes WHERE deal_id = $1
		ORDER BY id`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PutPendingFiling(ctx context.Context, f *PendingFiling) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_filings (user_id, deal_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET deal_id = EXCLUDED.deal_id, expires_at = EXCLUDED.expires_at`,
		f.UserID, f.DealID, f.ExpiresAt,
	)
	return err
}

func (p *PostgresStore) TakePendingFiling(ctx context.Context, userID int64) (*PendingFiling, error) {
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM pending_filings WHERE user_id = $1
		RETURNING user_id, deal_id, expires_at`, userID)

	f := &PendingFiling{}
	err := row.Scan(&f.UserID, &f.DealID, &f.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (p *PostgresStore) PurgeExpiredFilings(ctx context.Context, before time.Time) (int, error) {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM pending_filings WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// --- scan helpers ---

// dealScanner is satisfied by both *sql.Row and *sql.Rows.
type dealScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeal(s dealScanner) (*Deal, error) {
	d := &Deal{}
	var (
		status         string
		payAddress     sql.NullString
		holdTxID       sql.NullString
		releaseTxID    sql.NullString
		fundedAt       sql.NullTime
		autoFinaliseAt sql.NullTime
		payoutAddress  sql.NullString
		refundAddress  sql.NullString
	)

	err := s.Scan(
		&d.ID, &d.BuyerID, &d.SellerID, &d.SellerTag, &d.Asset, &d.Amount,
		&d.FeeBP, &d.FeeMinCents, &d.FeeMaxCents, &status, &payAddress,
		&d.Confirmations, &d.RequiredConfs, &holdTxID, &releaseTxID,
		&fundedAt, &autoFinaliseAt, &payoutAddress,
		&refundAddress, &d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.PayAddress = payAddress.String
	d.HoldTxID = holdTxID.String
	d.ReleaseTxID = releaseTxID.String
	if fundedAt.Valid {
		d.FundedAt = &fundedAt.Time
	}
	if autoFinaliseAt.Valid {
		d.AutoFinaliseAt = &autoFinaliseAt.Time
	}
	d.SellerPayoutAddress = payoutAddress.String
	d.BuyerRefundAddress = refundAddress.String

	return d, nil
}

func scanDeals(rows *sql.Rows) ([]*Deal, error) {
	var result []*Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func scanDispute(s dealScanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status        string
		refundAddress sql.NullString
		reason        sql.NullString
		resolution    sql.NullString
		splitPct      sql.NullString
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.DealID, &d.OpenedBy, &refundAddress, &reason, &status,
		&d.FeeBP, &d.FeeMinCents, &d.FeeMaxCents,
		&resolution, &splitPct, &d.LoserID, &d.OpenedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DisputeStatus(status)
	d.RefundAddress = refundAddress.String
	d.Reason = reason.String
	d.Resolution = resolution.String
	d.SplitPct = splitPct.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}

	return d, nil
}

// --- nullable helpers ---

func dealNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dealNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
