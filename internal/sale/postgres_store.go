package sale

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/xmrescrow/internal/pagination"
)

// PostgresStore persists sales in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed sale store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const saleColumns = `id, item_id, item_name, bid_id,
		       seller_payout_address, buyer_return_address, seller_email, buyer_email,
		       escrow_address, escrow_account_index,
		       agreed_price, platform_fee, network_fee, expected_payment, received_payment, refunded_amount,
		       escrow_period_days, payment_deadline, state,
		       buyer_notified, seller_notified, buyer_notified_of_shipment,
		       seller_notified_of_receipt, seller_notified_of_payout,
		       seller_payout_transaction, refund_transaction, payout_attempt_id, refund_attempt_id,
		       payment_received_at, shipped_at, delivered_at, seller_paid_at,
		       platform_paid_at, cancelled_at, refunded_at,
		       created_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, s *Sale) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sales (`+saleColumns+`) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19,
			$20, $21, $22,
			$23, $24,
			$25, $26, $27, $28,
			$29, $30, $31, $32,
			$33, $34, $35,
			$36, $37, $38
		)`,
		s.ID, s.ItemID, nullString(s.ItemName), s.BidID,
		s.SellerPayoutAddress, s.BuyerReturnAddress, nullString(s.SellerEmail), nullString(s.BuyerEmail),
		s.EscrowAddress, int64(s.EscrowAccountIndex),
		s.AgreedPrice, s.PlatformFee, s.NetworkFee, s.ExpectedPayment, s.ReceivedPayment, s.RefundedAmount,
		s.EscrowPeriodDays, s.PaymentDeadline, string(s.State),
		s.BuyerNotified, s.SellerNotified, s.BuyerNotifiedOfShipment,
		s.SellerNotifiedOfReceipt, s.SellerNotifiedOfPayout,
		nullString(s.SellerPayoutTransaction), nullString(s.RefundTransaction),
		nullString(s.PayoutAttemptID), nullString(s.RefundAttemptID),
		nullTime(s.PaymentReceivedAt), nullTime(s.ShippedAt), nullTime(s.DeliveredAt), nullTime(s.SellerPaidAt),
		nullTime(s.PlatformPaidAt), nullTime(s.CancelledAt), nullTime(s.RefundedAt),
		s.CreatedAt, s.UpdatedAt, s.Version,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "idx_sales_live_escrow_account" {
		return ErrAccountInUse
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Sale, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id)

	s, err := scanSale(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSaleNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Sale) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sales SET
			received_payment = $1, network_fee = $2, refunded_amount = $3, state = $4,
			buyer_notified = $5, seller_notified = $6, buyer_notified_of_shipment = $7,
			seller_notified_of_receipt = $8, seller_notified_of_payout = $9,
			seller_payout_transaction = $10, refund_transaction = $11,
			payout_attempt_id = $12, refund_attempt_id = $13,
			payment_received_at = $14, shipped_at = $15, delivered_at = $16, seller_paid_at = $17,
			platform_paid_at = $18, cancelled_at = $19, refunded_at = $20,
			updated_at = $21, version = version + 1
		WHERE id = $22 AND version = $23`,
		s.ReceivedPayment, s.NetworkFee, s.RefundedAmount, string(s.State),
		s.BuyerNotified, s.SellerNotified, s.BuyerNotifiedOfShipment,
		s.SellerNotifiedOfReceipt, s.SellerNotifiedOfPayout,
		nullString(s.SellerPayoutTransaction), nullString(s.RefundTransaction),
		nullString(s.PayoutAttemptID), nullString(s.RefundAttemptID),
		nullTime(s.PaymentReceivedAt), nullTime(s.ShippedAt), nullTime(s.DeliveredAt), nullTime(s.SellerPaidAt),
		nullTime(s.PlatformPaidAt), nullTime(s.CancelledAt), nullTime(s.RefundedAt),
		s.UpdatedAt, s.ID, s.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM sales WHERE id = $1)`, s.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrSaleNotFound
		}
		return ErrConflict
	}
	s.Version++
	return nil
}

func (p *PostgresStore) ListByState(ctx context.Context, after *pagination.Cursor, limit int, states ...State) ([]*Sale, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	if limit <= 0 {
		limit = 1000
	}

	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+saleColumns+`
			FROM sales
			WHERE state = ANY($1)
			ORDER BY created_at ASC, id ASC
			LIMIT $2`, pq.Array(names), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+saleColumns+`
			FROM sales
			WHERE state = ANY($1) AND (created_at, id) > ($2, $3)
			ORDER BY created_at ASC, id ASC
			LIMIT $4`, pq.Array(names), after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSales(rows)
}

func (p *PostgresStore) ListByItem(ctx context.Context, itemID string) ([]*Sale, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales
		WHERE item_id = $1
		ORDER BY created_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSales(rows)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM sales WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSaleNotFound
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSale(sc scanner) (*Sale, error) {
	s := &Sale{}
	var (
		itemName, sellerEmail, buyerEmail         sql.NullString
		payoutTx, refundTx, payoutAttempt, refund sql.NullString
		accountIndex                              int64
		state                                     string
		paymentReceivedAt, shippedAt, deliveredAt sql.NullTime
		sellerPaidAt, platformPaidAt              sql.NullTime
		cancelledAt, refundedAt                   sql.NullTime
	)

	err := sc.Scan(
		&s.ID, &s.ItemID, &itemName, &s.BidID,
		&s.SellerPayoutAddress, &s.BuyerReturnAddress, &sellerEmail, &buyerEmail,
		&s.EscrowAddress, &accountIndex,
		&s.AgreedPrice, &s.PlatformFee, &s.NetworkFee, &s.ExpectedPayment, &s.ReceivedPayment, &s.RefundedAmount,
		&s.EscrowPeriodDays, &s.PaymentDeadline, &state,
		&s.BuyerNotified, &s.SellerNotified, &s.BuyerNotifiedOfShipment,
		&s.SellerNotifiedOfReceipt, &s.SellerNotifiedOfPayout,
		&payoutTx, &refundTx, &payoutAttempt, &refund,
		&paymentReceivedAt, &shippedAt, &deliveredAt, &sellerPaidAt,
		&platformPaidAt, &cancelledAt, &refundedAt,
		&s.CreatedAt, &s.UpdatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}

	s.State = State(state)
	s.EscrowAccountIndex = uint32(accountIndex) // #nosec G115 -- column only ever holds wallet subaccount indexes
	s.ItemName = itemName.String
	s.SellerEmail = sellerEmail.String
	s.BuyerEmail = buyerEmail.String
	s.SellerPayoutTransaction = payoutTx.String
	s.RefundTransaction = refundTx.String
	s.PayoutAttemptID = payoutAttempt.String
	s.RefundAttemptID = refund.String
	s.PaymentReceivedAt = timePtr(paymentReceivedAt)
	s.ShippedAt = timePtr(shippedAt)
	s.DeliveredAt = timePtr(deliveredAt)
	s.SellerPaidAt = timePtr(sellerPaidAt)
	s.PlatformPaidAt = timePtr(platformPaidAt)
	s.CancelledAt = timePtr(cancelledAt)
	s.RefundedAt = timePtr(refundedAt)

	return s, nil
}

func scanSales(rows *sql.Rows) ([]*Sale, error) {
	var result []*Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
