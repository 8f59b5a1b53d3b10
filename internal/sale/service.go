package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/idgen"
	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/validation"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// CreateRequest is an accepted bid to settle.
type CreateRequest struct {
	ItemID              string `json:"itemId" binding:"required"`
	ItemName            string `json:"itemName"`
	BidID               string `json:"bidId" binding:"required"`
	BidPrice            string `json:"bidPrice" binding:"required"`
	SellerPayoutAddress string `json:"sellerPayoutAddress" binding:"required"`
	BuyerReturnAddress  string `json:"buyerReturnAddress" binding:"required"`
	SellerEmail         string `json:"sellerEmail"`
	BuyerEmail          string `json:"buyerEmail"`
}

// Service handles the externally driven parts of a sale: creation from an
// accepted bid, delivery confirmations and cancellation.
type Service struct {
	store    Store
	wallet   Wallet
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a sale service.
func NewService(store Store, wallet Wallet, settings Settings, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		wallet:   wallet,
		settings: settings.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create opens a sale for an accepted bid: it allocates a fresh escrow
// subaccount, prices the platform fee and starts waiting for payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Sale, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}
	price, err := xmr.Parse(req.BidPrice)
	if err != nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: bid price must be a positive XMR amount", ErrInvalidRequest)
	}
	fee := PlatformFee(price, s.settings.PlatformFeePercent)

	acct, err := s.wallet.CreateAccount(ctx, fmt.Sprintf("Sale account for Item #%s, Bid #%s", req.ItemID, req.BidID))
	if err != nil {
		return nil, rpcErr("create", "", fmt.Errorf("create escrow account: %w", err))
	}

	now := s.now()
	sale := &Sale{
		ID:                  idgen.WithPrefix("sale_"),
		ItemID:              req.ItemID,
		ItemName:            req.ItemName,
		BidID:               req.BidID,
		SellerPayoutAddress: strings.TrimSpace(req.SellerPayoutAddress),
		BuyerReturnAddress:  strings.TrimSpace(req.BuyerReturnAddress),
		SellerEmail:         req.SellerEmail,
		BuyerEmail:          req.BuyerEmail,
		EscrowAddress:       acct.Address,
		EscrowAccountIndex:  acct.Index,
		AgreedPrice:         price,
		PlatformFee:         fee,
		NetworkFee:          decimal.Zero,
		ExpectedPayment:     ExpectedPayment(price, fee),
		ReceivedPayment:     decimal.Zero,
		RefundedAmount:      decimal.Zero,
		EscrowPeriodDays:    s.settings.EscrowPeriodDays,
		PaymentDeadline:     now.AddDate(0, 0, s.settings.EscrowPeriodDays),
		State:               StateCreated,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := sale.Transition(StateAwaitingPayment, now); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, sale); err != nil {
		if errors.Is(err, ErrAccountInUse) {
			s.logger.Error("wallet handed out an escrow account already bound to a sale",
				"accountIndex", acct.Index, "itemId", req.ItemID, "bidId", req.BidID)
		}
		return nil, err
	}
	transitionsTotal.WithLabelValues(string(StateCreated), string(StateAwaitingPayment)).Inc()

	s.logger.Info("sale created",
		"saleId", sale.ID, "itemId", sale.ItemID, "bidId", sale.BidID,
		"accountIndex", sale.EscrowAccountIndex, "expected", xmr.Format(sale.ExpectedPayment))
	return sale, nil
}

func validateCreate(req CreateRequest) error {
	err := validation.Validate(
		validation.Required("itemId", req.ItemID),
		validation.Required("bidId", req.BidID),
		validation.Required("bidPrice", req.BidPrice),
		validation.Required("sellerPayoutAddress", req.SellerPayoutAddress),
		validation.Required("buyerReturnAddress", req.BuyerReturnAddress),
		validation.ValidAddress("sellerPayoutAddress", req.SellerPayoutAddress),
		validation.ValidAddress("buyerReturnAddress", req.BuyerReturnAddress),
		validation.ValidAmount("bidPrice", req.BidPrice),
		validation.ValidEmail("sellerEmail", req.SellerEmail),
		validation.ValidEmail("buyerEmail", req.BuyerEmail),
		validation.MaxLength("itemId", req.ItemID, validation.MaxFieldLength),
		validation.MaxLength("itemName", req.ItemName, validation.MaxFieldLength),
		validation.MaxLength("bidId", req.BidID, validation.MaxFieldLength),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Get returns a sale by ID.
func (s *Service) Get(ctx context.Context, id string) (*Sale, error) {
	return s.store.Get(ctx, id)
}

// List returns up to limit sales in the given states, oldest first,
// resuming after the cursor.
func (s *Service) List(ctx context.Context, after *pagination.Cursor, limit int, states ...State) ([]*Sale, error) {
	return s.store.ListByState(ctx, after, limit, states...)
}

// MarkShipped records the seller's shipment confirmation.
func (s *Service) MarkShipped(ctx context.Context, id string) (*Sale, error) {
	return s.transition(ctx, id, StateAwaitingDelivery)
}

// MarkReceived records the buyer's receipt confirmation, releasing the
// escrow for payout.
func (s *Service) MarkReceived(ctx context.Context, id string) (*Sale, error) {
	return s.transition(ctx, id, StateDelivered)
}

// Cancel cancels a sale that has not started paying out.
func (s *Service) Cancel(ctx context.Context, id string) (*Sale, error) {
	return s.transition(ctx, id, StateCancelled)
}

func (s *Service) transition(ctx context.Context, id string, to State) (*Sale, error) {
	updated, err := mutateSale(ctx, s.store, id, s.now, func(cur *Sale) error {
		return cur.Transition(to, s.now())
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("sale updated", "saleId", id, "state", updated.State)
	return updated, nil
}
