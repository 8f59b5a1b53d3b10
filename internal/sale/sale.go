// Package sale settles peer-to-peer item sales through per-sale escrow
// subaccounts of a Monero wallet.
//
// Flow:
//  1. A bid is accepted → a sale is created with its own escrow subaccount
//     and an expected payment of price + buyer's half of the platform fee.
//  2. PaymentMonitor sees confirmed funds arrive → payment_confirmed.
//  3. Seller marks the item shipped, buyer marks it received → delivered.
//  4. PayoutEngine pays price - seller's half of the fee - network fee to the
//     seller → settled.
//  5. PlatformSweeper sweeps the residue to the platform → finalized.
//  6. Finalizer deletes finalized records after a cooldown.
//
// A sale may be cancelled any time before payout; CancellationHandler then
// refunds whatever reached the escrow subaccount.
package sale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

var (
	ErrSaleNotFound      = errors.New("sale not found")
	ErrInvalidTransition = errors.New("invalid sale state transition")
	ErrAccountInUse      = errors.New("escrow account index already bound to a sale")
	ErrConflict          = errors.New("sale was modified concurrently")
	ErrInvalidRequest    = errors.New("invalid sale request")
)

// State is the lifecycle position of a sale.
type State string

const (
	StateCreated          State = "created"
	StateAwaitingPayment  State = "awaiting_payment"
	StatePaymentConfirmed State = "payment_confirmed"
	StateAwaitingDelivery State = "awaiting_delivery" // seller marked shipped
	StateDelivered        State = "delivered"         // buyer marked received
	StatePaying           State = "paying"            // payout attempt recorded, transfer may be in flight
	StateSettled          State = "settled"           // seller paid, escrow complete
	StateFinalized        State = "finalized"         // platform fee swept
	StateCancelled        State = "cancelled"
	StateRefunding        State = "refunding" // refund attempt recorded, transfer may be in flight
	StateRefunded         State = "refunded"
)

// States lists every state in lifecycle order.
var States = []State{
	StateCreated, StateAwaitingPayment, StatePaymentConfirmed, StateAwaitingDelivery,
	StateDelivered, StatePaying, StateSettled, StateFinalized,
	StateCancelled, StateRefunding, StateRefunded,
}

// transitions lists every legal move. Anything else is rejected.
var transitions = map[State][]State{
	StateCreated:          {StateAwaitingPayment},
	StateAwaitingPayment:  {StatePaymentConfirmed, StateCancelled},
	StatePaymentConfirmed: {StateAwaitingDelivery, StateDelivered, StateCancelled},
	StateAwaitingDelivery: {StateDelivered, StateCancelled},
	StateDelivered:        {StatePaying, StateCancelled},
	StatePaying:           {StateSettled},
	StateSettled:          {StateFinalized},
	StateCancelled:        {StateRefunding, StateRefunded},
	StateRefunding:        {StateRefunded},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves s.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s == StateFinalized || s == StateRefunded
}

// Sale is the durable record of one escrowed sale.
type Sale struct {
	ID       string `json:"id"`
	ItemID   string `json:"itemId"`
	ItemName string `json:"itemName,omitempty"`
	BidID    string `json:"bidId"`

	SellerPayoutAddress string `json:"sellerPayoutAddress"`
	BuyerReturnAddress  string `json:"buyerReturnAddress"`
	SellerEmail         string `json:"sellerEmail,omitempty"`
	BuyerEmail          string `json:"buyerEmail,omitempty"`

	EscrowAddress      string `json:"escrowAddress"`
	EscrowAccountIndex uint32 `json:"escrowAccountIndex"`

	AgreedPrice     decimal.Decimal `json:"agreedPrice"`
	PlatformFee     decimal.Decimal `json:"platformFee"`
	NetworkFee      decimal.Decimal `json:"networkFee"`
	ExpectedPayment decimal.Decimal `json:"expectedPayment"`
	ReceivedPayment decimal.Decimal `json:"receivedPayment"`
	RefundedAmount  decimal.Decimal `json:"refundedAmount"`

	EscrowPeriodDays int       `json:"escrowPeriodDays"`
	PaymentDeadline  time.Time `json:"paymentDeadline"`

	State State `json:"state"`

	BuyerNotified           bool `json:"buyerNotified"`
	SellerNotified          bool `json:"sellerNotified"`
	BuyerNotifiedOfShipment bool `json:"buyerNotifiedOfShipment"`
	SellerNotifiedOfReceipt bool `json:"sellerNotifiedOfReceipt"`
	SellerNotifiedOfPayout  bool `json:"sellerNotifiedOfPayout"`

	SellerPayoutTransaction string `json:"sellerPayoutTransaction,omitempty"`
	RefundTransaction       string `json:"refundTransaction,omitempty"`
	PayoutAttemptID         string `json:"payoutAttemptId,omitempty"`
	RefundAttemptID         string `json:"refundAttemptId,omitempty"`

	PaymentReceivedAt *time.Time `json:"paymentReceivedAt,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	SellerPaidAt      *time.Time `json:"sellerPaidAt,omitempty"`
	PlatformPaidAt    *time.Time `json:"platformPaidAt,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`

	Version int `json:"version"`
}

// Transition moves the sale to another state, stamping the matching
// timestamp. Illegal moves return ErrInvalidTransition and leave s unchanged.
func (s *Sale) Transition(to State, now time.Time) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.State, to)
	}
	t := now
	switch to {
	case StatePaymentConfirmed:
		s.PaymentReceivedAt = &t
	case StateAwaitingDelivery:
		s.ShippedAt = &t
	case StateDelivered:
		s.DeliveredAt = &t
	case StateSettled:
		s.SellerPaidAt = &t
	case StateFinalized:
		s.PlatformPaidAt = &t
	case StateCancelled:
		s.CancelledAt = &t
	case StateRefunded:
		s.RefundedAt = &t
	}
	s.State = to
	s.UpdatedAt = now
	return nil
}

// SaleTotal is what the seller is owed before the network fee: the agreed
// price minus the seller's half of the platform fee.
func (s *Sale) SaleTotal() decimal.Decimal {
	return s.AgreedPrice.Sub(s.PlatformFee)
}

// Clone returns a copy that shares no mutable state with s.
func (s *Sale) Clone() *Sale {
	cp := *s
	return &cp
}

// Store persists sales.
type Store interface {
	Create(ctx context.Context, s *Sale) error
	Get(ctx context.Context, id string) (*Sale, error)
	// Update writes s if its Version matches the stored one and bumps
	// s.Version. A mismatch returns ErrConflict.
	Update(ctx context.Context, s *Sale) error
	// ListByState returns up to limit sales in any of the given states,
	// ordered by (CreatedAt, ID) and starting strictly after the cursor.
	// A nil cursor starts at the oldest sale.
	ListByState(ctx context.Context, after *pagination.Cursor, limit int, states ...State) ([]*Sale, error)
	ListByItem(ctx context.Context, itemID string) ([]*Sale, error)
	Delete(ctx context.Context, id string) error
}

// Wallet is the subset of the wallet RPC the engine needs. Every escrow is a
// subaccount addressed by index.
type Wallet interface {
	GetBalances(ctx context.Context, index uint32) (xmr.Balances, error)
	ListIncoming(ctx context.Context, index uint32) ([]xmr.IncomingTransfer, error)
	ListOutgoing(ctx context.Context, index uint32) ([]xmr.OutgoingTransfer, error)
	CreateAccount(ctx context.Context, label string) (xmr.Account, error)
	Address(ctx context.Context, index uint32) (string, error)
	Transfer(ctx context.Context, index uint32, dest string, amount decimal.Decimal, relay bool) ([]xmr.TransferResult, error)
	SweepAll(ctx context.Context, index uint32, dest string) ([]xmr.TransferResult, error)
	SetTxNotes(ctx context.Context, txIDs []string, note string) error
}

// Notifier delivers a human-readable message to a recipient.
type Notifier interface {
	Send(ctx context.Context, subject, body, recipient string) (bool, error)
}

// Leaser grants exclusive, expiring ownership of a key.
type Leaser interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// ObservationCache remembers that something was observed, for a while.
type ObservationCache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// Archiver keeps a copy of a sale before it is deleted.
type Archiver interface {
	Archive(ctx context.Context, s *Sale) error
}
