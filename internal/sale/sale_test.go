package sale

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

func TestPlatformFee(t *testing.T) {
	tests := []struct {
		price, percent, fee, expected string
	}{
		{"0.2", "4", "0.004", "0.204"},
		{"1.5", "4", "0.03", "1.53"},
		{"0.2", "0", "0", "0.2"},
		{"0.000000000003", "4", "0.000000000000", "0.000000000003"},
	}
	for _, tt := range tests {
		t.Run(tt.price+"@"+tt.percent, func(t *testing.T) {
			fee := PlatformFee(xmr.MustParse(tt.price), decimal.RequireFromString(tt.percent))
			assert.True(t, fee.Equal(xmr.MustParse(tt.fee)), "fee = %s", fee)
			assert.True(t, ExpectedPayment(xmr.MustParse(tt.price), fee).Equal(xmr.MustParse(tt.expected)))
		})
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]State{
		{StateCreated, StateAwaitingPayment},
		{StateAwaitingPayment, StatePaymentConfirmed},
		{StateAwaitingPayment, StateCancelled},
		{StatePaymentConfirmed, StateDelivered},
		{StateAwaitingDelivery, StateDelivered},
		{StateDelivered, StatePaying},
		{StatePaying, StateSettled},
		{StateSettled, StateFinalized},
		{StateCancelled, StateRefunding},
		{StateCancelled, StateRefunded},
		{StateRefunding, StateRefunded},
	}
	for _, p := range legal {
		assert.True(t, CanTransition(p[0], p[1]), "%s → %s should be legal", p[0], p[1])
	}

	illegal := [][2]State{
		{StateAwaitingPayment, StateDelivered},
		{StatePaying, StateCancelled},
		{StateSettled, StateCancelled},
		{StateFinalized, StateCancelled},
		{StateRefunded, StateAwaitingPayment},
		{StateCancelled, StatePaying},
		{StateDelivered, StateSettled},
	}
	for _, p := range illegal {
		assert.False(t, CanTransition(p[0], p[1]), "%s → %s should be illegal", p[0], p[1])
	}
}

func TestState_TerminalAndValid(t *testing.T) {
	assert.True(t, StateFinalized.IsTerminal())
	assert.True(t, StateRefunded.IsTerminal())
	assert.False(t, StatePaying.IsTerminal())
	assert.True(t, StateRefunded.Valid())
	assert.False(t, State("shipped").Valid())
}

func TestTransition_StampsTimestamps(t *testing.T) {
	s := &Sale{ID: "sale_1", State: StateAwaitingPayment}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Transition(StatePaymentConfirmed, now))
	require.NotNil(t, s.PaymentReceivedAt)
	assert.Equal(t, now, *s.PaymentReceivedAt)
	assert.True(t, s.PaymentReceived())

	require.NoError(t, s.Transition(StateDelivered, now.Add(time.Hour)))
	assert.True(t, s.ItemReceived())
	assert.False(t, s.ItemShipped())

	err := s.Transition(StateFinalized, now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateDelivered, s.State)
}

func consistentSale() *Sale {
	return &Sale{
		ID:              "sale_1",
		AgreedPrice:     xmr.MustParse("0.2"),
		PlatformFee:     xmr.MustParse("0.004"),
		ExpectedPayment: xmr.MustParse("0.204"),
		State:           StateAwaitingPayment,
	}
}

func TestCheckInvariants(t *testing.T) {
	now := time.Now()

	t.Run("consistent", func(t *testing.T) {
		s := consistentSale()
		require.NoError(t, s.Transition(StatePaymentConfirmed, now))
		require.NoError(t, s.Transition(StateDelivered, now))
		require.NoError(t, s.Transition(StatePaying, now))
		s.SellerPayoutTransaction = "tx1"
		s.NetworkFee = xmr.MustParse("0.0007")
		require.NoError(t, s.Transition(StateSettled, now))
		require.NoError(t, s.Transition(StateFinalized, now))
		assert.NoError(t, s.CheckInvariants())
	})

	t.Run("expected payment mismatch", func(t *testing.T) {
		s := consistentSale()
		s.ExpectedPayment = xmr.MustParse("0.2")
		assert.Error(t, s.CheckInvariants())
	})

	t.Run("paid without delivery", func(t *testing.T) {
		s := consistentSale()
		s.SellerPaidAt = &now
		s.SellerPayoutTransaction = "tx1"
		assert.Error(t, s.CheckInvariants())
	})

	t.Run("paid without payout transaction", func(t *testing.T) {
		s := consistentSale()
		s.PaymentReceivedAt, s.DeliveredAt, s.SellerPaidAt = &now, &now, &now
		assert.Error(t, s.CheckInvariants())
	})

	t.Run("cancelled and paid", func(t *testing.T) {
		s := consistentSale()
		s.PaymentReceivedAt, s.DeliveredAt, s.SellerPaidAt = &now, &now, &now
		s.SellerPayoutTransaction = "tx1"
		s.State = StateCancelled
		assert.Error(t, s.CheckInvariants())
	})

	t.Run("finalized without platform payment", func(t *testing.T) {
		s := consistentSale()
		s.State = StateFinalized
		assert.Error(t, s.CheckInvariants())
	})
}

func TestFlagsSnapshot(t *testing.T) {
	now := time.Now()
	s := consistentSale()
	s.BuyerNotified = true
	require.NoError(t, s.Transition(StatePaymentConfirmed, now))
	require.NoError(t, s.Transition(StateAwaitingDelivery, now))
	require.NoError(t, s.Transition(StateCancelled, now))

	f := s.Flags()
	assert.True(t, f.BuyerNotified)
	assert.True(t, f.PaymentReceived)
	assert.True(t, f.ItemShipped)
	assert.False(t, f.ItemReceived)
	assert.True(t, f.SaleCancelled)
	assert.False(t, f.PaymentRefunded)
	assert.False(t, f.SellerPaid)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInsufficientFunds, KindOf(stepErr(KindInsufficientFunds, "payout", "s", nil)))
	assert.Equal(t, KindConflict, KindOf(ErrConflict))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.True(t, KindBalanceNotSettled.Deferral())
	assert.False(t, KindTransferFailure.Deferral())
	assert.Equal(t, "rpc_unavailable", KindRPCUnavailable.String())
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"sale_b", "sale_a", "sale_c"} {
		s := consistentSale()
		s.ID = id
		s.ItemID = "item-1"
		s.EscrowAccountIndex = uint32(i + 1)
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, s))
	}

	t.Run("account index is unique", func(t *testing.T) {
		s := consistentSale()
		s.ID = "sale_dup"
		s.EscrowAccountIndex = 2
		assert.ErrorIs(t, store.Create(ctx, s), ErrAccountInUse)
	})

	t.Run("terminal sale releases its account index", func(t *testing.T) {
		other := NewMemoryStore()
		done := consistentSale()
		done.ID = "sale_done"
		done.EscrowAccountIndex = 7
		done.State = StateFinalized
		require.NoError(t, other.Create(ctx, done))

		live := consistentSale()
		live.ID = "sale_live"
		live.EscrowAccountIndex = 7
		require.NoError(t, other.Create(ctx, live))

		dup := consistentSale()
		dup.ID = "sale_dup"
		dup.EscrowAccountIndex = 7
		assert.ErrorIs(t, other.Create(ctx, dup), ErrAccountInUse)
	})

	t.Run("list oldest first with limit", func(t *testing.T) {
		got, err := store.ListByState(ctx, nil, 2, StateAwaitingPayment)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "sale_b", got[0].ID)
		assert.Equal(t, "sale_a", got[1].ID)
	})

	t.Run("list resumes after cursor", func(t *testing.T) {
		got, err := store.ListByState(ctx, pagination.At(base.Add(time.Minute), "sale_a"), 2, StateAwaitingPayment)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "sale_c", got[0].ID)
	})

	t.Run("optimistic update", func(t *testing.T) {
		a, err := store.Get(ctx, "sale_a")
		require.NoError(t, err)
		b, err := store.Get(ctx, "sale_a")
		require.NoError(t, err)

		a.BuyerNotified = true
		require.NoError(t, store.Update(ctx, a))
		assert.Equal(t, 1, a.Version)

		b.SellerNotified = true
		assert.ErrorIs(t, store.Update(ctx, b), ErrConflict)
	})

	t.Run("returned copies are isolated", func(t *testing.T) {
		s, err := store.Get(ctx, "sale_c")
		require.NoError(t, err)
		s.State = StateFinalized
		again, err := store.Get(ctx, "sale_c")
		require.NoError(t, err)
		assert.Equal(t, StateAwaitingPayment, again.State)
	})

	t.Run("list by item and delete", func(t *testing.T) {
		got, err := store.ListByItem(ctx, "item-1")
		require.NoError(t, err)
		assert.Len(t, got, 3)

		require.NoError(t, store.Delete(ctx, "sale_c"))
		assert.ErrorIs(t, store.Delete(ctx, "sale_c"), ErrSaleNotFound)
		_, err = store.Get(ctx, "sale_c")
		assert.ErrorIs(t, err, ErrSaleNotFound)
	})
}
