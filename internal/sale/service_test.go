package sale

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

func validRequest() CreateRequest {
	return CreateRequest{
		ItemID:              "item-9",
		BidID:               "bid-3",
		BidPrice:            "0.2",
		SellerPayoutAddress: sellerAddr,
		BuyerReturnAddress:  buyerAddr,
	}
}

func TestServiceCreate(t *testing.T) {
	h := newHarness(t, testSettings())

	s, err := h.service.Create(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingPayment, s.State)
	assert.True(t, s.PlatformFee.Equal(xmr.MustParse("0.004")))
	assert.True(t, s.ExpectedPayment.Equal(xmr.MustParse("0.204")))
	assert.Equal(t, uint32(1), s.EscrowAccountIndex)
	assert.NotEmpty(t, s.EscrowAddress)
	assert.Equal(t, 30, s.EscrowPeriodDays)
	assert.Equal(t, testNow.AddDate(0, 0, 30), s.PaymentDeadline)
	assert.NoError(t, s.CheckInvariants())

	stored := h.get(t, s.ID)
	assert.Equal(t, s.ExpectedPayment.String(), stored.ExpectedPayment.String())

	second, err := h.service.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.NotEqual(t, s.EscrowAccountIndex, second.EscrowAccountIndex)
}

func TestServiceCreate_Rejects(t *testing.T) {
	h := newHarness(t, testSettings())

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
	}{
		{"missing item", func(r *CreateRequest) { r.ItemID = "" }},
		{"missing return address", func(r *CreateRequest) { r.BuyerReturnAddress = " " }},
		{"zero price", func(r *CreateRequest) { r.BidPrice = "0" }},
		{"negative price", func(r *CreateRequest) { r.BidPrice = "-1" }},
		{"garbage price", func(r *CreateRequest) { r.BidPrice = "lots" }},
		{"bad payout address", func(r *CreateRequest) { r.SellerPayoutAddress = "not-an-address" }},
		{"bad email", func(r *CreateRequest) { r.BuyerEmail = "buyer at example" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := h.service.Create(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Equal(t, uint32(1), h.wallet.next, "no subaccount allocated for rejected requests")
}

func TestServiceCreate_WalletDown(t *testing.T) {
	h := newHarness(t, testSettings())
	h.wallet.down = true

	_, err := h.service.Create(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, KindRPCUnavailable, KindOf(err))
}

func TestServiceDeliveryFlow(t *testing.T) {
	h := newHarness(t, testSettings())
	ctx := context.Background()
	s := h.createSale(t, "0.2", StatePaymentConfirmed)

	_, err := h.service.MarkReceived(ctx, s.ID)
	require.NoError(t, err, "buyer may confirm receipt without a shipment mark")

	_, err = h.service.MarkShipped(ctx, s.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got := h.get(t, s.ID)
	assert.Equal(t, StateDelivered, got.State)
	assert.True(t, got.ItemReceived())
}

func TestServiceShipBeforePaymentRejected(t *testing.T) {
	h := newHarness(t, testSettings())
	s := h.createSale(t, "0.2", StateAwaitingPayment)

	_, err := h.service.MarkShipped(context.Background(), s.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestServiceGetUnknown(t *testing.T) {
	h := newHarness(t, testSettings())
	_, err := h.service.Get(context.Background(), "sale_missing")
	assert.ErrorIs(t, err, ErrSaleNotFound)

	_, err = h.service.Cancel(context.Background(), "sale_missing")
	assert.ErrorIs(t, err, ErrSaleNotFound)
}

func TestServiceList(t *testing.T) {
	h := newHarness(t, testSettings())
	a := h.createSale(t, "0.2", StateAwaitingPayment)
	h.advance(time.Minute)
	h.createSale(t, "0.3", StateCancelled)

	got, err := h.service.List(context.Background(), nil, 10, StateAwaitingPayment)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ID)
}
