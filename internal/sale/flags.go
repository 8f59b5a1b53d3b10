package sale

import (
	"errors"
	"fmt"
)

// Flags is the boolean view of a sale's progress. Lifecycle flags derive
// from the state and timestamps; notification flags are stored as-is.
type Flags struct {
	BuyerNotified           bool `json:"buyerNotified"`
	PaymentReceived         bool `json:"paymentReceived"`
	SellerNotified          bool `json:"sellerNotified"`
	ItemShipped             bool `json:"itemShipped"`
	BuyerNotifiedOfShipment bool `json:"buyerNotifiedOfShipment"`
	ItemReceived            bool `json:"itemReceived"`
	SellerNotifiedOfReceipt bool `json:"sellerNotifiedOfReceipt"`
	SellerPaid              bool `json:"sellerPaid"`
	EscrowComplete          bool `json:"escrowComplete"`
	SellerNotifiedOfPayout  bool `json:"sellerNotifiedOfPayout"`
	PlatformPaid            bool `json:"platformPaid"`
	SaleFinalized           bool `json:"saleFinalized"`
	SaleCancelled           bool `json:"saleCancelled"`
	PaymentRefunded         bool `json:"paymentRefunded"`
}

func (s *Sale) PaymentReceived() bool { return s.PaymentReceivedAt != nil }
func (s *Sale) ItemShipped() bool     { return s.ShippedAt != nil }
func (s *Sale) ItemReceived() bool    { return s.DeliveredAt != nil }
func (s *Sale) SellerPaid() bool      { return s.SellerPaidAt != nil }
func (s *Sale) EscrowComplete() bool  { return s.SellerPaidAt != nil }
func (s *Sale) PlatformPaid() bool    { return s.PlatformPaidAt != nil }
func (s *Sale) SaleFinalized() bool   { return s.State == StateFinalized }
func (s *Sale) PaymentRefunded() bool { return s.State == StateRefunded }

func (s *Sale) SaleCancelled() bool {
	switch s.State {
	case StateCancelled, StateRefunding, StateRefunded:
		return true
	}
	return false
}

// Flags snapshots every progress flag.
func (s *Sale) Flags() Flags {
	return Flags{
		BuyerNotified:           s.BuyerNotified,
		PaymentReceived:         s.PaymentReceived(),
		SellerNotified:          s.SellerNotified,
		ItemShipped:             s.ItemShipped(),
		BuyerNotifiedOfShipment: s.BuyerNotifiedOfShipment,
		ItemReceived:            s.ItemReceived(),
		SellerNotifiedOfReceipt: s.SellerNotifiedOfReceipt,
		SellerPaid:              s.SellerPaid(),
		EscrowComplete:          s.EscrowComplete(),
		SellerNotifiedOfPayout:  s.SellerNotifiedOfPayout,
		PlatformPaid:            s.PlatformPaid(),
		SaleFinalized:           s.SaleFinalized(),
		SaleCancelled:           s.SaleCancelled(),
		PaymentRefunded:         s.PaymentRefunded(),
	}
}

// CheckInvariants returns every broken record invariant joined together, or
// nil for a consistent record.
func (s *Sale) CheckInvariants() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("sale %s: "+format, append([]any{s.ID}, args...)...))
	}

	if !s.ExpectedPayment.Equal(s.AgreedPrice.Add(s.PlatformFee)) {
		fail("expected payment %s != agreed price %s + platform fee %s", s.ExpectedPayment, s.AgreedPrice, s.PlatformFee)
	}
	if !s.State.Valid() {
		fail("unknown state %q", s.State)
	}
	if s.SellerPaid() && !(s.PaymentReceived() && s.ItemReceived()) {
		fail("seller paid before payment and delivery")
	}
	if s.SellerPaid() && (s.NetworkFee.IsNegative() || s.SellerPayoutTransaction == "") {
		fail("seller paid without payout transaction or with negative network fee")
	}
	if s.EscrowComplete() && !s.SellerPaid() {
		fail("escrow complete before seller paid")
	}
	if s.PlatformPaid() && !(s.EscrowComplete() && s.SellerPaid() && s.ItemReceived()) {
		fail("platform paid before escrow complete")
	}
	if s.SaleFinalized() && !s.PlatformPaid() {
		fail("finalized before platform paid")
	}
	if s.SaleCancelled() && s.SellerPaid() {
		fail("cancelled sale has a seller payout")
	}
	return errors.Join(errs...)
}
