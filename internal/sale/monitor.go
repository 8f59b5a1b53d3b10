package sale

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

// PollPayments is the PaymentMonitor pass. It sums the incoming transfers of
// each awaiting sale's subaccount and confirms the payment once enough
// confirmed funds arrived. Sales left unpaid past their deadline are
// cancelled.
func (e *Engine) PollPayments(ctx context.Context) (PassResult, error) {
	return e.runPass(ctx, WorkerPaymentMonitor, []State{StateAwaitingPayment}, e.pollStep)
}

// paymentStatus is the monitor's reading of an escrow subaccount.
type paymentStatus struct {
	Received  decimal.Decimal // everything seen, mempool included
	Eligible  decimal.Decimal // transfers already in a block
	Finalized bool            // some transfer reached the confirmation threshold
	Accepted  bool
}

func evaluatePayment(in []xmr.IncomingTransfer, expected decimal.Decimal, minConfirmations uint64) paymentStatus {
	st := paymentStatus{Received: decimal.Zero, Eligible: decimal.Zero}
	for _, t := range in {
		st.Received = st.Received.Add(t.Amount)
		if t.Confirmations > 0 {
			st.Eligible = st.Eligible.Add(t.Amount)
		}
		if t.Confirmations >= minConfirmations && t.Confirmations > 0 {
			st.Finalized = true
		}
	}
	st.Accepted = st.Finalized && st.Eligible.GreaterThanOrEqual(expected)
	return st
}

func (e *Engine) pollStep(ctx context.Context, s *Sale) (outcome, error) {
	in, err := e.wallet.ListIncoming(ctx, s.EscrowAccountIndex)
	if err != nil {
		return unchanged, rpcErr("poll", s.ID, fmt.Errorf("list incoming: %w", err))
	}
	st := evaluatePayment(in, s.ExpectedPayment, e.settings.MinimumConfirmations)
	now := e.now()
	expired := !s.PaymentDeadline.IsZero() && now.After(s.PaymentDeadline)

	if !st.Accepted && !expired && !st.Received.GreaterThan(s.ReceivedPayment) {
		return unchanged, nil
	}

	updated, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
		if cur.State != StateAwaitingPayment {
			return nil
		}
		if st.Received.GreaterThan(cur.ReceivedPayment) {
			cur.ReceivedPayment = st.Received
		}
		switch {
		case st.Accepted:
			return cur.Transition(StatePaymentConfirmed, now)
		case expired:
			return cur.Transition(StateCancelled, now)
		}
		return nil
	})
	if err != nil {
		return unchanged, stepErr(KindOf(err), "poll", s.ID, err)
	}

	switch updated.State {
	case StatePaymentConfirmed:
		e.logger.Info("payment confirmed",
			"saleId", s.ID, "received", xmr.Format(updated.ReceivedPayment), "expected", xmr.Format(s.ExpectedPayment))
		return advanced, nil
	case StateCancelled:
		e.logger.Info("payment deadline passed, sale cancelled",
			"saleId", s.ID, "received", xmr.Format(updated.ReceivedPayment), "deadline", s.PaymentDeadline)
		return advanced, nil
	}
	e.logger.Debug("payment pending",
		"saleId", s.ID, "received", xmr.Format(st.Received), "eligible", xmr.Format(st.Eligible),
		"expected", xmr.Format(s.ExpectedPayment))
	return unchanged, nil
}
