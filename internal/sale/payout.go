package sale

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

// PayoutSellers is the PayoutEngine pass. For every delivered sale whose
// escrow holds at least the agreed price it pays the seller the sale total
// minus the network fee, then tells the seller.
func (e *Engine) PayoutSellers(ctx context.Context) (PassResult, error) {
	paid, err := e.runPass(ctx, WorkerPayoutEngine, []State{StateDelivered, StatePaying}, e.payoutStep)
	if err != nil {
		return paid, err
	}
	notified, err := e.runPass(ctx, WorkerPayoutEngine, []State{StateSettled, StateFinalized}, e.payoutNoticeStep)
	return paid.merge(notified), err
}

func (e *Engine) payoutStep(ctx context.Context, s *Sale) (outcome, error) {
	if err := e.payout(ctx, s); err != nil {
		return unchanged, err
	}
	if s.State == StateSettled {
		e.notifyPayout(ctx, s)
		return advanced, nil
	}
	return unchanged, nil
}

func (e *Engine) payoutNoticeStep(ctx context.Context, s *Sale) (outcome, error) {
	if s.SellerNotifiedOfPayout {
		return unchanged, nil
	}
	if e.notifyPayout(ctx, s) {
		return advanced, nil
	}
	return deferred, nil
}

func (e *Engine) payout(ctx context.Context, s *Sale) error {
	release, err := e.acquire(ctx, "payout", s)
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the lease; another instance may have finished it.
	fresh, err := e.store.Get(ctx, s.ID)
	if err != nil {
		return stepErr(KindStore, "payout", s.ID, err)
	}
	*s = *fresh
	if s.State != StateDelivered && s.State != StatePaying {
		return nil
	}

	plan := transferPlan{
		op:        "payout",
		attemptID: payoutAttemptID(s.ID),
		dest:      s.SellerPayoutAddress,
		pending:   StatePaying,
		done:      StateSettled,
		amount: func(s *Sale, bal xmr.Balances) (decimal.Decimal, error) {
			if bal.Spendable.LessThan(s.AgreedPrice) {
				return decimal.Zero, stepErr(KindInsufficientFunds, "payout", s.ID,
					fmt.Errorf("spendable %s below agreed price %s", xmr.Format(bal.Spendable), xmr.Format(s.AgreedPrice)))
			}
			return s.SaleTotal(), nil
		},
		record: func(s *Sale, sent sentTransfer) {
			s.NetworkFee = sent.Fee
			s.SellerPayoutTransaction = strings.Join(sent.TxIDs, ",")
		},
	}
	return e.transfer(ctx, s, plan, nil)
}

// notifyPayout tells the seller about their payout. The flag is only set once
// the message was accepted.
func (e *Engine) notifyPayout(ctx context.Context, s *Sale) bool {
	subject, body := payoutMessage(s, e.settings.NetType)
	if !e.send(ctx, s, "payout", subject, body, s.SellerEmail) {
		return false
	}
	if _, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
		cur.SellerNotifiedOfPayout = true
		return nil
	}); err != nil {
		e.logger.Warn("failed to record payout notice", "saleId", s.ID, "error", err)
		return false
	}
	return true
}

// send delivers one notice, reporting whether it was accepted. A notice
// with no recipient address counts as delivered.
func (e *Engine) send(ctx context.Context, s *Sale, notice, subject, body, recipient string) bool {
	if recipient == "" {
		e.logger.Debug("no recipient address, notice skipped", "saleId", s.ID, "notice", notice)
		return true
	}
	if e.notifier == nil {
		return false
	}
	ok, err := e.notifier.Send(ctx, subject, body, recipient)
	if err != nil || !ok {
		e.logger.Warn("notice not delivered", "saleId", s.ID, "notice", notice, "error", err)
		return false
	}
	return true
}
