package sale

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

// RefundCancelled is the CancellationHandler pass. Whatever reached a
// cancelled sale's subaccount goes back to the buyer, less the network fee.
// A subaccount that stays empty across two passes is closed as refunded
// without a transfer.
func (e *Engine) RefundCancelled(ctx context.Context) (PassResult, error) {
	return e.runPass(ctx, WorkerCancellationHandler, []State{StateCancelled, StateRefunding}, e.refundStep)
}

func zeroBalanceKey(saleID string) string { return "refund-zero:" + saleID }

func (e *Engine) refundStep(ctx context.Context, s *Sale) (outcome, error) {
	release, err := e.acquire(ctx, "refund", s)
	if err != nil {
		return unchanged, err
	}
	defer release()

	fresh, err := e.store.Get(ctx, s.ID)
	if err != nil {
		return unchanged, stepErr(KindStore, "refund", s.ID, err)
	}
	s = fresh

	plan := e.refundPlan(s)
	switch s.State {
	case StateRefunding:
		if err := e.transfer(ctx, s, plan, nil); err != nil {
			return unchanged, err
		}
		return advanced, nil
	case StateCancelled:
	default:
		return unchanged, nil
	}

	bal, err := e.wallet.GetBalances(ctx, s.EscrowAccountIndex)
	if err != nil {
		return unchanged, rpcErr("refund", s.ID, err)
	}
	if !bal.Settled() {
		return unchanged, stepErr(KindBalanceNotSettled, "refund", s.ID,
			fmt.Errorf("locked %s != spendable %s", xmr.Format(bal.Locked), xmr.Format(bal.Spendable)))
	}

	if bal.Spendable.Sign() == 0 {
		return e.closeEmpty(ctx, s)
	}

	if err := e.transfer(ctx, s, plan, &bal); err != nil {
		return unchanged, err
	}
	return advanced, nil
}

func (e *Engine) refundPlan(s *Sale) transferPlan {
	return transferPlan{
		op:        "refund",
		attemptID: refundAttemptID(s.ID),
		dest:      s.BuyerReturnAddress,
		pending:   StateRefunding,
		done:      StateRefunded,
		amount: func(s *Sale, bal xmr.Balances) (decimal.Decimal, error) {
			if !bal.Settled() {
				return decimal.Zero, stepErr(KindBalanceNotSettled, "refund", s.ID,
					fmt.Errorf("locked %s != spendable %s", xmr.Format(bal.Locked), xmr.Format(bal.Spendable)))
			}
			if bal.Spendable.Sign() == 0 {
				return decimal.Zero, stepErr(KindInsufficientFunds, "refund", s.ID, fmt.Errorf("escrow is empty"))
			}
			return decimal.Min(s.SaleTotal(), bal.Spendable), nil
		},
		record: func(s *Sale, sent sentTransfer) {
			s.RefundedAmount = sent.Amount
			s.NetworkFee = sent.Fee
			s.RefundTransaction = strings.Join(sent.TxIDs, ",")
		},
	}
}

// closeEmpty marks a cancelled sale refunded once its subaccount has been
// seen empty on two passes, so a payment still confirming is not missed.
func (e *Engine) closeEmpty(ctx context.Context, s *Sale) (outcome, error) {
	key := zeroBalanceKey(s.ID)
	seen, err := e.observations.Seen(ctx, key)
	if err != nil {
		return unchanged, stepErr(KindUnknown, "refund", s.ID, fmt.Errorf("read observation: %w", err))
	}
	if !seen {
		if err := e.observations.Mark(ctx, key, e.settings.CacheTTL); err != nil {
			return unchanged, stepErr(KindUnknown, "refund", s.ID, fmt.Errorf("mark observation: %w", err))
		}
		e.logger.Debug("empty escrow observed once, waiting for a second look", "saleId", s.ID)
		return deferred, nil
	}

	if _, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
		return cur.Transition(StateRefunded, e.now())
	}); err != nil {
		return unchanged, stepErr(KindOf(err), "refund", s.ID, err)
	}
	if err := e.observations.Forget(ctx, key); err != nil {
		e.logger.Debug("failed to clear empty-escrow observation", "saleId", s.ID, "error", err)
	}
	e.logger.Info("cancelled sale closed without funds", "saleId", s.ID)
	return advanced, nil
}
