package sale

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/traces"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// transferPlan describes one fee-aware, idempotent transfer out of an escrow
// subaccount. The pending state is persisted, together with the attempt id,
// before anything is broadcast; a sale found in the pending state is first
// reconciled against the wallet's outgoing history.
type transferPlan struct {
	op        string // "payout" or "refund"
	attemptID string
	dest      string
	pending   State
	done      State
	// amount returns the gross amount to send before the network fee, given
	// current balances. It returns a StepError to defer.
	amount func(s *Sale, bal xmr.Balances) (decimal.Decimal, error)
	// record stores the result on s before it moves to done.
	record func(s *Sale, sent sentTransfer)
}

// sentTransfer is what actually left the subaccount.
type sentTransfer struct {
	TxIDs     []string
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Recovered bool
}

func payoutAttemptID(saleID string) string { return "payout-" + saleID }
func refundAttemptID(saleID string) string { return "refund-" + saleID }

// transfer executes plan for s, which the caller holds the lease for. bal
// may carry balances the caller already fetched.
func (e *Engine) transfer(ctx context.Context, s *Sale, plan transferPlan, bal *xmr.Balances) (err error) {
	ctx, span := traces.StartSpan(ctx, "sale."+plan.op, traces.SaleID(s.ID), traces.AccountIndex(s.EscrowAccountIndex))
	defer func() { traces.End(span, err) }()

	if s.State == plan.pending {
		sent, found, err := e.findPriorTransfer(ctx, s, plan)
		if err != nil {
			return err
		}
		if found {
			e.logger.Warn("adopting transfer from an earlier attempt",
				"saleId", s.ID, "op", plan.op, "txIds", sent.TxIDs, "attemptId", plan.attemptID)
			return e.completeTransfer(ctx, s, plan, sent)
		}
	}

	if bal == nil {
		b, err := e.wallet.GetBalances(ctx, s.EscrowAccountIndex)
		if err != nil {
			return rpcErr(plan.op, s.ID, err)
		}
		bal = &b
	}
	gross, err := plan.amount(s, *bal)
	if err != nil {
		return err
	}

	// Dry run: price a nominal transfer to the same destination to learn the
	// fee. The nominal amount never exceeds what the escrow can send.
	quote, err := e.wallet.Transfer(ctx, s.EscrowAccountIndex, plan.dest, decimal.Min(e.settings.DryRunAmount, gross), false)
	if err != nil {
		return rpcErr(plan.op, s.ID, fmt.Errorf("dry run: %w", err))
	}
	fee := xmr.TotalFee(quote)
	net := gross.Sub(fee)
	if net.Sign() <= 0 {
		return stepErr(KindInsufficientFunds, plan.op, s.ID,
			fmt.Errorf("amount %s does not cover network fee %s", xmr.Format(gross), xmr.Format(fee)))
	}

	if s.State != plan.pending {
		updated, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
			if err := cur.Transition(plan.pending, e.now()); err != nil {
				return err
			}
			setAttemptID(cur, plan)
			return nil
		})
		if err != nil {
			return stepErr(KindOf(err), plan.op, s.ID, fmt.Errorf("record attempt: %w", err))
		}
		*s = *updated
	}

	results, err := e.wallet.Transfer(ctx, s.EscrowAccountIndex, plan.dest, net, true)
	if err != nil {
		return rpcErr(plan.op, s.ID, err)
	}
	sent := sentTransfer{
		TxIDs:  xmr.TxIDs(results),
		Amount: net,
		Fee:    xmr.TotalFee(results),
	}
	span.SetAttributes(traces.TxIDs(sent.TxIDs), traces.Amount(xmr.Format(net)))

	if err := e.wallet.SetTxNotes(ctx, sent.TxIDs, plan.attemptID); err != nil {
		e.logger.Warn("failed to tag transfer with attempt id",
			"saleId", s.ID, "txIds", sent.TxIDs, "error", err)
	}

	return e.completeTransfer(ctx, s, plan, sent)
}

// completeTransfer records a broadcast transfer. The money has already
// moved, so a failure here is escalated rather than retried by the caller.
func (e *Engine) completeTransfer(ctx context.Context, s *Sale, plan transferPlan, sent sentTransfer) error {
	updated, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
		plan.record(cur, sent)
		return cur.Transition(plan.done, e.now())
	})
	if err != nil {
		e.logger.Error("CRITICAL: transfer broadcast but not recorded",
			"saleId", s.ID, "op", plan.op, "txIds", sent.TxIDs,
			"amount", xmr.Format(sent.Amount), "attemptId", plan.attemptID, "error", err)
		return stepErr(KindStore, plan.op, s.ID, fmt.Errorf("record broadcast transfer %s: %w", strings.Join(sent.TxIDs, ","), err))
	}
	*s = *updated

	recordMoved(plan.op, sent.Amount)
	recordMoved("network_fee", sent.Fee)
	e.logger.Info("transfer complete",
		"saleId", s.ID, "op", plan.op, "state", s.State, "txIds", sent.TxIDs,
		"amount", xmr.Format(sent.Amount), "fee", xmr.Format(sent.Fee), "recovered", sent.Recovered)
	return nil
}

// findPriorTransfer looks for a transfer an earlier attempt broadcast: first
// by attempt-id note, then by destination.
func (e *Engine) findPriorTransfer(ctx context.Context, s *Sale, plan transferPlan) (sentTransfer, bool, error) {
	outs, err := e.wallet.ListOutgoing(ctx, s.EscrowAccountIndex)
	if err != nil {
		return sentTransfer{}, false, rpcErr(plan.op, s.ID, fmt.Errorf("list outgoing: %w", err))
	}

	match := func(pred func(xmr.OutgoingTransfer) bool) (sentTransfer, bool) {
		sent := sentTransfer{Recovered: true}
		for _, o := range outs {
			if !pred(o) {
				continue
			}
			sent.TxIDs = append(sent.TxIDs, o.TxID)
			sent.Amount = sent.Amount.Add(o.Amount)
			sent.Fee = sent.Fee.Add(o.Fee)
		}
		return sent, len(sent.TxIDs) > 0
	}

	if sent, ok := match(func(o xmr.OutgoingTransfer) bool { return o.Note == plan.attemptID }); ok {
		return sent, true, nil
	}
	sent, ok := match(func(o xmr.OutgoingTransfer) bool { return o.SentTo(plan.dest) })
	return sent, ok, nil
}

func setAttemptID(s *Sale, plan transferPlan) {
	switch plan.pending {
	case StatePaying:
		s.PayoutAttemptID = plan.attemptID
	case StateRefunding:
		s.RefundAttemptID = plan.attemptID
	}
}
