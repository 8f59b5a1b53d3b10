package sale

import (
	"context"
	"fmt"

	"github.com/mbd888/xmrescrow/internal/traces"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// SweepPlatformFees is the PlatformSweeper pass. Once the seller is paid and
// the subaccount's change has unlocked, everything left in it is swept to
// the platform and the sale is finalized.
func (e *Engine) SweepPlatformFees(ctx context.Context) (PassResult, error) {
	return e.runPass(ctx, WorkerPlatformSweeper, []State{StateSettled}, e.sweepStep)
}

func (e *Engine) sweepStep(ctx context.Context, s *Sale) (outcome, error) {
	release, err := e.acquire(ctx, "sweep", s)
	if err != nil {
		return unchanged, err
	}
	defer release()

	fresh, err := e.store.Get(ctx, s.ID)
	if err != nil {
		return unchanged, stepErr(KindStore, "sweep", s.ID, err)
	}
	if fresh.State != StateSettled {
		return unchanged, nil
	}
	s = fresh

	if e.settings.PlatformFeePercent.Sign() > 0 {
		if err := e.sweep(ctx, s); err != nil {
			return unchanged, err
		}
	} else {
		e.logger.Info("no platform fee configured, finalizing without sweep", "saleId", s.ID)
	}

	if _, err := e.mutate(ctx, s.ID, func(cur *Sale) error {
		return cur.Transition(StateFinalized, e.now())
	}); err != nil {
		return unchanged, stepErr(KindOf(err), "sweep", s.ID, err)
	}
	e.logger.Info("sale finalized", "saleId", s.ID)
	return advanced, nil
}

func (e *Engine) sweep(ctx context.Context, s *Sale) (err error) {
	ctx, span := traces.StartSpan(ctx, "sale.sweep", traces.SaleID(s.ID), traces.AccountIndex(s.EscrowAccountIndex))
	defer func() { traces.End(span, err) }()

	bal, err := e.wallet.GetBalances(ctx, s.EscrowAccountIndex)
	if err != nil {
		return rpcErr("sweep", s.ID, err)
	}
	if !bal.Settled() {
		return stepErr(KindBalanceNotSettled, "sweep", s.ID,
			fmt.Errorf("locked %s != spendable %s", xmr.Format(bal.Locked), xmr.Format(bal.Spendable)))
	}
	if bal.Spendable.Sign() == 0 {
		e.logger.Info("escrow already empty, nothing to sweep", "saleId", s.ID)
		return nil
	}

	dest, err := e.platformAddress(ctx)
	if err != nil {
		return err
	}
	results, err := e.wallet.SweepAll(ctx, s.EscrowAccountIndex, dest)
	if err != nil {
		return rpcErr("sweep", s.ID, err)
	}
	ids := xmr.TxIDs(results)
	span.SetAttributes(traces.TxIDs(ids), traces.Amount(xmr.Format(bal.Spendable)))
	if err := e.wallet.SetTxNotes(ctx, ids, "sweep-"+s.ID); err != nil {
		e.logger.Warn("failed to tag sweep", "saleId", s.ID, "txIds", ids, "error", err)
	}

	recordMoved("sweep", bal.Spendable.Sub(xmr.TotalFee(results)))
	recordMoved("network_fee", xmr.TotalFee(results))
	e.logger.Info("platform fee swept",
		"saleId", s.ID, "amount", xmr.Format(bal.Spendable), "fee", xmr.Format(xmr.TotalFee(results)), "txIds", ids)
	return nil
}

// platformAddress is the configured payout address, or the wallet's primary
// address when none is configured.
func (e *Engine) platformAddress(ctx context.Context) (string, error) {
	if e.settings.PlatformPayoutAddress != "" {
		return e.settings.PlatformPayoutAddress, nil
	}
	addr, err := e.wallet.Address(ctx, 0)
	if err != nil {
		return "", rpcErr("sweep", "", fmt.Errorf("resolve platform address: %w", err))
	}
	if addr == "" {
		return "", stepErr(KindConfigurationDefect, "sweep", "", fmt.Errorf("no platform payout address"))
	}
	return addr, nil
}
