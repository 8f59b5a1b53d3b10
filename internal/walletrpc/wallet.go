package walletrpc

import (
	"context"
	"fmt"

	"github.com/monero-ecosystem/go-monero-rpc-client/wallet"
	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/xmr"
)

// Wallet is a client for monero-wallet-rpc. Each escrow lives in its own
// subaccount, addressed by account index.
type Wallet struct {
	ep  *endpoint
	rpc wallet.Client
}

// NewWallet builds a wallet client without contacting the endpoint.
func NewWallet(cfg Config, opts ...Option) *Wallet {
	ep := newEndpoint("wallet", cfg, opts)
	return &Wallet{
		ep:  ep,
		rpc: wallet.New(wallet.Config{Address: ep.url, Transport: ep.transport}),
	}
}

// DialWallet builds a wallet client and verifies the endpoint answers.
func DialWallet(ctx context.Context, cfg Config, opts ...Option) (*Wallet, error) {
	w := NewWallet(cfg, opts...)
	if _, err := w.Version(ctx); err != nil {
		w.Close()
		return nil, fmt.Errorf("walletrpc: dial wallet: %w", err)
	}
	return w, nil
}

// Version returns the wallet RPC version number.
func (w *Wallet) Version(ctx context.Context) (uint32, error) {
	var res *wallet.ResponseGetVersion
	err := w.ep.guard(ctx, "get_version", func() (err error) {
		res, err = w.rpc.GetVersion()
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint32(res.Version), nil
}

// IsConnected reports whether the wallet answers right now.
func (w *Wallet) IsConnected(ctx context.Context) bool {
	_, err := w.Version(ctx)
	return err == nil
}

// Close releases idle connections.
func (w *Wallet) Close() {
	w.ep.close()
}

// GetBalances returns the total (locked) and unlocked (spendable) balance of
// a subaccount.
func (w *Wallet) GetBalances(ctx context.Context, index uint32) (xmr.Balances, error) {
	var res *wallet.ResponseGetBalance
	err := w.ep.guard(ctx, "get_balance", func() (err error) {
		res, err = w.rpc.GetBalance(&wallet.RequestGetBalance{AccountIndex: uint64(index)})
		return err
	})
	if err != nil {
		return xmr.Balances{}, err
	}
	return xmr.Balances{
		Locked:    xmr.FromAtomic(res.Balance),
		Spendable: xmr.FromAtomic(res.UnlockedBalance),
	}, nil
}

func (w *Wallet) transfers(ctx context.Context, req *wallet.RequestGetTransfers) (*wallet.ResponseGetTransfers, error) {
	var res *wallet.ResponseGetTransfers
	err := w.ep.guard(ctx, "get_transfers", func() (err error) {
		res, err = w.rpc.GetTransfers(req)
		return err
	})
	return res, err
}

// ListIncoming returns confirmed and pooled transfers received by a
// subaccount. Pool entries carry zero confirmations.
func (w *Wallet) ListIncoming(ctx context.Context, index uint32) ([]xmr.IncomingTransfer, error) {
	res, err := w.transfers(ctx, &wallet.RequestGetTransfers{In: true, Pool: true, AccountIndex: uint64(index)})
	if err != nil {
		return nil, err
	}

	out := make([]xmr.IncomingTransfer, 0, len(res.In)+len(res.Pool))
	for _, t := range res.In {
		out = append(out, xmr.IncomingTransfer{TxID: t.TxID, Amount: xmr.FromAtomic(t.Amount), Confirmations: t.Confirmations})
	}
	for _, t := range res.Pool {
		out = append(out, xmr.IncomingTransfer{TxID: t.TxID, Amount: xmr.FromAtomic(t.Amount)})
	}
	return out, nil
}

// ListOutgoing returns transfers sent from a subaccount, including ones that
// were broadcast but not yet mined.
func (w *Wallet) ListOutgoing(ctx context.Context, index uint32) ([]xmr.OutgoingTransfer, error) {
	res, err := w.transfers(ctx, &wallet.RequestGetTransfers{Out: true, Pending: true, AccountIndex: uint64(index)})
	if err != nil {
		return nil, err
	}

	out := make([]xmr.OutgoingTransfer, 0, len(res.Out)+len(res.Pending))
	for _, t := range res.Out {
		out = append(out, toOutgoing(t, false))
	}
	for _, t := range res.Pending {
		out = append(out, toOutgoing(t, true))
	}
	return out, nil
}

func toOutgoing(t *wallet.Transfer, pending bool) xmr.OutgoingTransfer {
	o := xmr.OutgoingTransfer{
		TxID:    t.TxID,
		Amount:  xmr.FromAtomic(t.Amount),
		Fee:     xmr.FromAtomic(t.Fee),
		Note:    t.Note,
		Pending: pending,
	}
	for _, d := range t.Destinations {
		o.Destinations = append(o.Destinations, d.Address)
	}
	return o
}

// CreateAccount allocates a new subaccount with the given label.
func (w *Wallet) CreateAccount(ctx context.Context, label string) (xmr.Account, error) {
	var res *wallet.ResponseCreateAccount
	err := w.ep.guard(ctx, "create_account", func() (err error) {
		res, err = w.rpc.CreateAccount(&wallet.RequestCreateAccount{Label: label})
		return err
	})
	if err != nil {
		return xmr.Account{}, err
	}
	return xmr.Account{Index: uint32(res.AccountIndex), Address: res.Address}, nil
}

// Address returns the primary address of a subaccount.
func (w *Wallet) Address(ctx context.Context, index uint32) (string, error) {
	var res *wallet.ResponseGetAddress
	err := w.ep.guard(ctx, "get_address", func() (err error) {
		res, err = w.rpc.GetAddress(&wallet.RequestGetAddress{AccountIndex: uint64(index)})
		return err
	})
	if err != nil {
		return "", err
	}
	return res.Address, nil
}

func splitResults(txIDs []string, amounts, fees []uint64) ([]xmr.TransferResult, error) {
	if len(txIDs) == 0 {
		return nil, fmt.Errorf("%w: no transactions built", ErrBadResponse)
	}
	out := make([]xmr.TransferResult, len(txIDs))
	for i, id := range txIDs {
		out[i] = xmr.TransferResult{TxID: id}
		if i < len(amounts) {
			out[i].Amount = xmr.FromAtomic(amounts[i])
		}
		if i < len(fees) {
			out[i].Fee = xmr.FromAtomic(fees[i])
		}
	}
	return out, nil
}

// Transfer sends amount from a subaccount to dest. With relay=false the
// transactions are built and fee-quoted but never broadcast.
func (w *Wallet) Transfer(ctx context.Context, index uint32, dest string, amount decimal.Decimal, relay bool) ([]xmr.TransferResult, error) {
	atomic, err := xmr.ToAtomic(amount)
	if err != nil {
		return nil, err
	}
	if atomic == 0 {
		return nil, fmt.Errorf("walletrpc: transfer of zero amount")
	}

	req := &wallet.RequestTransferSplit{
		Destinations: []*wallet.Destination{{Amount: atomic, Address: dest}},
		AccountIndex: uint64(index),
		DoNotRelay:   !relay,
	}
	var res *wallet.ResponseTransferSplit
	err = w.ep.guard(ctx, "transfer_split", func() (err error) {
		res, err = w.rpc.TransferSplit(req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return splitResults(res.TxHashList, res.AmountList, res.FeeList)
}

// SweepAll sends the whole unlocked balance of a subaccount to dest.
func (w *Wallet) SweepAll(ctx context.Context, index uint32, dest string) ([]xmr.TransferResult, error) {
	var res *wallet.ResponseSweepAll
	err := w.ep.guard(ctx, "sweep_all", func() (err error) {
		res, err = w.rpc.SweepAll(&wallet.RequestSweepAll{Address: dest, AccountIndex: uint64(index)})
		return err
	})
	if err != nil {
		return nil, err
	}
	return splitResults(res.TxHashList, res.AmountList, res.FeeList)
}

// SetTxNotes attaches the same note to each transaction id.
func (w *Wallet) SetTxNotes(ctx context.Context, txIDs []string, note string) error {
	notes := make([]string, len(txIDs))
	for i := range notes {
		notes[i] = note
	}
	return w.ep.guard(ctx, "set_tx_notes", func() error {
		return w.rpc.SetTxNotes(&wallet.RequestSetTxNotes{TxIDs: txIDs, Notes: notes})
	})
}
