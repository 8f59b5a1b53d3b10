package sale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/xmrescrow/internal/cache"
	"github.com/mbd888/xmrescrow/internal/lease"
	"github.com/mbd888/xmrescrow/internal/pagination"
	"github.com/mbd888/xmrescrow/internal/walletrpc"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

var (
	sellerAddr   = "4" + strings.Repeat("S", 94)
	buyerAddr    = "4" + strings.Repeat("B", 94)
	platformAddr = "4" + strings.Repeat("P", 94)
	primaryAddr  = "4" + strings.Repeat("M", 94)
	testNow      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// fakeWallet is an in-memory wallet whose escrow subaccounts hold
// whatever the test puts in them.
type fakeWallet struct {
	mu sync.Mutex

	balances map[uint32]xmr.Balances
	incoming map[uint32][]xmr.IncomingTransfer
	outgoing map[uint32][]xmr.OutgoingTransfer
	next     uint32
	txSeq    int

	dryRunFee  decimal.Decimal
	realFee    decimal.Decimal
	down       bool  // every call fails as unavailable
	relayErr   error // relayed transfers fail with this
	dryRuns    int
	quoted     []decimal.Decimal
	relayed    []relayedTransfer
	sweeps     []relayedTransfer
	addressErr error
}

type relayedTransfer struct {
	Index  uint32
	Dest   string
	Amount decimal.Decimal
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		balances:  make(map[uint32]xmr.Balances),
		incoming:  make(map[uint32][]xmr.IncomingTransfer),
		outgoing:  make(map[uint32][]xmr.OutgoingTransfer),
		next:      1,
		dryRunFee: xmr.MustParse("0.0007"),
		realFee:   xmr.MustParse("0.0007"),
	}
}

func (w *fakeWallet) unavailable() error {
	if w.down {
		return fmt.Errorf("call: %w", walletrpc.ErrUnavailable)
	}
	return nil
}

func (w *fakeWallet) setBalance(index uint32, locked, spendable string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balances[index] = xmr.Balances{Locked: xmr.MustParse(locked), Spendable: xmr.MustParse(spendable)}
}

func (w *fakeWallet) addIncoming(index uint32, amount string, confirmations uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.txSeq++
	w.incoming[index] = append(w.incoming[index], xmr.IncomingTransfer{
		TxID: fmt.Sprintf("in%d", w.txSeq), Amount: xmr.MustParse(amount), Confirmations: confirmations,
	})
}

func (w *fakeWallet) GetBalances(_ context.Context, index uint32) (xmr.Balances, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return xmr.Balances{}, err
	}
	return w.balances[index], nil
}

func (w *fakeWallet) ListIncoming(_ context.Context, index uint32) ([]xmr.IncomingTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return nil, err
	}
	return append([]xmr.IncomingTransfer(nil), w.incoming[index]...), nil
}

func (w *fakeWallet) ListOutgoing(_ context.Context, index uint32) ([]xmr.OutgoingTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return nil, err
	}
	return append([]xmr.OutgoingTransfer(nil), w.outgoing[index]...), nil
}

func (w *fakeWallet) CreateAccount(_ context.Context, label string) (xmr.Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return xmr.Account{}, err
	}
	idx := w.next
	w.next++
	return xmr.Account{Index: idx, Address: fmt.Sprintf("8%094d", idx)}, nil
}

func (w *fakeWallet) Address(_ context.Context, index uint32) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return "", err
	}
	if w.addressErr != nil {
		return "", w.addressErr
	}
	return primaryAddr, nil
}

func (w *fakeWallet) Transfer(_ context.Context, index uint32, dest string, amount decimal.Decimal, relay bool) ([]xmr.TransferResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return nil, err
	}
	bal := w.balances[index]
	if !relay {
		w.dryRuns++
		if bal.Spendable.LessThan(amount) {
			return nil, &walletrpc.RPCError{Method: "transfer_split", Code: -4, Message: "not enough money"}
		}
		w.quoted = append(w.quoted, amount)
		return []xmr.TransferResult{{TxID: "dryrun", Amount: amount, Fee: w.dryRunFee}}, nil
	}
	if w.relayErr != nil {
		return nil, w.relayErr
	}
	total := amount.Add(w.realFee)
	if bal.Spendable.LessThan(total) {
		return nil, &walletrpc.RPCError{Method: "transfer_split", Code: -4, Message: "not enough money"}
	}
	w.txSeq++
	txID := fmt.Sprintf("tx%d", w.txSeq)
	w.balances[index] = xmr.Balances{Locked: bal.Locked.Sub(total), Spendable: bal.Spendable.Sub(total)}
	w.outgoing[index] = append(w.outgoing[index], xmr.OutgoingTransfer{
		TxID: txID, Amount: amount, Fee: w.realFee, Destinations: []string{dest}, Pending: true,
	})
	w.relayed = append(w.relayed, relayedTransfer{Index: index, Dest: dest, Amount: amount})
	return []xmr.TransferResult{{TxID: txID, Amount: amount, Fee: w.realFee}}, nil
}

func (w *fakeWallet) SweepAll(_ context.Context, index uint32, dest string) ([]xmr.TransferResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.unavailable(); err != nil {
		return nil, err
	}
	bal := w.balances[index]
	w.txSeq++
	txID := fmt.Sprintf("sweep%d", w.txSeq)
	w.balances[index] = xmr.Balances{}
	w.sweeps = append(w.sweeps, relayedTransfer{Index: index, Dest: dest, Amount: bal.Spendable})
	return []xmr.TransferResult{{TxID: txID, Amount: bal.Spendable.Sub(w.realFee), Fee: w.realFee}}, nil
}

func (w *fakeWallet) SetTxNotes(_ context.Context, txIDs []string, note string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for idx, outs := range w.outgoing {
		for i := range outs {
			for _, id := range txIDs {
				if outs[i].TxID == id {
					w.outgoing[idx][i].Note = note
				}
			}
		}
	}
	return nil
}

// fakeNotifier records sent messages.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
	fail bool
}

type sentNotice struct {
	Subject, Body, Recipient string
}

func (n *fakeNotifier) Send(_ context.Context, subject, body, recipient string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return false, errors.New("smtp: connection refused")
	}
	n.sent = append(n.sent, sentNotice{subject, body, recipient})
	return true, nil
}

func (n *fakeNotifier) to(recipient string) []sentNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentNotice
	for _, s := range n.sent {
		if s.Recipient == recipient {
			out = append(out, s)
		}
	}
	return out
}

// flakyStore fails Update while failUpdates is set and fails the
// ListByState calls whose 1-based number is in failLists.
type flakyStore struct {
	*MemoryStore
	mu          sync.Mutex
	failUpdates func(s *Sale) bool
	listCalls   int
	failLists   map[int]bool
}

func (f *flakyStore) ListByState(ctx context.Context, after *pagination.Cursor, limit int, states ...State) ([]*Sale, error) {
	f.mu.Lock()
	f.listCalls++
	fail := f.failLists[f.listCalls]
	f.mu.Unlock()
	if fail {
		return nil, errors.New("db: connection reset")
	}
	return f.MemoryStore.ListByState(ctx, after, limit, states...)
}

// failListCalls makes the given upcoming ListByState calls fail, counted
// from 1 for the next call.
func (f *flakyStore) failListCalls(calls ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failLists = make(map[int]bool, len(calls))
	for _, n := range calls {
		f.failLists[f.listCalls+n] = true
	}
}

func (f *flakyStore) Update(ctx context.Context, s *Sale) error {
	f.mu.Lock()
	fail := f.failUpdates != nil && f.failUpdates(s)
	f.mu.Unlock()
	if fail {
		return errors.New("db: connection reset")
	}
	return f.MemoryStore.Update(ctx, s)
}

func (f *flakyStore) setFail(fn func(s *Sale) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdates = fn
}

type harness struct {
	engine   *Engine
	service  *Service
	store    *flakyStore
	wallet   *fakeWallet
	notifier *fakeNotifier
	leases   *lease.Memory
	observed *cache.Observations
	now      *time.Time
}

func testSettings() Settings {
	s := DefaultSettings()
	s.PlatformPayoutAddress = platformAddr
	return s
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	now := testNow
	clock := func() time.Time { return now }

	store := &flakyStore{MemoryStore: NewMemoryStore()}
	wallet := newFakeWallet()
	notifier := &fakeNotifier{}
	leases := lease.NewMemory()
	logger := slog.New(slog.DiscardHandler)

	observed := cache.NewObservations()
	engine := NewEngine(store, wallet, leases, observed, notifier, settings, logger).WithClock(clock)
	service := NewService(store, wallet, settings, logger).WithClock(clock)
	return &harness{
		engine:   engine,
		service:  service,
		store:    store,
		wallet:   wallet,
		notifier: notifier,
		leases:   leases,
		observed: observed,
		now:      &now,
	}
}

func (h *harness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

// createSale opens a sale at price and drives it to state.
func (h *harness) createSale(t *testing.T, price string, state State) *Sale {
	t.Helper()
	ctx := context.Background()
	s, err := h.service.Create(ctx, CreateRequest{
		ItemID:              "item-1",
		ItemName:            "Vintage lens",
		BidID:               "bid-1",
		BidPrice:            price,
		SellerPayoutAddress: sellerAddr,
		BuyerReturnAddress:  buyerAddr,
		SellerEmail:         "seller@example.com",
		BuyerEmail:          "buyer@example.com",
	})
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	path := map[State][]State{
		StateAwaitingPayment:  nil,
		StatePaymentConfirmed: {StatePaymentConfirmed},
		StateAwaitingDelivery: {StatePaymentConfirmed, StateAwaitingDelivery},
		StateDelivered:        {StatePaymentConfirmed, StateAwaitingDelivery, StateDelivered},
		StateCancelled:        {StateCancelled},
	}
	steps, ok := path[state]
	if !ok {
		t.Fatalf("createSale: unsupported target state %s", state)
	}
	for _, to := range steps {
		s, err = mutateSale(ctx, h.store, s.ID, func() time.Time { return *h.now }, func(cur *Sale) error {
			if to == StatePaymentConfirmed {
				cur.ReceivedPayment = cur.ExpectedPayment
			}
			return cur.Transition(to, *h.now)
		})
		if err != nil {
			t.Fatalf("advance sale to %s: %v", to, err)
		}
	}
	return s
}

func (h *harness) get(t *testing.T, id string) *Sale {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get sale %s: %v", id, err)
	}
	return s
}
