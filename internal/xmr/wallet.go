package xmr

import "github.com/shopspring/decimal"

// Balances of one wallet subaccount. Locked is the total balance including
// outputs that have not matured yet; Spendable is what can be sent now.
type Balances struct {
	Locked    decimal.Decimal `json:"locked"`
	Spendable decimal.Decimal `json:"spendable"`
}

// Settled reports whether every output of the subaccount has matured.
func (b Balances) Settled() bool {
	return b.Locked.Equal(b.Spendable)
}

// IncomingTransfer is one transfer received by a subaccount.
type IncomingTransfer struct {
	TxID          string          `json:"txId"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations uint64          `json:"confirmations"`
}

// OutgoingTransfer is one transfer sent from a subaccount, confirmed or still
// in the pool.
type OutgoingTransfer struct {
	TxID         string          `json:"txId"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	Note         string          `json:"note,omitempty"`
	Destinations []string        `json:"destinations,omitempty"`
	Pending      bool            `json:"pending"`
}

// SentTo reports whether address is among the transfer's destinations.
func (o OutgoingTransfer) SentTo(address string) bool {
	for _, d := range o.Destinations {
		if d == address {
			return true
		}
	}
	return false
}

// TransferResult describes one transaction built by a transfer or sweep.
// A dry run (relay=false) returns results whose TxID was never broadcast.
type TransferResult struct {
	TxID   string          `json:"txId"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
}

// TotalFee sums the fee over all transactions of a transfer.
func TotalFee(results []TransferResult) decimal.Decimal {
	total := decimal.Zero
	for _, r := range results {
		total = total.Add(r.Fee)
	}
	return total
}

// TxIDs returns the transaction ids of a transfer in order.
func TxIDs(results []TransferResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.TxID)
	}
	return ids
}

// Account is a freshly created wallet subaccount.
type Account struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
}
