package walletrpc

import (
	"context"
	"fmt"
)

// Info is the subset of monerod get_info the platform reads.
type Info struct {
	Status  string `json:"status"`
	NetType string `json:"nettype"`
	Height  uint64 `json:"height"`
	Synced  bool   `json:"synchronized"`
}

// Daemon is a client for monerod.
type Daemon struct {
	ep *endpoint
}

// NewDaemon builds a daemon client without contacting the endpoint.
func NewDaemon(cfg Config, opts ...Option) *Daemon {
	return &Daemon{ep: newEndpoint("daemon", cfg, opts)}
}

// GetInfo returns the daemon status and network type.
func (d *Daemon) GetInfo(ctx context.Context) (Info, error) {
	var info Info
	if err := d.ep.call(ctx, "get_info", nil, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// IsConnected reports whether the daemon answers with status OK.
func (d *Daemon) IsConnected(ctx context.Context) bool {
	info, err := d.GetInfo(ctx)
	return err == nil && info.Status == "OK"
}

// ExplorerTxURL links a transaction on a public block explorer for the
// daemon's network. Mainnet is assumed when the network type is unknown.
func ExplorerTxURL(netType, txID string) string {
	switch netType {
	case "stagenet":
		return fmt.Sprintf("https://stagenet.xmrchain.net/tx/%s", txID)
	case "testnet":
		return fmt.Sprintf("https://testnet.xmrchain.net/tx/%s", txID)
	default:
		return fmt.Sprintf("https://xmrchain.net/tx/%s", txID)
	}
}

// Close releases idle connections.
func (d *Daemon) Close() {
	d.ep.close()
}
