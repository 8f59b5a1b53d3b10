package sale

import (
	"fmt"
	"strings"

	"github.com/mbd888/xmrescrow/internal/walletrpc"
	"github.com/mbd888/xmrescrow/internal/xmr"
)

// notice is a message for one party at one point of the sale.
type notice struct {
	name      string
	recipient func(s *Sale) string
	applies   func(s *Sale) bool
	mark      func(s *Sale)
	compose   func(s *Sale, site Settings) (subject, body string)
}

func buyer(s *Sale) string  { return s.BuyerEmail }
func seller(s *Sale) string { return s.SellerEmail }

// notices are sent by SendNotices in this order.
var notices = []notice{
	{
		name:      "sale_created",
		recipient: buyer,
		applies:   func(s *Sale) bool { return !s.BuyerNotified && !s.SaleCancelled() },
		mark:      func(s *Sale) { s.BuyerNotified = true },
		compose: func(s *Sale, site Settings) (string, string) {
			return fmt.Sprintf("[%s] Your bid on %s was accepted", site.SiteName, itemLabel(s)),
				lines(
					fmt.Sprintf("The seller accepted your bid on %s.", itemLabel(s)),
					"",
					fmt.Sprintf("Send exactly %s XMR to the escrow address below.", xmr.Format(s.ExpectedPayment)),
					"The amount includes your half of the platform fee.",
					"",
					s.EscrowAddress,
					"",
					fmt.Sprintf("Unpaid sales are cancelled after %s.", s.PaymentDeadline.UTC().Format("2006-01-02 15:04 MST")),
					saleLink(s, site),
				)
		},
	},
	{
		name:      "funds_received",
		recipient: seller,
		applies: func(s *Sale) bool {
			return !s.SellerNotified && s.BuyerNotified && s.PaymentReceived() && !s.SaleCancelled()
		},
		mark: func(s *Sale) { s.SellerNotified = true },
		compose: func(s *Sale, site Settings) (string, string) {
			return fmt.Sprintf("[%s] Payment received for %s", site.SiteName, itemLabel(s)),
				lines(
					fmt.Sprintf("The buyer's payment of %s XMR for %s is confirmed and held in escrow.", xmr.Format(s.ReceivedPayment), itemLabel(s)),
					"Ship the item and mark it shipped.",
					saleLink(s, site),
				)
		},
	},
	{
		name:      "item_shipped",
		recipient: buyer,
		applies:   func(s *Sale) bool { return s.ItemShipped() && !s.BuyerNotifiedOfShipment && !s.SaleCancelled() },
		mark:      func(s *Sale) { s.BuyerNotifiedOfShipment = true },
		compose: func(s *Sale, site Settings) (string, string) {
			return fmt.Sprintf("[%s] %s has shipped", site.SiteName, itemLabel(s)),
				lines(
					fmt.Sprintf("The seller marked %s as shipped.", itemLabel(s)),
					"Mark it received once it arrives so the seller can be paid.",
					saleLink(s, site),
				)
		},
	},
	{
		name:      "item_received",
		recipient: seller,
		applies:   func(s *Sale) bool { return s.ItemReceived() && !s.SellerNotifiedOfReceipt },
		mark:      func(s *Sale) { s.SellerNotifiedOfReceipt = true },
		compose: func(s *Sale, site Settings) (string, string) {
			return fmt.Sprintf("[%s] %s was received", site.SiteName, itemLabel(s)),
				lines(
					fmt.Sprintf("The buyer confirmed receipt of %s.", itemLabel(s)),
					fmt.Sprintf("Your payout to %s is on its way.", s.SellerPayoutAddress),
					saleLink(s, site),
				)
		},
	},
}

func payoutMessage(s *Sale, netType string) (string, string) {
	txs := strings.Split(s.SellerPayoutTransaction, ",")
	links := make([]string, 0, len(txs))
	for _, tx := range txs {
		links = append(links, walletrpc.ExplorerTxURL(netType, tx))
	}
	return fmt.Sprintf("Sale complete: %s", itemLabel(s)),
		lines(
			fmt.Sprintf("You were paid %s XMR for %s.", xmr.Format(s.SaleTotal().Sub(s.NetworkFee)), itemLabel(s)),
			fmt.Sprintf("Platform fee: %s XMR. Network fee: %s XMR.", xmr.Format(s.PlatformFee), xmr.Format(s.NetworkFee)),
			"",
			strings.Join(links, "\n"),
		)
}

func itemLabel(s *Sale) string {
	if s.ItemName != "" {
		return fmt.Sprintf("%q (item #%s)", s.ItemName, s.ItemID)
	}
	return "item #" + s.ItemID
}

func saleLink(s *Sale, site Settings) string {
	if site.SiteURL == "" {
		return ""
	}
	return strings.TrimRight(site.SiteURL, "/") + "/sales/" + s.ID
}

func lines(ls ...string) string {
	return strings.TrimRight(strings.Join(ls, "\n"), "\n") + "\n"
}
