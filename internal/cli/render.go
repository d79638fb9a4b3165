package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fjod/go_cart/cartsync/internal/client"
	"github.com/fjod/go_cart/cartsync/internal/domain"
)

var noticePrefix = map[client.NoticeKind]string{
	client.NoticeInfo:    "[info]",
	client.NoticeSuccess: "[ok]",
	client.NoticeWarning: "[warn]",
	client.NoticeError:   "[error]",
}

func renderNotice(w io.Writer, n client.Notice) {
	prefix, ok := noticePrefix[n.Kind]
	if !ok {
		prefix = "[" + string(n.Kind) + "]"
	}
	fmt.Fprintf(w, "%s %s\n", prefix, n.Text)
}

// renderState prints the cart the way the shopper sees it on the device.
func renderState(w io.Writer, st client.MirrorState) {
	fmt.Fprintf(w, "cart %s @ %s  phase=%s  version=%d", st.CartID, st.MarketID, st.Phase, st.Snapshot.Version)
	if st.FromCache {
		fmt.Fprint(w, "  (cached)")
	}
	fmt.Fprintln(w)

	renderLines(w, st.Snapshot.Items)
	fmt.Fprintf(w, "total: %s (%d items)\n", st.Snapshot.TotalValue.StringFixed(2), st.Snapshot.ItemCount())

	if p := st.Pending; p != nil {
		verb := "place"
		if p.Kind == domain.PendingRemoval {
			verb = "remove"
		}
		fmt.Fprintf(w, "waiting: %s %d x %s (%.0fg) on the scale\n", verb, p.Quantity, p.Product.Name, p.Expected)
	}
}

func renderLines(w io.Writer, items []domain.CartLine) {
	if len(items) == 0 {
		fmt.Fprintln(w, "  (empty)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, l := range items {
		fmt.Fprintf(tw, "  %s\t%s\t%d x %s\t%s\n", l.Barcode, l.Name, l.Quantity, l.UnitPrice.StringFixed(2), l.Subtotal().StringFixed(2))
	}
	tw.Flush()
}

func renderHistory(w io.Writer, records []domain.HistoryRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no purchases yet")
		return
	}
	for _, r := range records {
		fmt.Fprintf(w, "%s  %s  market=%s  total=%s\n", r.CompletedAt.UTC().Format("2006-01-02 15:04"), r.OrderID, r.MarketID, r.Total.StringFixed(2))
		renderLines(w, r.Items)
	}
}

const shopHelp = `commands:
  scan <barcode> [qty]     add a product, then place it on the scale
  remove <barcode> [qty]   take a product out, then lift it off the scale
  retry                    weigh the current item again, or unblock a lost scan
  show                     print the cart
  checkout <email>         request a payment link
  help                     this text
  quit                     leave the session`

func fields(line string) []string {
	return strings.Fields(strings.TrimSpace(line))
}
