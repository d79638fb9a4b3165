package cli

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fjod/go_cart/cartsync/internal/client"
)

// terminalNavigator stands in for the device screens. Redirect prints the
// payment link instead of opening a browser.
type terminalNavigator struct {
	w io.Writer

	mu         sync.Mutex
	link       string
	orderID    string
	backInCart bool
}

func (n *terminalNavigator) Redirect(_ context.Context, link string) error {
	n.mu.Lock()
	n.link = link
	n.mu.Unlock()
	fmt.Fprintf(n.w, "open the payment page: %s\n", link)
	fmt.Fprintln(n.w, "when the provider sends you back, run: cartctl return '<return url>'")
	return nil
}

func (n *terminalNavigator) ToHistory(orderID string) {
	n.mu.Lock()
	n.orderID = orderID
	n.mu.Unlock()
	fmt.Fprintf(n.w, "purchase complete, order %s (see: cartctl history)\n", orderID)
}

func (n *terminalNavigator) ToSession(cartID, marketID string) {
	n.mu.Lock()
	n.backInCart = true
	n.mu.Unlock()
	fmt.Fprintf(n.w, "back to cart %s @ %s (run: cartctl shop --market %s --cart %s)\n", cartID, marketID, marketID, cartID)
}

func (n *terminalNavigator) redirected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.link != ""
}

// attach connects the socket and starts the goroutines that feed the mirror
// and print notices. The returned func stops them.
func (d *device) attach(ctx context.Context, opts *RootOptions, w io.Writer) (func(), error) {
	d.mirror.RestoreCached(ctx)

	err := d.conn.Connect(ctx, client.Credentials{Token: opts.Token, CartID: d.mirror.CartID(), ServerURL: opts.ServerURL})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = d.mirror.Run(ctx, d.conn.Events())
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case n := <-d.mirror.Notices():
				renderNotice(w, n)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-d.conn.States():
				if s != client.StateConnected {
					fmt.Fprintf(w, "[conn] %s\n", s)
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}
