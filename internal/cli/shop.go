package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/fjod/go_cart/cartsync/internal/client"
	"github.com/spf13/cobra"
)

type ShopOptions struct {
	*RootOptions
	MarketID       string
	CartPhysicalID string
}

func NewShopCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShopOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "shop",
		Short: "Start or rejoin a cart session",
		Long: `Claim a physical cart and shop interactively. Commands are read from
standard input one per line; type "help" for the list.`,
		Example: `  cartctl shop --market m1 --cart CART-07`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShop(cmd, opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringVarP(&opts.MarketID, "market", "m", "", "market id")
	cmd.Flags().StringVarP(&opts.CartPhysicalID, "cart", "c", "", "physical cart id")
	_ = cmd.MarkFlagRequired("market")
	_ = cmd.MarkFlagRequired("cart")

	return cmd
}

func runShop(cmd *cobra.Command, opts *ShopOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	log := opts.logger(cmd.ErrOrStderr())

	api, err := client.NewAPI(opts.ServerURL, opts.Token, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid server", err)
	}
	res, err := api.Connect(ctx, opts.MarketID, opts.CartPhysicalID)
	if err != nil {
		return WrapExitError(ExitCommandError, "connect to cart", err)
	}

	nav := &terminalNavigator{w: out}
	dev, err := newDevice(ctx, opts.RootOptions, res.CartID, res.MarketID, nav, log)
	if err != nil {
		return WrapExitError(ExitCommandError, "prepare device", err)
	}
	defer dev.Close()

	stop, err := dev.attach(ctx, opts.RootOptions, out)
	if err != nil {
		return WrapExitError(ExitCommandError, "open cart socket", err)
	}
	defer stop()

	fmt.Fprintf(out, "connected to cart %s, type \"help\" for commands\n", res.CartID)
	return shopLoop(ctx, dev, nav, cmd.InOrStdin(), out)
}

// shopLoop reads commands until quit, end of input or a payment redirect.
func shopLoop(ctx context.Context, dev *device, nav *terminalNavigator, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if execLine(ctx, dev, nav, out, sc.Text()) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return sc.Err()
}

// execLine runs one shopper command and reports whether the session ends.
// Refused commands are printed, never returned.
func execLine(ctx context.Context, dev *device, nav *terminalNavigator, out io.Writer, line string) bool {
	args := fields(line)
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "scan", "remove":
		if len(args) < 2 {
			fmt.Fprintf(out, "usage: %s <barcode> [qty]\n", args[0])
			return false
		}
		qty := 1
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				fmt.Fprintf(out, "invalid quantity %q\n", args[2])
				return false
			}
			qty = n
		}
		var err error
		if args[0] == "scan" {
			err = dev.mirror.Scan(ctx, args[1], qty)
		} else {
			err = dev.mirror.Remove(ctx, args[1], qty)
		}
		if err != nil {
			fmt.Fprintf(out, "refused: %s\n", refusal(err))
		}
	case "retry":
		if err := dev.mirror.Retry(ctx); err != nil {
			fmt.Fprintf(out, "refused: %s\n", refusal(err))
		}
	case "show":
		renderState(out, dev.mirror.State())
	case "checkout":
		if len(args) < 2 {
			fmt.Fprintln(out, "usage: checkout <email>")
			return false
		}
		if err := dev.coord.Begin(ctx, args[1]); err != nil {
			fmt.Fprintf(out, "checkout failed: %s\n", refusal(err))
			return false
		}
		return nav.redirected()
	case "help":
		fmt.Fprintln(out, shopHelp)
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(out, "unknown command %q, type \"help\"\n", args[0])
	}
	return false
}

func refusal(err error) string {
	switch {
	case errors.Is(err, client.ErrSessionBusy):
		return "finish weighing the current product first"
	case errors.Is(err, client.ErrCheckoutPending):
		return "checkout in progress"
	case errors.Is(err, client.ErrEmptyCart):
		return "the cart is empty"
	case errors.Is(err, client.ErrNotInCart):
		return "that product is not in the cart"
	case errors.Is(err, client.ErrClosed):
		return "this cart session is closed"
	case errors.Is(err, client.ErrNoScale):
		return "no scale attached, place the item and wait for the server"
	case errors.Is(err, client.ErrCheckoutInFlight):
		return "a payment link is already being requested"
	}
	return err.Error()
}
