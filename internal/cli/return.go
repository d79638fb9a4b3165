package cli

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/client"
	"github.com/spf13/cobra"
)

func NewReturnCommand(rootOpts *RootOptions) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "return <return-url>",
		Short: "Finish a checkout after the payment provider redirects back",
		Long: `Match the provider return URL against the stored payment handoff.
An approved payment is confirmed and waits for the order; a rejected or
cancelled one reopens the cart.`,
		Example:       `  cartctl return 'http://localhost:8080/payment/return?status=approved&payment_id=123'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			out := cmd.OutOrStdout()

			params, err := client.ParseReturnURL(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "parse return url", err)
			}

			nav := &terminalNavigator{w: out}
			dev, err := newDevice(ctx, rootOpts, "", "", nav, rootOpts.logger(cmd.ErrOrStderr()))
			if errors.Is(err, client.ErrPaymentHandoffLost) {
				return WrapExitError(ExitFailure, "no checkout to resume on this device", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "prepare device", err)
			}
			defer dev.Close()

			stop, err := dev.attach(ctx, rootOpts, out)
			if err != nil {
				return WrapExitError(ExitCommandError, "open cart socket", err)
			}
			defer stop()

			ctx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			if err := dev.coord.Resume(ctx, params); err != nil {
				return WrapExitError(ExitFailure, "resume checkout", err)
			}
			if params.Status != client.ReturnApproved {
				return WrapExitError(ExitFailure, "payment "+string(params.Status), nil)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the server to complete the order")
	return cmd
}
