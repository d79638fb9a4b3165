package cli

import (
	"context"
	"errors"
	"io"

	"github.com/fjod/go_cart/cartsync/internal/client"
	"github.com/spf13/cobra"
)

type HistoryOptions struct {
	*RootOptions
	Limit int
}

func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "history",
		Short:         "List completed purchases, newest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

			api, err := client.NewAPI(opts.ServerURL, opts.Token, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid server", err)
			}
			records, err := api.History(ctx, opts.Limit)
			if err != nil {
				code := "E_HISTORY"
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && apiErr.Code != "" {
					code = apiErr.Code
				}
				_ = formatter.Error(code, err.Error())
				return WrapExitError(ExitCommandError, "load history", err)
			}
			return formatter.Success(records, func(w io.Writer) { renderHistory(w, records) })
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of purchases (1-100)")
	return cmd
}
