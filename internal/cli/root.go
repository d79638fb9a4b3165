// Package cli implements cartctl, a terminal client for the cart server:
// a shopping session with scale simulation, the payment return and the
// purchase history.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fjod/go_cart/cartsync/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	config.Client
	Verbose bool
	Format  string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}
	defaults, err := config.LoadClient()
	if err != nil {
		defaults = config.Client{}
	}
	opts.Client = defaults

	cmd := &cobra.Command{
		Use:   "cartctl",
		Short: "cartctl - smart cart terminal",
		Long:  "Drive a smart cart session from the terminal: scan, weigh, pay and review purchases.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Token == "" {
				return fmt.Errorf("missing token: set --token or CARTSYNC_TOKEN")
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	f.StringVar(&opts.ServerURL, "server", defaults.ServerURL, "cart server base URL")
	f.StringVar(&opts.Token, "token", defaults.Token, "bearer token")
	f.StringVar(&opts.DeviceID, "device", defaults.DeviceID, "device id used for the local cache")
	f.StringVar(&opts.RedisAddr, "redis-addr", defaults.RedisAddr, "redis address for the snapshot cache, empty disables it")
	f.StringVar(&opts.HandoffDBPath, "handoff-db", defaults.HandoffDBPath, "sqlite file holding the payment handoff")
	f.DurationVar(&opts.ReconnectDelay, "reconnect-delay", orDefault(defaults.ReconnectDelay, 3*time.Second), "delay between reconnect attempts")
	f.IntVar(&opts.ReconnectAttempts, "reconnect-attempts", defaults.ReconnectAttempts, "reconnect attempts before giving up")

	cmd.AddCommand(NewShopCommand(opts))
	cmd.AddCommand(NewReturnCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func (o *RootOptions) logger(w io.Writer) logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(w)
	log.SetLevel(logrus.WarnLevel)
	if o.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
