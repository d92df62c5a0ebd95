// Command cambio follows a client's currency-exchange operations in real time.
//
// Usage:
//
//	cambio setup
//	cambio watch [--operation ID]
//	cambio quote --type Compra --amount 100
//	cambio submit --operation ID --deposit 200:REF1:voucher1.jpg --deposit 175:REF2:voucher2.jpg
//	cambio cancel ID --reason "..."
//	cambio uploads [--resubmit]
//
// The API token may be given in the config file or via CAMBIO_API_TOKEN.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vadiminshakov/cambio/config"
)

func main() {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:           "cambio",
		Short:         "Follow PEN/USD exchange operations in real time",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `cambio mirrors the operations of one client, keeps them in sync with the
backend over a live event channel, expires pending operations on time and
submits deposit proofs that add up to what the operation expects.`,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.DefaultPath, "path to yaml config")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "development logging")

	rootCmd.AddCommand(setupCmd(&opts))
	rootCmd.AddCommand(watchCmd(&opts))
	rootCmd.AddCommand(quoteCmd(&opts))
	rootCmd.AddCommand(createCmd(&opts))
	rootCmd.AddCommand(submitCmd(&opts))
	rootCmd.AddCommand(cancelCmd(&opts))
	rootCmd.AddCommand(uploadsCmd(&opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
