// Command ringsim drives a DMA ring engine against a simulated MAC.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ringsim",
	Short: "Exercise the stmmac DMA ring engine against a simulated device",
	Long: `ringsim builds a descriptor ring engine for a MAC100 or GMAC core,
attaches it to a software DMA bus master and pushes generated UDP traffic
through the transmit ring. In loopback mode every transmitted frame is fed
back into the receive FIFO.`,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to config YAML file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
