package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "canopen-master",
	Short: "CANopen master for a chain of slave nodes",
	Long: `canopen-master drives a chain of CANopen slave nodes over a CAN
bus : it brings the nodes up in lockstep, exchanges process data via
PDOs paced by SYNC, and reports aggregated health.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
