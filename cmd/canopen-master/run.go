package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ipa320/ros-canopen/pkg/master"

	// CAN bus drivers register themselves
	_ "github.com/ipa320/ros-canopen/pkg/can/socketcan"
	_ "github.com/ipa320/ros-canopen/pkg/can/virtual"
)

var (
	configPath   string
	busInterface string
	busChannel   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Bring the chain up and exchange process data until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := master.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if busInterface != "" {
			cfg.Bus.Interface = busInterface
		}
		if busChannel != "" {
			cfg.Bus.Channel = busChannel
		}

		chain, err := master.New(cfg)
		if err != nil {
			return err
		}
		if ok, reason := chain.Init(); !ok {
			return fmt.Errorf("chain init failed: %s", reason)
		}

		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		log.Info("shutting down")
		if ok, reason := chain.Shutdown(); !ok {
			return fmt.Errorf("chain shutdown failed: %s", reason)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "chain.yaml", "chain configuration file")
	runCmd.Flags().StringVarP(&busInterface, "interface", "i", "", "override bus interface (socketcan, virtual)")
	runCmd.Flags().StringVar(&busChannel, "channel", "", "override bus channel (e.g. can0)")
	rootCmd.AddCommand(runCmd)
}
