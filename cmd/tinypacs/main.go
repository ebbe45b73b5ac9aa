// Command tinypacs runs the PACS server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/pacsserver"
)

var (
	configFiles []string
	aeTitle     string
	port        int
)

var rootCmd = &cobra.Command{
	Use:   "tinypacs",
	Short: "A small PACS speaking DIMSE",
	Long: `tinypacs is a small picture archiving and communication system. It
accepts C-STORE, answers C-FIND/C-MOVE/C-GET over a hierarchical
patient/study/series/instance index, and supports the storage commitment
push model.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFiles...)
		if err != nil {
			return err
		}
		if aeTitle != "" {
			cfg.AE.AETitle = append([]string{aeTitle}, cfg.AE.AETitle...)
		}
		if port != 0 {
			cfg.AE.Port = port
		}
		if err := config.Validate(cfg); err != nil {
			return err
		}

		srv, err := pacsserver.New(cfg)
		if err != nil {
			return err
		}
		return srv.Run(context.Background())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringSliceVarP(&configFiles, "config", "c", nil,
		"config file; repeatable, later files override earlier ones")
	rootCmd.Flags().StringVarP(&aeTitle, "aet", "a", "",
		"AE title to serve under (prepended to the configured list)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0,
		"TCP port to listen on (overrides the configured port)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
