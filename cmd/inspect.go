package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-sim/engine"
)

var inspectConfigPath string

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Load an engine config file and print its resolved geometry",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := engine.LoadEngineConfigYAML(inspectConfigPath)
		if err != nil {
			logrus.Fatalf("loading engine config: %v", err)
		}
		fmt.Println(cfg.Summary())
	},
}

func init() {
	inspectCmd.Flags().StringVar(&inspectConfigPath, "config", "", "path to an engine config YAML file")
	_ = inspectCmd.MarkFlagRequired("config")
}
