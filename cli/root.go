// Package cli holds the lifecenter command tree.
package cli

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"lifecenter/config"
)

type rootOptions struct {
	ConfigPath string
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}

// New builds the root command.
func New() *cobra.Command {
	ro := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "lifecenter",
		Short:         "Personal planner: tasks, habits and projects kept in sync.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&ro.ConfigPath, "config", "c", "", "config file (default .lifecenter.yaml in LIFECENTER_CONFIG_PATH or ./)")

	addServe(cmd, ro)
	addInitStorage(cmd, ro)
	addSweep(cmd, ro)
	return cmd
}
