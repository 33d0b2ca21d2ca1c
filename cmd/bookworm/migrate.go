package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bookworm/internal/config"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the record and event tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.ValidateStorage(); err != nil {
				return err
			}
			if cfg.Store == config.StoreMemory {
				return errors.New("nothing to migrate for the memory store")
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat)

			st, _, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info().Str("store", cfg.Store).Msg("schema up to date")
			return nil
		},
	}
}
