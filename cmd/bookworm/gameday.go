package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bookworm/internal/chaos"
	"bookworm/internal/clients"
	"bookworm/internal/config"
)

func newGameDayCommand(v *viper.Viper) *cobra.Command {
	var (
		url            string
		concurrency    int
		waiters        int
		duration       time.Duration
		sampleInterval time.Duration
		pause          time.Duration
		asJSON         bool
	)
	cmd := &cobra.Command{
		Use:   "gameday",
		Short: "Run lending experiments against a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
				return errors.New("gameday needs admin-email and admin-password to provision books")
			}
			logger := newLogger(cfg.LogLevel, cfg.LogFormat)
			ctx := cmd.Context()

			client := clients.NewLendingClient(url, clients.WithLogger(logger))
			lab, err := chaos.NewLending(ctx, client, cfg.AdminEmail, cfg.AdminPassword, logger)
			if err != nil {
				return err
			}
			engine := chaos.NewEngine(chaos.WithSampleInterval(sampleInterval), chaos.WithLogger(logger))
			lab.RegisterExperiments(engine, concurrency, waiters, duration)

			results, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
				Name:      "Lending Game Day",
				Date:      time.Now(),
				Scenarios: engine.Experiments(),
				Pause:     pause,
			}, cmd.ErrOrStderr())
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(results); encErr != nil {
					return encErr
				}
			}
			if err != nil {
				return err
			}
			for _, r := range results {
				if !r.HypothesisHeld {
					return fmt.Errorf("experiment %s: hypothesis violated", r.ExperimentName)
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&url, "url", "http://localhost:8080", "base URL of the bookworm server")
	flags.IntVar(&concurrency, "concurrency", 20, "simultaneous checkouts against one copy")
	flags.IntVar(&waiters, "waiters", 5, "members queued behind a borrowed copy")
	flags.DurationVar(&duration, "duration", 5*time.Second, "observation window per experiment")
	flags.DurationVar(&sampleInterval, "sample-interval", time.Second, "steady state sampling interval")
	flags.DurationVar(&pause, "pause", 2*time.Second, "pause between experiments")
	flags.BoolVar(&asJSON, "json", false, "print results as JSON on stdout")
	return cmd
}
