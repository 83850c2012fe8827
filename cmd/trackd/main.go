// Package main is the trackd binary: the tracking API server, a terminal
// live-tracking client and database maintenance commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trackd/config"
	"trackd/internal/db"
	"trackd/internal/eta"
	"trackd/internal/geo"
	"trackd/internal/livetrack"
	"trackd/internal/logs"
	"trackd/internal/models"
	"trackd/internal/movement"
	"trackd/internal/repo"
	"trackd/server"

	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
	appName = "trackd"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Live location and ETA tracking for delivery vehicles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./trackd.yaml)")

	cmd.AddCommand(
		serveCmd(&configPath),
		watchCmd(&configPath),
		migrateCmd(&configPath),
		dispatchCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
	)
	return cmd
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: "Run the HTTP API. Without database.driver positions live in memory and\n" +
			"tracking numbers resolve only against the deliveries list in the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := config.NewLoader(*configPath)
			if err != nil {
				return err
			}
			cfg, err := l.Config()
			if err != nil {
				return err
			}
			app := &server.App{}
			if err := app.Initialize(cfg); err != nil {
				return err
			}
			app.WatchConfig(l)
			return app.Run()
		},
	}
}

func watchCmd(configPath *string) *cobra.Command {
	var (
		baseURL  string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <tracking-number>",
		Short: "Follow a delivery live in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})

			if baseURL == "" {
				baseURL = cfg.Client.BaseURL
			}
			if interval == 0 {
				interval = cfg.Client.PollInterval
			}
			if interval < 5*time.Second || interval > 10*time.Second {
				return fmt.Errorf("interval %s outside 5s..10s", interval)
			}
			est, err := eta.New(cfg.ETA.AvgSpeedKMH)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := livetrack.NewSession(args[0],
				livetrack.NewHTTPFetcher(baseURL, interval),
				livetrack.LogView{Log: logs.Component("watch").WithField("tracking_id", args[0])},
				livetrack.Options{
					Interval:   interval,
					Classifier: movement.NewClassifier(server.Thresholds(cfg.Movement)),
					Estimator:  est,
				})
			if err := s.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			s.Stop()
			s.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "trackd base URL (default client.base_url)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval, 5s..10s (default client.poll_interval)")
	return cmd
}

func loadDBConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == "" {
		return nil, errors.New("database.driver is not set")
	}
	return cfg, nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDBConfig(*configPath)
			if err != nil {
				return err
			}
			d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(d); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

// dispatchCmd writes a delivery row; normally the dispatch system owns
// that table, this is for local setups and demos.
func dispatchCmd(configPath *string) *cobra.Command {
	var (
		device   string
		lat, lng float64
		status   string
	)
	cmd := &cobra.Command{
		Use:   "dispatch <tracking-number>",
		Short: "Create or update a delivery and optionally assign a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (geo.Point{Lat: lat, Lng: lng}).Validate(); err != nil {
				return err
			}
			cfg, err := loadDBConfig(*configPath)
			if err != nil {
				return err
			}
			d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
			if err != nil {
				return err
			}
			if err := db.Migrate(d); err != nil {
				return err
			}
			del := models.Delivery{
				TrackingNumber: args[0],
				DestinationLat: lat,
				DestinationLng: lng,
				Status:         status,
			}
			if device != "" {
				del.DeviceID = &device
			}
			saved, err := repo.NewDeliveryStore(d).Upsert(cmd.Context(), del)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "delivery %s saved (id %d)\n", saved.TrackingNumber, saved.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device id carrying the delivery")
	cmd.Flags().Float64Var(&lat, "dest-lat", 0, "destination latitude")
	cmd.Flags().Float64Var(&lng, "dest-lng", 0, "destination longitude")
	cmd.Flags().StringVar(&status, "status", "Processing", "delivery status")
	_ = cmd.MarkFlagRequired("dest-lat")
	_ = cmd.MarkFlagRequired("dest-lng")
	return cmd
}
