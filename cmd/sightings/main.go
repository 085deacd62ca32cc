package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geo-sightings/internal/application/retention"
	"github.com/geo-sightings/internal/application/tiersync"
	"github.com/geo-sightings/internal/config"
	"github.com/geo-sightings/internal/domain"
	jwtinfra "github.com/geo-sightings/internal/infrastructure/jwt"
	"github.com/geo-sightings/internal/infrastructure/remote"
	"github.com/geo-sightings/internal/infrastructure/sqlite"
	"github.com/geo-sightings/internal/pkg/clock"
	"github.com/geo-sightings/internal/pkg/geo"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// client is everything a command needs. The caller must defer Close.
type client struct {
	cfg     *config.ClientConfig
	db      *sql.DB
	remote  *remote.EventStore
	cache   *sqlite.EventCache
	marks   *sqlite.WatermarkRepo
	manager *tiersync.Manager
	clock   clock.Clock
}

func (c *client) Close() error { return c.db.Close() }

func newClient() (*client, error) {
	configPath, _, err := config.ClientPaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.ReadClientFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}

	db, err := sqlite.Open(cfg.CachePath)
	if err != nil {
		return nil, err
	}
	clk := clock.Real{}
	server := remote.NewEventStore(cfg.APIURL, cfg.APIKey, nil)
	cache := sqlite.NewEventCache(db, cfg.Retention.Duration, clk)
	marks := sqlite.NewWatermarkRepo(db, clk)
	return &client{
		cfg:    cfg,
		db:     db,
		remote: server,
		cache:  cache,
		marks:  marks,
		manager: tiersync.NewManager(tiersync.ManagerDeps{
			Server:       server,
			Cache:        cache,
			Watermarks:   marks,
			Clock:        clk,
			FetchTimeout: cfg.FetchTimeout.Duration,
		}),
		clock: clk,
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pointFlags(cmd *cobra.Command) geo.Point {
	lat, _ := cmd.Flags().GetFloat64("lat")
	lon, _ := cmd.Flags().GetFloat64("lon")
	return geo.Point{Lat: lat, Lon: lon}
}

func printEvent(e *domain.Event) {
	fmt.Printf("%s  %-6s  %9.5f %10.5f  %s  expires %s\n",
		e.ID, e.Category, e.Location.Latitude, e.Location.Longitude,
		e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		e.ExpiresAt.Local().Format("15:04"))
}

var rootCmd = &cobra.Command{
	Use:   "sightings",
	Short: "Report and follow nearby sightings",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration with a new device ID",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, baseDir, err := config.ClientPaths()
		if err != nil {
			return err
		}
		apiURL, _ := cmd.Flags().GetString("api-url")
		cfg := config.NewClientConfig(apiURL, baseDir)
		cfg.APIKey, _ = cmd.Flags().GetString("api-key")

		if err := config.InitClientFile(configPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		fmt.Printf("Configuration initialized at %s\n", configPath)
		fmt.Printf("Device ID: %s\n", cfg.DeviceID)
		fmt.Printf("Cache:     %s\n", cfg.CachePath)
		return nil
	},
}

// report command
var reportCmd = &cobra.Command{
	Use:   "report CATEGORY",
	Short: "Report a sighting (ICE, Army or Police)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := signalContext()
		defer cancel()
		res, err := c.remote.Report(ctx, domain.CreateEventRequest{
			Category: domain.Category(args[0]),
			Location: domain.LocationFrom(pointFlags(cmd)),
		})
		if err != nil {
			return fmt.Errorf("report failed: %w", err)
		}
		if res.Event != nil {
			if err := c.cache.Upsert(ctx, res.Event); err != nil {
				slog.Warn("could not cache reported event", "event_id", res.MessageID, "err", err)
			}
		}
		fmt.Printf("Reported %s, %d device(s) notified\n", res.MessageID, res.NotifiedDevices)
		return nil
	},
}

// register command
var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this device for nearby push notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			token = c.cfg.PushToken
		}
		ctx, cancel := signalContext()
		defer cancel()

		loc := domain.LocationFrom(pointFlags(cmd))
		var sub *domain.Subscription
		if relocate, _ := cmd.Flags().GetBool("relocate"); relocate {
			sub, err = c.remote.Relocate(ctx, c.cfg.DeviceID, domain.RelocateRequest{Location: loc})
		} else {
			sub, err = c.remote.Subscribe(ctx, domain.RegisterDeviceRequest{Token: token, DeviceID: c.cfg.DeviceID, Location: loc})
		}
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		fmt.Printf("Device %s subscribed at cell %s\n", sub.DeviceID, sub.CellCode)
		return nil
	},
}

// query command
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List live sightings near a point",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		radius, _ := cmd.Flags().GetFloat64("radius")
		if radius == 0 {
			radius = c.cfg.RadiusMiles
		}
		center := pointFlags(cmd)
		ctx, cancel := signalContext()
		defer cancel()

		events, err := c.manager.Query(ctx, center, radius)
		if err != nil {
			return err
		}
		if c.manager.State(tiersync.CellKey(center)) == tiersync.StateOffline {
			fmt.Fprintln(os.Stderr, "server unreachable, showing cached sightings")
		}
		if len(events) == 0 {
			fmt.Println("No sightings nearby.")
			return nil
		}
		for _, e := range events {
			printEvent(e)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print new sightings near a point as they appear",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		radius, _ := cmd.Flags().GetFloat64("radius")
		if radius == 0 {
			radius = c.cfg.RadiusMiles
		}
		every, _ := cmd.Flags().GetDuration("every")
		ctx, cancel := signalContext()
		defer cancel()

		feed, err := c.manager.Watch(ctx, pointFlags(cmd), radius, every)
		if err != nil {
			return err
		}
		defer feed.Stop()
		for e := range feed.Events() {
			printEvent(e)
		}
		return feed.Err()
	},
}

// sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop cached sightings past the retention window and idle watermarks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		defer c.Close()

		sw := retention.NewSweeper(c.clock, retention.DefaultBatchSize, nil,
			retention.Target{Name: "cached_events", Tier: retention.TierClient, Store: c.cache, Field: domain.FieldExpiresAt},
			retention.Target{Name: "watermarks", Tier: retention.TierClient, Store: c.marks, Field: domain.FieldUpdatedAt, Age: c.cfg.WatermarkMaxAge.Duration},
		)
		ctx, cancel := signalContext()
		defer cancel()

		res := sw.Sweep(ctx, retention.TierClient)
		for _, t := range res.Targets {
			fmt.Printf("%-14s deleted %d in %d batch(es)\n", t.Name, t.Deleted, t.Batches)
		}
		if res.Partial != nil {
			return fmt.Errorf("sweep incomplete: %w", res.Partial)
		}
		return nil
	},
}

// token command
var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Sign an operator token for the admin endpoints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyPath, _ := cmd.Flags().GetString("key")
		if keyPath == "" {
			configPath, _, err := config.ClientPaths()
			if err != nil {
				return err
			}
			cfg, err := config.ReadClientFile(configPath)
			if err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
			keyPath = cfg.OperatorKeyPath
		}
		if keyPath == "" {
			return fmt.Errorf("no signing key: pass --key or set operator_key_path")
		}
		key, err := jwtinfra.LoadPrivateKey(keyPath)
		if err != nil {
			return err
		}
		ttl, _ := cmd.Flags().GetDuration("ttl")
		tok, err := jwtinfra.New(key, nil, ttl).Sign(args[0], jwtinfra.RoleOperator)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func addPointFlags(cmd *cobra.Command) {
	cmd.Flags().Float64("lat", 0, "latitude")
	cmd.Flags().Float64("lon", 0, "longitude")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")

	configInitCmd.Flags().String("api-url", "http://localhost:3000", "sightings API base URL")
	configInitCmd.Flags().String("api-key", "", "client API key")
	configCmd.AddCommand(configInitCmd)

	addPointFlags(reportCmd)

	addPointFlags(registerCmd)
	registerCmd.Flags().String("token", "", "push token (defaults to push_token in config)")
	registerCmd.Flags().Bool("relocate", false, "move an existing registration instead of creating one")

	addPointFlags(queryCmd)
	queryCmd.Flags().Float64("radius", 0, "radius in miles (defaults to radius_miles in config)")

	addPointFlags(watchCmd)
	watchCmd.Flags().Float64("radius", 0, "radius in miles (defaults to radius_miles in config)")
	watchCmd.Flags().Duration("every", 30*time.Second, "poll interval")

	tokenCmd.Flags().String("key", "", "RSA private key (defaults to operator_key_path in config)")
	tokenCmd.Flags().Duration("ttl", 12*time.Hour, "token lifetime")

	rootCmd.AddCommand(configCmd, reportCmd, registerCmd, queryCmd, watchCmd, sweepCmd, tokenCmd)
}
