package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/court-scheduler/internal/auth"
	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/config"
	"github.com/example/court-scheduler/internal/db"
	"github.com/example/court-scheduler/internal/engine"
	"github.com/example/court-scheduler/internal/migrate"
	"github.com/example/court-scheduler/internal/notify"
	"github.com/example/court-scheduler/internal/scheduler"
	"github.com/example/court-scheduler/internal/site"
	"github.com/example/court-scheduler/internal/store"
	"github.com/example/court-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler, execution engine and control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			slog.SetDefault(logger)

			loc, err := cfg.Location()
			if err != nil {
				return fmt.Errorf("timezone: %w", err)
			}
			window := booking.Window{Days: cfg.WindowDays, Lead: cfg.PreWindowLead, Location: loc}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}
			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			var st store.Store = store.NewPostgres(d)

			var mirror *store.Mirror
			if cfg.RedisURL != "" {
				opts, err := redis.ParseURL(cfg.RedisURL)
				if err != nil {
					return fmt.Errorf("redis url: %w", err)
				}
				mirror = store.NewMirror(st, redis.NewClient(opts), logger)
				st = mirror
			}

			var notifiers notify.Multi
			if cfg.DiscordWebhookURL != "" {
				notifiers = append(notifiers, notify.NewDiscord(cfg.DiscordWebhookURL))
			}
			if cfg.AMQPURL != "" {
				pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, logger)
				if err != nil {
					return fmt.Errorf("amqp: %w", err)
				}
				defer pub.Close()
				notifiers = append(notifiers, pub)
			}

			portal := site.New(site.Config{
				BaseURL:     cfg.PortalBaseURL,
				Username:    cfg.PortalUsername,
				Password:    cfg.PortalPassword,
				DryRun:      cfg.DryRun,
				EvidenceDir: cfg.EvidenceDir,
			}, logger)

			eng := engine.New(st, portal, notifiers, window, engine.DefaultConfig(), logger)
			sched := scheduler.New(st, eng, window, cfg.OrphanGrace, logger)

			if mirror != nil {
				restored, err := mirror.Restore(ctx)
				if err != nil {
					logger.Warn("redis restore failed", "err", err)
				} else if restored > 0 {
					logger.Info("restored bookings from redis mirror", "count", restored)
				}
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			ws := &web.Server{Auth: authStore, Store: st, Sched: sched, Loc: loc, Logger: logger}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), logger)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
