package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dhikr/internal/api"
	"dhikr/internal/auth"
	"dhikr/internal/config"
	"dhikr/internal/content"
	"dhikr/internal/database"
	"dhikr/internal/keycodec"
	"dhikr/internal/reminder"
	"dhikr/internal/webpush"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, fmt.Errorf("log config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*sql.DB, *database.Store, error) {
	sealKey, err := cfg.SealKey()
	if err != nil {
		return nil, nil, err
	}
	db, err := database.Initialize(cfg.Database.Driver, cfg.Database.DSN(), cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	return db, database.NewStore(db, cfg.Database.Driver, sealKey), nil
}

func newScheduler(cfg *config.Config, store *database.Store, client *webpush.Client) (*reminder.Scheduler, error) {
	src, err := content.Load(cfg.Content.File)
	if err != nil {
		return nil, err
	}
	return reminder.NewScheduler(store, src, client, reminder.Options{
		TickInterval:     cfg.Scheduler.TickInterval,
		ConcurrencyLimit: cfg.Scheduler.ConcurrencyLimit,
		InterBatchDelay:  cfg.Scheduler.InterBatchDelay,
	}), nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the settings API and the reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(*configPath)
		},
	}
}

func serve(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateAuth(); err != nil {
		return err
	}
	validator, err := auth.NewValidator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	client, err := cfg.PushClient()
	if err != nil {
		return fmt.Errorf("vapid: %w", err)
	}
	logrus.WithField("vapid", client.Signer.Keys().String()).Info("Web push configured")

	db, store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	if cfg.Scheduler.Enabled {
		scheduler, err := newScheduler(cfg, store, client)
		if err != nil {
			return err
		}
		worker := reminder.NewWorker(scheduler)
		workers.Go(func() { worker.Run(ctx) })
	} else {
		logrus.Info("Reminder scheduler disabled (set scheduler.enabled=true to enable)")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          api.ErrorHandler,
		DisableStartupMessage: true,
	})

	// Middleware
	app.Use(logger.New())

	origins := cfg.Server.Origins()
	logrus.WithField("origins", origins).Info("CORS allowed origins")
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	api.SetupRoutes(app, api.Deps{
		Store:     store,
		Push:      client,
		Validator: validator,
		PublicKey: client.Signer.Keys().PublicKeyString(),
	})

	listenErr := make(chan error, 1)
	go func() {
		logrus.WithField("port", cfg.Server.Port).Info("Server starting")
		listenErr <- app.Listen(":" + cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
	case err := <-listenErr:
		stop()
		workers.Wait()
		return fmt.Errorf("listen: %w", err)
	}

	logrus.Info("Shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown incomplete")
	}
	workers.Wait()
	return nil
}

func tickCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick now and exit",
		Long: `Runs a single scheduler tick, for cron-driven deployments. Do not run it
while a "serve" process with the scheduler enabled uses the same database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			client, err := cfg.PushClient()
			if err != nil {
				return fmt.Errorf("vapid: %w", err)
			}
			db, store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			scheduler, err := newScheduler(cfg, store, client)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			report, err := scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tick %s: evaluated=%d eligible=%d delivered=%d expired=%d failed=%d not_attempted=%d\n",
				report.ID, report.Evaluated, report.Eligible, report.Delivered, report.Expired, report.Failed, report.NotAttempted)
			return nil
		},
	}
}

func vapidKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair and a database seal key",
		RunE: func(cmd *cobra.Command, args []string) error {
			privateKey, publicKey, err := webpushgo.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("generate vapid keys: %w", err)
			}
			sealKey := make([]byte, 32)
			if _, err := rand.Read(sealKey); err != nil {
				return fmt.Errorf("generate seal key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", publicKey)
			fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", privateKey)
			fmt.Fprintf(out, "DATABASE_SEAL_KEY=%s\n", keycodec.Encode(sealKey))
			return nil
		},
	}
}

func tokenCmd(configPath *string) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a settings API token for local development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.ValidateAuth(); err != nil {
				return err
			}
			v, err := auth.NewValidator(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			token, err := v.GenerateToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
