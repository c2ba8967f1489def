package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elnosh/nutpay/wallet"
	"github.com/elnosh/nutpay/wallet/api"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "nutpayd",
		Usage: "serve the wallet over a local json api",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config file",
			},
			&cli.StringFlag{
				Name:  "addr",
				Value: "127.0.0.1:8339",
				Usage: "address to listen on",
			},
			&cli.StringFlag{
				Name:    "token",
				EnvVars: []string{"NUTPAY_API_TOKEN"},
				Usage:   "bearer token required by the api",
			},
			&cli.DurationFlag{
				Name:  "reconcile-interval",
				Value: 5 * time.Minute,
				Usage: "how often to reconcile pending operations, 0 to disable",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// a missing .env is fine, config and env vars may be set elsewhere
	godotenv.Load()

	config, err := wallet.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	logger := wallet.NewLogger(os.Stderr, config.LogLevel)
	config.Logger = logger

	w, err := wallet.LoadWallet(config)
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if interval := c.Duration("reconcile-interval"); interval > 0 {
		go reconcileLoop(ctx, w, interval, logger)
	}

	server := api.NewServer(w, api.Options{Token: c.String("token")}, logger)
	return server.ListenAndServe(ctx, c.String("addr"))
}

// reconcileLoop reconciles once at startup and then every interval.
func reconcileLoop(ctx context.Context, w *wallet.Wallet, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.Error("error reconciling wallet", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
