// Command exchange runs the matching engine server: a framed XML
// protocol over TCP in front of a Postgres-backed order book, plus an
// HTTP admin surface for health and metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dylanlott/exchange/pkg/engine"
	"github.com/dylanlott/exchange/pkg/server"
	"github.com/dylanlott/exchange/pkg/store/pgstore"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "exchange",
		Short: "a limit-order matching engine in Go",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	viper.AutomaticEnv()
	viper.SetDefault("PORT", 12345)
	viper.SetDefault("ADMIN_ADDR", ":1323")
	viper.SetDefault("WORKERS", 10)
	viper.SetDefault("READ_TIMEOUT", 30)
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_NAME", "exchange")
	viper.SetDefault("DB_USER", "exchange")
	viper.SetDefault("DB_PASSWORD", "")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		viper.GetString("DB_USER"),
		viper.GetString("DB_PASSWORD"),
		viper.GetString("DB_HOST"),
		viper.GetInt("DB_PORT"),
		viper.GetString("DB_NAME"))

	db, err := pgstore.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	eng := engine.New(db, log)
	router := server.NewRouter(eng, log)
	srv := server.New(server.Config{
		Addr:        fmt.Sprintf(":%d", viper.GetInt("PORT")),
		Workers:     viper.GetInt("WORKERS"),
		ReadTimeout: time.Duration(viper.GetInt("READ_TIMEOUT")) * time.Second,
	}, router, log)

	admin := server.NewAdmin(func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return db.Ping(pingCtx)
	})
	go func() {
		if err := admin.Start(viper.GetString("ADMIN_ADDR")); err != nil {
			log.Warn("admin server stopped", "err", err)
		}
	}()

	return srv.Serve(ctx)
}
