// Command shopdb runs the shop database admin service.
//
// Usage:
//
//	shopdb [-config shopdb.yaml]                 serve the admin API
//	shopdb token [-config shopdb.yaml] [-ttl 1h]  print an admin bearer token
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/koustreak/shopdb/internal/archive/minio"
	"github.com/koustreak/shopdb/internal/config"
	"github.com/koustreak/shopdb/internal/logger"
	"github.com/koustreak/shopdb/internal/pool"
	"github.com/koustreak/shopdb/internal/provision"
	"github.com/koustreak/shopdb/internal/server"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 && (args[0] == "serve" || args[0] == "token") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "token":
		err = runToken(args)
	default:
		err = runServe(args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "shopdb %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log.LoggerConfig(os.Stdout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pools, err := pool.Initialize(ctx, cfg.DataDir, pool.WithLogger(log))
	if err != nil {
		return err
	}
	defer pools.Shutdown(context.Background())

	opts := []provision.Option{provision.WithLogger(log)}
	if cfg.Archive.Enabled {
		store, err := minio.New(ctx, cfg.Archive.StoreConfig())
		if err != nil {
			return err
		}
		log.With().Str("bucket", store.Bucket()).Logger().Info("archiving deleted shop databases")
		opts = append(opts, provision.WithArchive(store))
	}
	factory := provision.New(pools, opts...)

	res, err := factory.MigrateRegistry(ctx)
	if err != nil {
		return err
	}
	log.With().Int("version", res.ToVersion).Logger().Info("registry ready")

	srv := server.New(factory, log, server.WithAuthSecret(cfg.HTTP.AuthSecret))
	if err := srv.Run(ctx, cfg.HTTP); err != nil {
		return err
	}

	log.Info("shutting down")
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	subject := fs.String("subject", "admin", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.HTTP.AuthSecret == "" {
		return errors.New("http.auth_secret is not set")
	}

	token, err := server.IssueToken([]byte(cfg.HTTP.AuthSecret), *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
