package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	"github.com/izavyalov-dev/redirectory/adapter"
	"github.com/izavyalov-dev/redirectory/captoken"
	"github.com/izavyalov-dev/redirectory/internal/config"
	"github.com/izavyalov-dev/redirectory/internal/observability"
	"github.com/izavyalov-dev/redirectory/internal/vcs/github"
	"github.com/izavyalov-dev/redirectory/persist"
	"github.com/izavyalov-dev/redirectory/reconcile"
	"github.com/izavyalov-dev/redirectory/revision"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "dump":
		err = runDump(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: redirectory <serve|dump> [flags]")
}

func loadConfig(name string, args []string) (*config.Config, error) {
	return config.Loader{FS: afero.NewOsFs(), Getenv: os.Getenv}.Load(name, args)
}

func runServe(args []string) error {
	cfg, err := loadConfig("serve", args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level := observability.ParseLevel(cfg.LogLevel)
	logger := observability.NewLoggerTo(os.Stdout, level, "redirectory")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := revision.Open(ctx, backend)
	if err != nil {
		return err
	}
	issuer, err := captoken.NewIssuer([]byte(cfg.Token.Secret), captoken.WithTTL(cfg.Token.TTL))
	if err != nil {
		return err
	}

	client := github.NewClient("")
	client.BaseURL = cfg.GitHub.APIURL
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	service := adapter.NewService(store, adapter.GitHubClients(client), issuer,
		adapter.WithLogger(observability.NewLoggerTo(os.Stdout, level, "adapter")),
		adapter.WithMetrics(metrics),
		adapter.WithReconcileOptions(reconcile.WithDownloadBase(cfg.GitHub.DownloadURL)),
	)
	handler := adapter.NewHTTPHandler(service, observability.NewLoggerTo(os.Stdout, level, "adapter.http"),
		adapter.WithPublicURL(cfg.PublicURL),
		adapter.WithHealth(client.BreakerStates),
	)

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("server started", "event", "server_started", "listen", cfg.Listen, "store_backend", cfg.Store.Backend)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "event", "server_stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// runDump prints the persisted revision document.
func runDump(args []string, out io.Writer) error {
	cfg, err := loadConfig("dump", args)
	if err != nil {
		return err
	}
	if err := cfg.Store.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	backend, closeBackend, err := openBackend(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeBackend()

	data, err := backend.Load(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("no document has been saved yet")
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return err
	}
	pretty.WriteByte('\n')
	_, err = pretty.WriteTo(out)
	return err
}

func openBackend(ctx context.Context, cfg config.StoreConfig) (revision.Backend, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendFile:
		backend, err := persist.NewFile(afero.NewOsFs(), cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return backend, noop, nil
	case config.BackendPostgres:
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, noop, err
		}
		backend := persist.NewPostgres(db, cfg.Document)
		if err := backend.ApplyMigrations(ctx); err != nil {
			_ = db.Close()
			return nil, noop, err
		}
		return backend, func() { _ = db.Close() }, nil
	case config.BackendS3:
		backend, err := persist.NewS3(ctx, persist.S3Config{
			Bucket:   cfg.S3.Bucket,
			Prefix:   cfg.S3.Prefix,
			Region:   cfg.S3.Region,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, noop, err
		}
		return backend, noop, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("redis ping: %w", err)
		}
		return persist.NewRedis(client, cfg.Redis.Key), func() { _ = client.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
