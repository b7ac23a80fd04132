// Command imagecached serves images from a backend store through a local
// image cache.
//
// Usage:
//
//	imagecached -backend-dir /var/lib/images -cache-dir /var/cache/images
//	imagecached -config /etc/imagecached.toml -log-level debug
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/imagecache"
	"github.com/meigma/imagecache/backend"
	"github.com/meigma/imagecache/backend/filesystem"
	"github.com/meigma/imagecache/backend/oci"
	imagehttp "github.com/meigma/imagecache/http"
	"github.com/meigma/imagecache/prune"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "imagecached: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	exporter, err := otelprom.New()
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	defer func() {
		_ = mp.Shutdown(context.Background()) //nolint:errcheck // exiting
	}()

	store, err := openBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}

	cache, err := imagecache.Open(cfg.cacheConfig(), store,
		imagecache.WithLogger(logger),
		imagecache.WithMeterProvider(mp),
	)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer cache.Close()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Prune.enabled() && cache.Enabled() {
		pruner := prune.New(cache.Driver(),
			prune.WithPolicy(prunePolicies(cfg.Prune)...),
			prune.WithConcurrency(cfg.Prune.Concurrency),
			prune.WithLogger(logger),
		)
		logger.Info("pruning cache", "interval", cfg.Prune.Interval.Duration)
		g.Go(func() error {
			pruner.Run(ctx, cfg.Prune.Interval.Duration)
			return nil
		})
	}

	api := imagehttp.NewServer(cache, store, imagehttp.WithLogger(logger))
	servers := []*http.Server{{
		Addr:              cfg.Listen,
		Handler:           otelhttp.NewHandler(api.Handler(), "imagecached", otelhttp.WithMeterProvider(mp)),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		logger.Info("listening", "addr", ln.Addr().String())
		listeners = append(listeners, ln)
	}
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func openBackend(cfg backendConfig, logger *slog.Logger) (backend.Store, error) {
	switch cfg.Kind {
	case backendFilesystem:
		store, err := filesystem.New(cfg.Dir,
			filesystem.WithCompression(cfg.Compression),
			filesystem.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("open filesystem backend: %w", err)
		}
		return store, nil
	case backendOCI:
		opts := []oci.Option{
			oci.WithPlainHTTP(cfg.PlainHTTP),
			oci.WithLogger(logger),
		}
		switch {
		case cfg.Username != "":
			opts = append(opts, oci.WithStaticCredentials(registryHost(cfg.Repository), cfg.Username, cfg.Password))
		case cfg.DockerConfig:
			opts = append(opts, oci.WithDockerConfig())
		}
		if cfg.TempDir != "" {
			opts = append(opts, oci.WithTempDir(cfg.TempDir))
		}
		store, err := oci.New(cfg.Repository, opts...)
		if err != nil {
			return nil, fmt.Errorf("open oci backend: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}

// registryHost returns the registry part of a repository reference.
func registryHost(ref string) string {
	host, _, _ := strings.Cut(ref, "/")
	return host
}

func prunePolicies(cfg pruneConfig) []prune.Policy {
	var policies []prune.Policy
	if cfg.MaxIdle.Duration > 0 {
		policies = append(policies, prune.MaxIdle(cfg.MaxIdle.Duration))
	}
	if cfg.MinHits > 0 {
		policies = append(policies, prune.MinHits(cfg.MinHits, cfg.MinHitsGrace.Duration))
	}
	if cfg.MaxSize > 0 {
		policies = append(policies, prune.MaxSize(cfg.MaxSize))
	}
	return policies
}
