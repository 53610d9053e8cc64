// Command dohgateway runs the DoH gateway: a DoH server pipeline (HTTP/2
// DoH termination fronting a classic DNS upstream) and/or a DoH stub
// pipeline (classic DNS ingress forwarded to a DoH upstream), either or
// both enabled per configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"

	"github.com/openresolve/doh-gateway/internal/config"
	"github.com/openresolve/doh-gateway/internal/dohserver"
	"github.com/openresolve/doh-gateway/internal/dohstub"
	"github.com/openresolve/doh-gateway/internal/logging"
	"github.com/openresolve/doh-gateway/internal/metrics"
	"github.com/openresolve/doh-gateway/internal/tlsconfig"
	"github.com/openresolve/doh-gateway/internal/upstream"
)

func main() {
	defaultOverride := os.Getenv("CONFIG_PATH")
	overridePath := flag.String("config", defaultOverride, "Path to YAML config override file")
	flag.Parse()

	cfg, err := config.Load(*overridePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(os.Stdout, logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logging.Fatal(logger, "gateway exited with error", "error", err)
	}
}

// run starts the configured pipelines and blocks until ctx is cancelled or
// a listener fails, then shuts everything down cleanly.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	metrics.Init()

	errCh := make(chan error, 4)
	var shutdowns []func(context.Context) error

	if cfg.MetricsEnabled() {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		shutdowns = append(shutdowns, metricsSrv.Shutdown)
		logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	if cfg.Server.Listen != "" {
		tlsCfg, err := tlsconfig.Server(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Ciphers)
		if err != nil {
			return fmt.Errorf("build doh server tls context: %w", err)
		}
		handler := dohserver.NewHandler(dohserver.Config{
			Endpoint:       cfg.Server.Endpoint,
			Timeout:        cfg.Server.Timeout.Duration,
			TrustedProxies: cfg.Server.TrustedProxies,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
			Debug:          cfg.Debug(),
		}, upstream.NewClient(cfg.Server.Upstream, logger), logger)

		httpSrv := &http.Server{
			Addr:      cfg.Server.Listen,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		if err := http2.ConfigureServer(httpSrv, &http2.Server{}); err != nil {
			return fmt.Errorf("configure http/2: %w", err)
		}
		go func() {
			if err := httpSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("doh server: %w", err)
			}
		}()
		shutdowns = append(shutdowns, httpSrv.Shutdown)
		logger.Info("doh server listening", "addr", cfg.Server.Listen, "endpoint", cfg.Server.Endpoint, "upstream", cfg.Server.Upstream)
	}

	if cfg.Stub.Listen != "" {
		clientTLS, err := tlsconfig.Client(cfg.Insecure(), cfg.TLS.CAFile)
		if err != nil {
			return fmt.Errorf("build stub tls context: %w", err)
		}
		pipeline := dohstub.NewPipeline(dohstub.Config{
			UpstreamURL:    cfg.Stub.UpstreamURL,
			UsePOST:        cfg.UsePOST(),
			TLSConfig:      clientTLS,
			DialTimeout:    cfg.Stub.DialTimeout.Duration,
			RequestTimeout: cfg.Stub.RequestTimeout.Duration,
		}, logger)

		udpSrv, tcpSrv := pipeline.Servers(cfg.Stub.Listen)
		for _, srv := range []*dns.Server{udpSrv, tcpSrv} {
			s := srv
			go func() {
				if err := s.ListenAndServe(); err != nil {
					select {
					case <-ctx.Done():
					default:
						errCh <- fmt.Errorf("stub %s listener: %w", s.Net, err)
					}
				}
			}()
			shutdowns = append(shutdowns, func(context.Context) error { return s.Shutdown() })
		}
		logger.Info("doh stub listening", "addr", cfg.Stub.Listen, "upstream_url", cfg.Stub.UpstreamURL)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("listener error, shutting down", "error", err)
	}

	shutdownCtx := context.Background()
	for _, shutdown := range shutdowns {
		_ = shutdown(shutdownCtx)
	}
	return nil
}
