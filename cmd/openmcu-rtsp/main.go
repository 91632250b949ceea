// Command openmcu-rtsp runs the RTSP signaling core as a standalone
// process: it decodes a JSON config file into pkg/rtsp/config, binds
// every configured listener through pkg/rtsp/manager, and serves
// Prometheus metrics over HTTP — the Go equivalent of the original
// openmcu-ru process embedding MCURtspConnection inside its own
// listener/config/monitoring loop, generalized the way
// emiago-diago/cmd/gopbx/main.go wires a zerolog console writer and a
// signal.NotifyContext shutdown around its own dialplan loop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Shaddy1884/openmcu/pkg/rtsp/conference"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/config"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/manager"
	"github.com/Shaddy1884/openmcu/pkg/rtsp/metrics"
)

func main() {
	configPath := flag.String("config", "openmcu-rtsp.json", "path to the JSON configuration file")
	metricsAddr := flag.String("metrics", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	flag.Parse()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *configPath, *metricsAddr); err != nil {
		log.Fatal().Err(err).Msg("openmcu-rtsp exited with error")
	}
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	raw, err := loadConfigFile(configPath)
	if err != nil {
		return err
	}

	cfg, err := config.Decode(raw)
	if err != nil {
		return err
	}
	if !cfg.Enable {
		log.Info().Msg("RTSP core disabled in config, exiting")
		return nil
	}

	mc := metrics.New(metrics.DefaultConfig())
	registry := conference.New()
	policy := config.NewPolicy(cfg)

	mgr, err := manager.New(policy, registry, cfg.NatIP, mc)
	if err != nil {
		return err
	}

	for _, addr := range cfg.Listener {
		if err := mgr.AddListener(addr); err != nil {
			return err
		}
	}

	go serveMetrics(ctx, metricsAddr, mc)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// loadConfigFile reads configPath as JSON into a generic map, the
// input shape config.Decode's mapstructure.Decoder expects regardless
// of whether the caller's JSON, YAML or INI loader produced it.
func loadConfigFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// serveMetrics exposes mc's registry at /metrics until ctx is
// canceled, the "package-level prometheus.Registry the host process
// can expose" SPEC_FULL.md's Metrics section calls for. A nil
// Collector (metrics disabled) skips serving entirely.
func serveMetrics(ctx context.Context, addr string, mc *metrics.Collector) {
	if mc == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(mc.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("serving Prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("metrics server exited with error")
	}
}
