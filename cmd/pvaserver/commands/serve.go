package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/auth/plugins/anonymous"
	"github.com/epics-go/pvaccess/internal/auth/plugins/gssapi"
	"github.com/epics-go/pvaccess/internal/auth/plugins/token"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/server"
	"github.com/epics-go/pvaccess/pkg/config"
	"github.com/epics-go/pvaccess/pkg/kerberos"
	"github.com/epics-go/pvaccess/pkg/memprovider"
	"github.com/epics-go/pvaccess/pkg/serverapi"
)

var (
	serveListen        string
	serveServerPort    int
	serveBroadcastPort int
	serveBeaconPeriod  time.Duration
	serveProviderNames []string
	serveMetricsAddr   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a PV Access server",
	Long: `Run a PV Access server: a UDP search/beacon plane plus a TCP
request/response plane, exposing channels from the "memory" demo provider
(or any providers --provider-names selects).

Examples:
  # Serve on the default PV Access ports
  pvaserver serve

  # Serve on a non-standard TCP listen address
  pvaserver serve --listen :15075 --broadcast-port 15076`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "TCP listen address (default: :5075)")
	serveCmd.Flags().IntVar(&serveServerPort, "server-port", 0, "well-known search/TCP port (default: 5075)")
	serveCmd.Flags().IntVar(&serveBroadcastPort, "broadcast-port", 0, "UDP beacon/search broadcast port (default: 5076)")
	serveCmd.Flags().DurationVar(&serveBeaconPeriod, "beacon-period", 0, "interval between unsolicited beacon broadcasts (default: 15s)")
	serveCmd.Flags().StringSliceVar(&serveProviderNames, "provider-names", nil, "providers to expose, in order (default: all registered)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "enable Prometheus exposition on this address (e.g. :9090)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	applyServeFlags(cfg)

	if err := InitLogger(cfg); err != nil {
		return err
	}
	logger.Info("pvaserver starting", "config", getConfigSource(GetConfigFile()))

	authRegistry, err := buildAuthRegistry(cfg.Auth)
	if err != nil {
		return fmt.Errorf("pvaserver: building auth registry: %w", err)
	}

	registry := server.NewRegistry()
	demo := memprovider.New("demo:counter", "demo:voltage")
	if len(cfg.Server.ProviderNames) == 0 || containsName(cfg.Server.ProviderNames, demo.Name()) {
		registry.Register(demo)
	}

	reg := prometheus.NewRegistry()
	srv := serverapi.NewServer(serverapi.Config{
		ListenAddr:        cfg.Server.ListenAddr,
		BroadcastPort:     cfg.Server.BroadcastPort,
		BeaconPeriod:      cfg.Server.BeaconPeriod,
		Registry:          registry,
		AuthRegistry:      authRegistry,
		MetricsRegisterer: reg,
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("pvaserver: metrics server error", "error", err)
			}
		}()
		logger.Info("pvaserver: metrics enabled", "addr", cfg.Metrics.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("pvaserver: listening", "addr", cfg.Server.ListenAddr, "broadcast_port", cfg.Server.BroadcastPort, "guid", fmt.Sprintf("%x", srv.GUID()))
	fmt.Printf("pvaserver listening on %s (broadcast port %d). Press Ctrl+C to stop.\n", cfg.Server.ListenAddr, cfg.Server.BroadcastPort)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("pvaserver: shutdown signal received")
		cancel()
		srv.Stop()
		<-serverDone
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("pvaserver: server error", "error", err)
			return err
		}
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("pvaserver: stopped")
	return nil
}

// applyServeFlags overlays any explicitly-set serve flags onto cfg,
// since pkg/config.Load only layers file/env/defaults.
func applyServeFlags(cfg *config.Config) {
	if serveListen != "" {
		cfg.Server.ListenAddr = serveListen
	}
	if serveServerPort != 0 {
		cfg.Server.ServerPort = serveServerPort
	}
	if serveBroadcastPort != 0 {
		cfg.Server.BroadcastPort = serveBroadcastPort
	}
	if serveBeaconPeriod != 0 {
		cfg.Server.BeaconPeriod = serveBeaconPeriod
	}
	if len(serveProviderNames) > 0 {
		cfg.Server.ProviderNames = serveProviderNames
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = serveMetricsAddr
	}
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// buildAuthRegistry offers the anonymous plugin plus whichever plugin
// cfg selects, per SPEC_FULL.md §4.11.
func buildAuthRegistry(cfg config.AuthConfig) (*auth.Registry, error) {
	registry := auth.NewRegistry()
	registry.Register(anonymous.New())

	switch cfg.Plugin {
	case "gssapi":
		provider, err := kerberos.NewProvider(kerberos.Config{
			KeytabPath:       cfg.GSSAPI.KeytabPath,
			ServicePrincipal: cfg.GSSAPI.ServicePrincipal,
			Krb5ConfPath:     cfg.GSSAPI.Krb5Conf,
		})
		if err != nil {
			return nil, fmt.Errorf("gssapi plugin: %w", err)
		}
		registry.Register(gssapi.New(provider))
	case "token":
		plugin, err := token.New(cfg.Token.SigningKey, cfg.Token.Issuer)
		if err != nil {
			return nil, fmt.Errorf("token plugin: %w", err)
		}
		registry.Register(plugin)
	}

	return registry, nil
}
