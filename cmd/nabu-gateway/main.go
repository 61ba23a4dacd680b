package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	dslog "github.com/grafana/dskit/log"
	"github.com/grafana/dskit/services"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/yunqiu21/nabu-tracer/modules/gateway"
	"github.com/yunqiu21/nabu-tracer/pkg/util/log"
)

const appName = "nabu-gateway"

type Config struct {
	HTTPListenAddress string      `yaml:"http_listen_address"`
	LogLevel          dslog.Level `yaml:"log_level"`
	LogFormat         string      `yaml:"log_format"`

	Gateway gateway.Config `yaml:"gateway"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddress, "http-listen-address", ":8080", "HTTP server listen address.")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")
	cfg.LogLevel.RegisterFlags(f)

	cfg.Gateway.RegisterFlagsAndApplyDefaults("gateway", f)
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.InitLogger(cfg.LogFormat, cfg.LogLevel)

	g, err := gateway.New(cfg.Gateway, logger)
	if err != nil {
		level.Error(logger).Log("msg", "error initialising gateway", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := services.NewManager(g.Services()...)
	if err != nil {
		level.Error(logger).Log("msg", "error creating service manager", "err", err)
		os.Exit(1)
	}
	if err := services.StartManagerAndAwaitHealthy(ctx, mgr); err != nil {
		level.Error(logger).Log("msg", "error starting services", "err", err)
		os.Exit(1)
	}

	r := mux.NewRouter()
	g.RegisterRoutes(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.HTTPListenAddress,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		level.Info(logger).Log("msg", "shutting down")
		_ = srv.Shutdown(context.Background())
	}()

	level.Info(logger).Log("msg", "starting "+appName, "addr", cfg.HTTPListenAddress, "nodes", len(cfg.Gateway.Nodes))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		level.Error(logger).Log("msg", "server failed", "err", err)
		os.Exit(1)
	}

	if err := services.StopManagerAndAwaitStopped(context.Background(), mgr); err != nil {
		level.Error(logger).Log("msg", "error stopping services", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// Parsing stops on the first unknown flag, so keep retrying on the
	// remaining parameters until the config flags are found or the
	// parameters run out.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
