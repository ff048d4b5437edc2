package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
	"simulcastctl/internal/core/services"
	"simulcastctl/internal/handlers/console"
	httphandlers "simulcastctl/internal/handlers/http"
	"simulcastctl/internal/infrastructure/engine"
	"simulcastctl/internal/infrastructure/events"
	"simulcastctl/internal/infrastructure/monitoring"
	wsignal "simulcastctl/internal/infrastructure/signal"
	"simulcastctl/internal/infrastructure/transport"
	"simulcastctl/pkg/circuitbreaker"
	"simulcastctl/pkg/config"
	apperrors "simulcastctl/pkg/errors"
	"simulcastctl/pkg/logger"
	"simulcastctl/pkg/retry"
	"simulcastctl/pkg/tracing"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var cli struct {
	Config     string `help:"Path to the configuration file." short:"c" type:"path"`
	RelayMode  string `help:"Relay mode, \"one\" or \"all\"." short:"m"`
	ActiveSSRC int    `help:"Initial active SSRC under relay-one (0 = highest layer)." default:"-1"`
	Single     bool   `help:"Start with a single stream instead of simulcast."`
	LogLevel   string `help:"Log level (debug, info, warn, error)."`
	HTTP       string `help:"Serve the HTTP control plane on this address." name:"http"`
}

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/simulcastctl/config.yaml",
	"config.yaml",
}

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser, err := kong.New(&cli,
		kong.Name("simulcastctl"),
		kong.Description("Simulcast loopback call with live relay reconfiguration."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := parser.Parse(args); err != nil {
		parser.FatalIfErrorf(err)
	}

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "simulcastctl",
		Version:     version,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Errorw("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Warnw("tracing shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := monitoring.NewPrometheusCollector(registry)

	bus := events.NewBus()
	publishers := events.Multi{bus}
	liveness := monitoring.NewHealthChecker()
	if cfg.Redis.Enabled {
		client, err := events.NewRedisClient(ctx, events.RedisOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Channel:  cfg.Redis.Channel,
			Connect:  retry.Config{Attempts: cfg.Redis.ConnectAttempts, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		}, log)
		if err != nil {
			log.Errorw("failed to connect to Redis", "error", err)
			return 1
		}
		defer client.Close()
		hostname, _ := os.Hostname()
		redisPub := events.NewRedisPublisher(client, cfg.Redis.Channel, hostname, log)
		publishers = append(publishers, events.NewGuardedPublisher(redisPub, circuitbreaker.Config{
			FailureThreshold: cfg.Redis.BreakerThreshold,
			Cooldown:         cfg.Redis.BreakerCooldown,
		}, log))
		liveness.AddRedisCheck(client, 2*time.Second)
	}

	eng, err := engine.Open(engine.Config{
		FrameRate:      cfg.Engine.FrameRate,
		TraceFile:      cfg.Engine.TraceFile,
		CaptureDevices: cfg.Engine.CaptureDevices,
	}, log)
	if err != nil {
		log.Errorw("failed to open media engine", "error", err)
		return 1
	}
	defer eng.Close()
	media := eng.MediaEngine()

	stats := services.NewMetricsService(collector)
	opts, err := sessionOptions(cfg)
	if err != nil {
		log.Errorw("invalid session options", "error", err)
		return 1
	}
	newTransport := transport.Factory(transport.Config{
		QueueSize:         cfg.Engine.QueueSize,
		NetworkDelay:      cfg.Engine.NetworkDelay,
		PacketLossPercent: cfg.Engine.PacketLossPercent,
	}, media.Network, stats, log)

	ctrl := services.NewSessionController(media, newTransport, opts, collector, publishers, log)
	log = log.With("session_id", ctrl.ID())

	if _, err := ctrl.Provision(ctx); err != nil {
		logSetupFailure(log, err)
		return 1
	}
	state, err := ctrl.Start(ctx)
	if err != nil {
		logSetupFailure(log, err)
		return 1
	}
	log.Infow("call started",
		"relay_mode", opts.RelayMode.String(),
		"policy", state.Policy,
		"active_layers", state.ActiveLayers,
		"resolutions", state.Spec.Resolutions(),
	)

	recon := services.NewReconfigurator(ctrl, stats, collector, services.ReconfiguratorOptions{
		StrictIdentifiers: cfg.Session.StrictIdentifierValidation,
		HistorySize:       cfg.Session.CommandHistory,
	}, log)

	var srv *http.Server
	if cfg.Server.Enabled {
		srv = startServer(cfg, recon, ctrl, bus, liveness, registry, log)
	}

	runErr := console.New(recon, os.Stdin, os.Stdout, log).Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Errorw("console stopped", "error", runErr)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http server shutdown failed", "error", err)
		}
		cancel()
	}

	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	report, err := ctrl.Teardown(teardownCtx)
	if err != nil {
		log.Errorw("teardown incomplete",
			"failures", len(report.Failures),
			"remaining_interfaces", report.RemainingInterfaces,
			"report", report.String(),
		)
		return 1
	}
	log.Infow("call ended", "reconfigurations", ctrl.CallState().Reconfigurations)
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range configPaths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return config.Load(p)
	}
	return config.Load("")
}

func applyFlags(cfg *config.Config) {
	if cli.RelayMode != "" {
		if mode, err := domain.ParseRelayMode(cli.RelayMode); err == nil {
			cfg.Session.RelayMode = mode.String()
		} else {
			cfg.Session.RelayMode = cli.RelayMode
		}
	}
	if cli.ActiveSSRC >= 0 {
		cfg.Session.InitialActiveSSRC = cli.ActiveSSRC
	}
	if cli.Single {
		cfg.Session.SimulcastOnStart = false
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.HTTP != "" {
		cfg.Server.Enabled = true
		cfg.Server.Address = cli.HTTP
	}
}

func sessionOptions(cfg *config.Config) (services.SessionOptions, error) {
	mode, err := domain.ParseRelayMode(cfg.Session.RelayMode)
	if err != nil {
		return services.SessionOptions{}, err
	}
	return services.SessionOptions{
		RelayMode:         mode,
		InitialActive:     domain.StreamIdentifier(cfg.Session.InitialActiveSSRC),
		SimulcastOnStart:  cfg.Session.SimulcastOnStart,
		StartBitrateKbps:  cfg.Session.StartBitrateKbps,
		QPMax:             cfg.Session.QPMax,
		CaptureDevice:     cfg.Session.CaptureDevice,
		NetworkDelay:      cfg.Engine.NetworkDelay,
		PacketLossPercent: cfg.Engine.PacketLossPercent,
	}, nil
}

func logSetupFailure(log *zap.SugaredLogger, err error) {
	var setupErr *apperrors.SetupError
	if errors.As(err, &setupErr) {
		log.Errorw("session setup failed", "step", setupErr.Step, "error", setupErr.Cause)
		return
	}
	log.Errorw("session setup failed", "error", err)
}

func startServer(
	cfg *config.Config,
	session ports.SessionService,
	ctrl *services.SessionController,
	bus *events.Bus,
	liveness *monitoring.HealthChecker,
	gatherer prometheus.Gatherer,
	log *zap.SugaredLogger,
) *http.Server {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	liveness.AddSessionCheck(ctrl.State, time.Second)
	readiness := monitoring.NewHealthChecker()
	readiness.AddStreamingCheck(ctrl.State, time.Second)

	ws := wsignal.NewWebSocketServer(session, bus, log)
	ws.SetPingInterval(cfg.Server.PingInterval)

	if !cfg.Monitoring.PrometheusEnabled {
		gatherer = nil
	}
	handler := httphandlers.NewSessionHandler(session, services.NewQualityService(), ws, liveness, readiness, gatherer)

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      httphandlers.NewRouter(cfg, handler, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Infow("starting HTTP control plane", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("http server failed", "error", err)
		}
	}()
	return srv
}
