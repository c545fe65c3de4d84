// v0
// cmd/growcontrol/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"nrgchamp/growcontrol/internal/actuators"
	"nrgchamp/growcontrol/internal/alerts"
	"nrgchamp/growcontrol/internal/audit"
	"nrgchamp/growcontrol/internal/circuitbreaker"
	"nrgchamp/growcontrol/internal/config"
	"nrgchamp/growcontrol/internal/cooldown"
	"nrgchamp/growcontrol/internal/correction"
	"nrgchamp/growcontrol/internal/engine"
	"nrgchamp/growcontrol/internal/events"
	"nrgchamp/growcontrol/internal/httpapi"
	"nrgchamp/growcontrol/internal/logging"
	"nrgchamp/growcontrol/internal/metrics"
	"nrgchamp/growcontrol/internal/models"
	"nrgchamp/growcontrol/internal/pid"
	"nrgchamp/growcontrol/internal/pidconfig"
	"nrgchamp/growcontrol/internal/pidstate"
	"nrgchamp/growcontrol/internal/scheduler"
	"nrgchamp/growcontrol/internal/storage"
	"nrgchamp/growcontrol/internal/targets"
	"nrgchamp/growcontrol/internal/transport"
)

func main() {
	lg, logFile := logging.Init()
	err := run(lg)
	if err != nil {
		lg.Errorw("growcontrol_exit", "error", err)
	}
	_ = lg.Sync()
	if logFile != nil {
		_ = logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func run(lg *zap.SugaredLogger) error {
	cfg, err := config.LoadEnvAndFiles()
	if err != nil {
		return err
	}
	lg.Infow("growcontrol_starting", "cfg", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	breaker := func(name string, bc config.BreakerConfig, opts ...circuitbreaker.Option) *circuitbreaker.Breaker {
		opts = append(opts, circuitbreaker.WithStateListener(m.BreakerListener()))
		b := circuitbreaker.New(name, circuitbreaker.Config{MaxFailures: bc.MaxFailures, ResetTimeout: bc.ResetTimeout}, lg, opts...)
		m.SetCircuitBreakerState(name, circuitbreaker.Closed)
		return b
	}

	// storage
	store, err := storage.New(ctx, cfg.PostgresDSN, lg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		lg.Warnw("schema_migrate_failed", "error", err)
	}
	dbBreaker := breaker("postgres", cfg.StorageBreaker, circuitbreaker.WithProbe(store.Ping))

	// command transport
	mqttBreaker := breaker("mqtt", cfg.TransportBreaker)
	publisher := transport.NewMQTT(transport.Config{Broker: cfg.MQTTBroker, ClientID: cfg.MQTTClientID}, mqttBreaker, lg)
	if err := publisher.Connect(ctx); err != nil {
		return err
	}
	defer publisher.Close()

	// events, mirrored on kafka when brokers are configured
	breakers := []*circuitbreaker.Breaker{dbBreaker, mqttBreaker}
	var mirror events.Writer
	if len(cfg.KafkaBrokers) > 0 {
		kw := events.NewKafkaWriter(cfg.KafkaBrokers)
		defer kw.Close()
		kafkaBreaker := breaker("kafka", cfg.EventsBreaker)
		breakers = append(breakers, kafkaBreaker)
		mirror = circuitbreaker.NewCBKafkaWriter(kw, kafkaBreaker, circuitbreaker.KafkaPolicy{
			Attempts: 3,
			Timeout:  2 * time.Second,
			Backoff:  200 * time.Millisecond,
		})
	}
	sink := events.New(store, mirror, cfg.EventTopicPrefix, lg)

	// targets
	targetsClient := circuitbreaker.NewHTTPClient("targets_api", circuitbreaker.Config{
		MaxFailures:  cfg.TargetsBreaker.MaxFailures,
		ResetTimeout: cfg.TargetsBreaker.ResetTimeout,
	}, "", nil, lg, circuitbreaker.WithStateListener(m.BreakerListener()))
	breakers = append(breakers, targetsClient.Breaker())
	provider := targets.New(cfg.TargetsAPIURL, targetsClient, time.Hour, lg)

	// correction loops
	gateCfg := cooldown.DefaultConfig()
	gateCfg.Cooldown = cfg.Cooldown
	gateCfg.TrendWindow = cfg.TrendWindow
	gateCfg.CriticalDiff = cfg.CriticalDiff
	gateCfg.MediumDiff = cfg.MediumDiff

	registry := pid.NewRegistry()
	pidConfigs := pidconfig.New(store, cfg.PIDDefaults, cfg.PIDConfigTTL, lg)
	pidState := pidstate.New(store, lg)
	deps := correction.Deps{
		Gate:      cooldown.New(gateCfg, store, lg),
		Configs:   pidConfigs,
		State:     pidState,
		Publisher: publisher,
		Audit:     audit.New(store, lg),
		Events:    sink,
		Alerts:    alerts.New(store, lg),
		Rechecker: store,
		Zones:     store,
		Actuators: actuators.NewRegistry(),
		PIDs:      registry,
		Observer:  m,
	}
	settings := correction.Settings{
		MaxTelemetryAge:     cfg.TelemetryMaxAge,
		FreshnessAlertAfter: cfg.FreshnessAlertAt,
		SaveEvery:           cfg.PIDSaveEvery,
		ECDoseDelay:         cfg.ECDoseDelay,
		ECRecheckTolerance:  cfg.ECRecheckTolerance,
		ECComponents:        correction.DefaultECComponents,
	}
	phCtl := correction.New(models.CorrectionPH, deps, settings, lg)
	ecCtl := correction.New(models.CorrectionEC, deps, settings, lg)

	sched := scheduler.New(scheduler.Config{
		Adaptive:    cfg.AdaptiveConcurrency,
		TargetCycle: cfg.TargetCycle,
		Min:         cfg.MinConcurrency,
		Max:         cfg.MaxConcurrency,
		Fixed:       cfg.FixedConcurrency,
		Window:      100,
	}, lg, m)

	eng := engine.New(engine.Config{
		Interval:      cfg.CycleInterval,
		CleanupEvery:  cfg.CleanupEvery,
		SnapshotEvery: cfg.SnapshotEvery,
	}, engine.Deps{
		Zones:      store,
		Targets:    provider,
		Correctors: []engine.Corrector{phCtl, ecCtl},
		Scheduler:  sched,
		PIDs:       registry,
		Snapshots:  pidState,
		Storage:    dbBreaker,
		Observer:   m,
	}, lg)

	srv := httpapi.NewServer(cfg.HTTPBind, httpapi.Deps{
		Engine:    eng,
		PIDs:      registry,
		Configs:   pidConfigs,
		Emergency: []httpapi.EmergencyControl{phCtl, ecCtl},
		Breakers:  breakers,
		Metrics:   m,
	}, lg)

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()
	go eng.Run(ctx)

	select {
	case <-ctx.Done():
		lg.Infow("shutdown_requested")
	case err = <-httpErr:
		lg.Errorw("http_server_failed", "error", err)
		stop()
	}

	eng.Shutdown(cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	lg.Infow("bye")
	return err
}
