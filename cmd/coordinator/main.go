// Command coordinator runs the query-execution core as a standalone HTTP
// process: admission queue, state machine, cluster memory manager, registry
// sweeper, and streaming results protocol, wired together the way the
// teacher's cmd/appserver wires its own service graph (infrastructure/
// logging, infrastructure/metrics, infrastructure/middleware, explicit
// construction with no DI container — see DESIGN.md "Global singletons").
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/queryctl/coordinator/infrastructure/logging"
	"github.com/queryctl/coordinator/infrastructure/metrics"
	"github.com/queryctl/coordinator/infrastructure/middleware"
	"github.com/queryctl/coordinator/internal/querycore/admission"
	"github.com/queryctl/coordinator/internal/querycore/memory"
	"github.com/queryctl/coordinator/internal/querycore/parser"
	"github.com/queryctl/coordinator/internal/querycore/registry"
	"github.com/queryctl/coordinator/internal/querycore/stream"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "optional JSON config overlay file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("coordinator", cfg.LogLevel, cfg.LogFormat)
	m := metrics.New("coordinator")

	if err := run(cfg, logger, m); err != nil {
		logger.WithError(err).Error("coordinator exited with error")
		os.Exit(1)
	}
}

// run wires the five components (admission, state via registry handles,
// memory, registry/sweeper, streaming protocol) and blocks until SIGINT,
// SIGTERM or SIGQUIT triggers the graceful shutdown sequence.
func run(cfg *Config, logger *logging.Logger, m *metrics.Metrics) error {
	rules, err := loadAdmissionRules(cfg, logger)
	if err != nil {
		return fmt.Errorf("load admission rules: %w", err)
	}
	admissionMgr := admission.NewManager(rules, rate.Limit(cfg.AdmissionDequeueRateLimit))

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("build worker dispatcher: %w", err)
	}

	memMgr := memory.NewManager(memory.Config{
		GeneralPoolBytes:  cfg.MemoryGeneralPoolBytes,
		ReservedPoolBytes: cfg.MemoryReservedPoolBytes,
	}, dispatcher, logger, m)

	reg := registry.New(registry.Config{
		BaseURI:           cfg.BaseURI,
		MaxQueryAge:       cfg.QueryMaxAge,
		MaxHistory:        cfg.QueryMaxHistory,
		ClientTimeout:     cfg.QueryClientTimeout,
		MaxMemoryPerQuery: cfg.MaxMemoryPerQueryBytes,
	}, admissionMgr, parser.NewStubParser(), logger, m)

	sweeper := registry.NewSweeper(reg, memMgr, time.Second, logger, m)
	sweeper.Start()
	defer sweeper.Stop(5 * time.Second)

	streaming := stream.NewManager(stream.Config{
		BaseURI:       cfg.BaseURI,
		ServerMaxWait: time.Second,
	}, reg, logger, m)
	streaming.StartPurger()
	defer streaming.StopPurger(5 * time.Second)

	reloader, err := startConfigReloader(cfg, admissionMgr, logger)
	if err != nil {
		return fmt.Errorf("start config reloader: %w", err)
	}
	if reloader != nil {
		defer reloader.Stop()
	}

	ready := true
	router := newRouter(streaming, 30*time.Second, logger, m, &ready, version, cfg.HTTPPerClientRateLimit, cfg.HTTPPerClientBurst)

	server := &http.Server{
		Addr:         cfg.HTTPListenAddress,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
	}

	shutdown := middleware.NewGracefulShutdown(server, cfg.HTTPShutdownGrace)
	shutdown.OnShutdown(func() {
		ready = false
		reg.Shutdown()
	})

	logger.WithFields(map[string]interface{}{
		"address": cfg.HTTPListenAddress,
	}).Info("coordinator listening")

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	shutdown.ListenForSignals()
	shutdown.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// loadAdmissionRules loads the admission rule set from cfg.QueueConfigFile
// (spec.md §6 "query.queue-config-file"), or falls back to a single
// catch-all default queue when unset, matching admission.DefaultRules.
func loadAdmissionRules(cfg *Config, logger *logging.Logger) ([]*admission.Rule, error) {
	if cfg.QueueConfigFile == "" {
		logger.WithFields(nil).Info("no queue-config-file configured, using default catch-all queue")
		return admission.DefaultRules(5000, 100), nil
	}
	rules, err := admission.LoadConfigFile(cfg.QueueConfigFile)
	if err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{
		"file":  cfg.QueueConfigFile,
		"rules": len(rules),
	}).Info("loaded admission queue rules")
	return rules, nil
}

// newDispatcher builds the memory manager's reassignment broadcaster from
// cfg.WorkerURIs. An empty worker list yields memory.NoopDispatcher, the
// same fallback the memory package itself applies when no dispatcher is
// supplied.
func newDispatcher(cfg *Config, logger *logging.Logger) (memory.Dispatcher, error) {
	if len(cfg.WorkerURIs) == 0 {
		logger.WithFields(nil).Info("no worker-uris configured, pool reassignments will not be broadcast")
		return memory.NoopDispatcher{}, nil
	}
	d, err := memory.NewHTTPDispatcher(cfg.WorkerURIs, cfg.WorkerDialTimeout, logger)
	if err != nil {
		return nil, err
	}
	logger.WithFields(map[string]interface{}{"workers": len(cfg.WorkerURIs)}).Info("pool reassignment dispatcher configured")
	return d, nil
}

// startConfigReloader schedules a periodic re-read of QueueConfigFile on
// cfg.ConfigReloadSchedule, mirroring the teacher's services/automation use
// of robfig/cron for scheduled jobs (see DESIGN.md "Kept teacher
// dependencies"). Returns nil if no queue config file is configured — there
// is nothing to hot-reload.
func startConfigReloader(cfg *Config, admissionMgr *admission.Manager, logger *logging.Logger) (*cron.Cron, error) {
	if cfg.QueueConfigFile == "" || cfg.ConfigReloadSchedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.ConfigReloadSchedule, func() {
		rules, err := admission.LoadConfigFile(cfg.QueueConfigFile)
		if err != nil {
			logger.WithError(err).Warn("admission queue config reload failed, keeping previous rules")
			return
		}
		admissionMgr.ReplaceRules(rules)
		logger.WithFields(map[string]interface{}{"rules": len(rules)}).Info("admission queue config reloaded")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule config reload: %w", err)
	}
	c.Start()
	return c, nil
}

