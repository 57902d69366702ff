// Package supervisor owns component lifecycles: it constructs the store,
// broker clients, consumers, workers and the HTTP layer, starts them in
// dependency order, and coordinates graceful shutdown with in-flight
// deliveries.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/uetsymphonique/checking-engine-pplab/internal/config"
	"github.com/uetsymphonique/checking-engine-pplab/internal/dispatch"
	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/history"
	chsink "github.com/uetsymphonique/checking-engine-pplab/internal/history/clickhouse"
	pgsink "github.com/uetsymphonique/checking-engine-pplab/internal/history/postgres"
	"github.com/uetsymphonique/checking-engine-pplab/internal/ingest"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/mq"
	"github.com/uetsymphonique/checking-engine-pplab/internal/results"
	"github.com/uetsymphonique/checking-engine-pplab/internal/server"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
	"github.com/uetsymphonique/checking-engine-pplab/internal/worker"
	"github.com/uetsymphonique/checking-engine-pplab/internal/worker/agentdetector"
	"github.com/uetsymphonique/checking-engine-pplab/internal/worker/apidetector"
)

// Mode selects which components a process runs.
type Mode int

const (
	// ModeFull runs consumers, workers and the HTTP layer in one process.
	ModeFull Mode = iota
	// ModeWorker runs only the detection workers.
	ModeWorker
)

// Supervisor wires the engine together. Construct with New, then Run.
type Supervisor struct {
	cfg  *config.Config
	log  *slog.Logger
	mode Mode

	store    store.Store
	clients  []*mq.Client
	closers  []io.Closer
	recorder *history.Recorder
	httpSrv  *http.Server
}

// New builds a supervisor for cfg.
func New(cfg *config.Config, log *slog.Logger, mode Mode) *Supervisor {
	return &Supervisor{cfg: cfg, log: log, mode: mode}
}

// Run starts the engine and blocks until ctx is cancelled, then shuts the
// components down in reverse start order within the configured grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := store.New(ctx, store.Options{
		Driver:       s.cfg.Database.Driver,
		DSN:          s.cfg.Database.DSN,
		MaxOpenConns: s.cfg.Database.MaxOpenConns,
		MaxIdleConns: s.cfg.Database.MaxIdleConns,
		ConnMaxAge:   s.cfg.Database.ConnMaxAge,
		TxTimeout:    s.cfg.Database.TxTimeout,
	})
	if err != nil {
		return err
	}
	s.store = st
	s.log.Info("store ready", "driver", s.cfg.Database.Driver)

	if err := s.buildRecorder(ctx); err != nil {
		s.shutdownResources()
		return err
	}

	brokerCfg := brokerConfig(s.cfg.Broker)
	declared := false

	// Consumer groups are cancelled one at a time during shutdown, last
	// started first.
	type group struct {
		name   string
		cancel context.CancelFunc
		wg     *sync.WaitGroup
	}
	var groups []group

	startGroup := func(name string, consumers ...*mq.Consumer) {
		gctx, cancel := context.WithCancel(context.Background())
		wg := &sync.WaitGroup{}
		for _, c := range consumers {
			wg.Add(1)
			go func(c *mq.Consumer) {
				defer wg.Done()
				_ = c.Run(gctx)
			}(c)
		}
		groups = append(groups, group{name: name, cancel: cancel, wg: wg})
	}

	newClient := func(role mq.Role) (*mq.Client, error) {
		c := mq.NewClient(brokerCfg, role, s.log)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		s.clients = append(s.clients, c)
		if !declared {
			if ch, chErr := c.Channel(ctx); chErr == nil {
				if dErr := mq.DeclareTopology(ch, brokerCfg); dErr != nil {
					s.log.Warn("topology declare failed; assuming it is provisioned", "err", dErr)
				} else {
					declared = true
				}
				_ = ch.Close()
			}
		}
		return c, nil
	}

	fail := func(err error) error {
		for i := len(groups) - 1; i >= 0; i-- {
			groups[i].cancel()
			groups[i].wg.Wait()
		}
		s.shutdownResources()
		return err
	}

	if s.mode == ModeFull {
		resultClient, err := newClient(mq.RoleResultConsumer)
		if err != nil {
			return fail(err)
		}
		resultConsumer := results.New(s.store, s.recorder, s.log.With("component", "results"))
		startGroup("results",
			mq.NewConsumer(resultClient, mq.QueueAPIResponses, s.cfg.Results.Prefetch, s.cfg.Results.PoolSize, resultConsumer.Handle, s.log),
			mq.NewConsumer(resultClient, mq.QueueAgentResponses, s.cfg.Results.Prefetch, s.cfg.Results.PoolSize, resultConsumer.Handle, s.log),
		)

		dispatcherClient, err := newClient(mq.RoleDispatcher)
		if err != nil {
			return fail(err)
		}
		dispatcherPub := mq.NewPublisher(dispatcherClient, s.log)
		s.closers = append(s.closers, dispatcherPub)
		dispatcher := dispatch.New(dispatcherPub, s.log.With("component", "dispatch"))

		ingestClient, err := newClient(mq.RoleConsumer)
		if err != nil {
			return fail(err)
		}
		ingestConsumer := ingest.New(s.store, dispatcher, s.recorder, s.cfg.Worker.MaxRetries, s.log.With("component", "ingest"))
		startGroup("ingest",
			mq.NewConsumer(ingestClient, mq.QueueInstructions, s.cfg.Ingest.Prefetch, s.cfg.Ingest.PoolSize, ingestConsumer.Handle, s.log),
		)
	}

	workerClient, err := newClient(mq.RoleWorker)
	if err != nil {
		return fail(err)
	}
	workerPub := mq.NewPublisher(workerClient, s.log)
	s.closers = append(s.closers, workerPub)
	runtime := worker.New(s.store, workerPub, s.buildRegistry(), worker.Options{
		WorkerID:        workerID(),
		JitterMin:       s.cfg.Worker.JitterMin,
		JitterMax:       s.cfg.Worker.JitterMax,
		RetryDelay:      s.cfg.Worker.RetryDelay,
		DetectorTimeout: s.cfg.Worker.DetectorTimeout,
		DetectorRate:    s.cfg.Worker.DetectorRate,
	}, s.log.With("component", "worker"))
	startGroup("workers",
		mq.NewConsumer(workerClient, mq.QueueAPITasks, s.cfg.Worker.Consumer.Prefetch, s.cfg.Worker.Consumer.PoolSize, runtime.Handle, s.log),
		mq.NewConsumer(workerClient, mq.QueueAgentTasks, s.cfg.Worker.Consumer.Prefetch, s.cfg.Worker.Consumer.PoolSize, runtime.Handle, s.log),
	)

	if s.mode == ModeFull && s.cfg.Server.Enabled {
		s.httpSrv = server.NewServer(s.cfg.Server.Listen, s.store)
		go func() {
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("http server stopped", "err", err)
			}
		}()
		s.log.Info("http server listening", "addr", s.cfg.Server.Listen)
	}

	s.log.Info("checking engine started", "mode", modeName(s.mode))
	<-ctx.Done()
	s.log.Info("shutdown requested; draining in-flight deliveries", "grace", s.cfg.Supervisor.ShutdownGrace)

	deadline := time.Now().Add(s.cfg.Supervisor.ShutdownGrace)
	for i := len(groups) - 1; i >= 0; i-- {
		groups[i].cancel()
		if !waitTimeout(groups[i].wg, time.Until(deadline)) {
			s.log.Warn("consumer group did not drain within grace; messages stay unacked", "group", groups[i].name)
		}
	}

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	s.shutdownResources()
	s.log.Info("checking engine stopped")
	return nil
}

func (s *Supervisor) buildRecorder(ctx context.Context) error {
	var sinks []history.Sink
	if s.cfg.History.Enabled {
		switch s.cfg.History.Type {
		case "postgres":
			sink, err := pgsink.New(ctx, s.cfg.History.DSN, s.cfg.History.Table)
			if err != nil {
				return fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, sink)
			s.closers = append(s.closers, sink)
		case "clickhouse":
			sink, err := chsink.New(ctx, chsink.Options{
				DSN:   s.cfg.History.DSN,
				Table: s.cfg.History.Table,
			})
			if err != nil {
				return fmt.Errorf("history sink: %w", err)
			}
			sinks = append(sinks, sink)
			s.closers = append(s.closers, sink)
		default:
			return fmt.Errorf("history sink type %q not supported", s.cfg.History.Type)
		}
	}
	s.recorder = history.NewRecorder(s.log.With("component", "history"), sinks...)
	return nil
}

// buildRegistry wires the bundled detectors: an HTTP search detector for
// api tasks (with a deterministic mock on the apitest platform) and a local
// command detector for every agent platform.
func (s *Supervisor) buildRegistry() *worker.Registry {
	registry := worker.NewRegistry()
	registry.Register(domain.DetectionAPI, "", apidetector.NewHTTP("siem_api", s.cfg.Worker.DetectorTimeout))
	registry.Register(domain.DetectionAPI, "apitest", &apidetector.MockDetector{Pause: 100 * time.Millisecond})

	host, _ := os.Hostname()
	command := agentdetector.New(host)
	registry.Register(domain.DetectionWindows, "", command)
	registry.Register(domain.DetectionLinux, "", command)
	registry.Register(domain.DetectionDarwin, "", command)
	return registry
}

// shutdownResources closes publishers and sinks, then broker connections,
// then the database pool.
func (s *Supervisor) shutdownResources() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
	s.closers = nil
	for i := len(s.clients) - 1; i >= 0; i-- {
		_ = s.clients[i].Close()
	}
	s.clients = nil
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
}

func brokerConfig(b config.BrokerConfig) mq.Config {
	roles := make(map[string]mq.Credentials, len(b.Roles))
	for role, creds := range b.Roles {
		roles[role] = mq.Credentials{User: creds.User, Password: creds.Password}
	}
	return mq.Config{
		Host:            b.Host,
		Port:            b.Port,
		VHost:           b.VHost,
		Exchange:        b.Exchange,
		Roles:           roles,
		ReconnectMin:    b.ReconnectMin,
		ReconnectMax:    b.ReconnectMax,
		ReconnectJitter: b.ReconnectJitter,
		PublishTimeout:  b.PublishTimeout,
		PoisonThreshold: b.PoisonThreshold,
		DeadLetter: mq.DeadLetter{
			Exchange:   b.DeadLetter.Exchange,
			Queue:      b.DeadLetter.Queue,
			RoutingKey: b.DeadLetter.RoutingKey,
		},
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func modeName(m Mode) string {
	if m == ModeWorker {
		return "worker"
	}
	return "full"
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
