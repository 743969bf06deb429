package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errwatch/internal/audit"
	"github.com/fyrsmithlabs/errwatch/internal/capture"
	"github.com/fyrsmithlabs/errwatch/internal/config"
	"github.com/fyrsmithlabs/errwatch/internal/gateway"
	"github.com/fyrsmithlabs/errwatch/internal/logging"
	"github.com/fyrsmithlabs/errwatch/internal/notify"
	"github.com/fyrsmithlabs/errwatch/internal/remediation"
	"github.com/fyrsmithlabs/errwatch/internal/secrets"
	"github.com/fyrsmithlabs/errwatch/internal/store"
	"github.com/fyrsmithlabs/errwatch/internal/worker"
)

// app holds the wired components shared by serve and analyze.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.SQLite
	audit    *audit.Queue
	bus      *notify.Bus
	nats     *nats.Conn
	sink     *notify.NATSSink
	reporter *capture.Reporter
	gateway  *gateway.Client
	worker   *worker.Worker
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Service:   "errwatch",
		Redaction: logging.DefaultRedaction(),
	})
}

// newApp opens the store and wires every component. The NATS sink is only
// started when notify.nats_url is set; a failed connection is logged and
// skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.store, err = store.OpenSQLite(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a.audit = audit.NewQueue(a.store, cfg.Audit.QueueSize, logger.Named("audit"))
	a.audit.Start()

	a.bus = notify.NewBus(logger.Named("notify"))
	if cfg.Notify.NATSURL != "" {
		nc, nerr := notify.Connect(cfg.Notify.NATSURL, logger)
		if nerr != nil {
			logger.Warn("NATS unavailable, notifications stay in-process", zap.Error(nerr))
		} else {
			a.nats = nc
			a.sink = notify.NewNATSSink(nc, cfg.Notify.SubjectPrefix, logger)
			a.sink.Start(a.bus, cfg.Notify.BufferSize)
		}
	}

	redactor, err := secrets.New(cfg.Security.Redaction)
	if err != nil {
		return nil, fmt.Errorf("configure redaction: %w", err)
	}

	a.reporter = capture.NewReporter(capture.Options{
		SeverityGate:   cfg.Runtime.SeverityGate,
		MinOccurrences: cfg.Analysis.Thresholds.MinOccurrences,
		Environment:    cfg.Runtime.Environment,
	}, a.store, redactor, a.bus, a.audit, logger.Named("capture"))

	a.gateway, err = gateway.New(cfg.Gateway, redactor, logger)
	if err != nil {
		return nil, fmt.Errorf("configure gateway: %w", err)
	}

	var remediator worker.Remediator
	if cfg.Actions.Enabled(config.ActionGeneratePR) {
		wf, werr := remediation.New(cfg.Workflow, cfg.GitHub, logger)
		if werr != nil {
			return nil, fmt.Errorf("configure remediation workflow: %w", werr)
		}
		remediator = wf
	}

	a.worker, err = worker.New(worker.ConfigFrom(cfg), worker.Deps{
		Store:      a.store,
		Analyzer:   a.gateway,
		Remediator: remediator,
		Announcer:  a.reporter,
		Publisher:  a.bus,
		Audit:      a.audit,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("configure worker: %w", err)
	}
	return a, nil
}

// close releases components in reverse order of creation.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop worker: %w", err))
		}
	}
	if a.sink != nil {
		a.sink.Stop()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.audit != nil {
		if err := a.audit.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain audit queue: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errors.Join(errs...)
}
