package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/warp/incapacidades/config"
	"github.com/warp/incapacidades/factory"
	"github.com/warp/incapacidades/incapacidad"
	"github.com/warp/incapacidades/lifecycle"
	"github.com/warp/incapacidades/logging"
	"github.com/warp/incapacidades/metrics"
	"github.com/warp/incapacidades/notify"
	"github.com/warp/incapacidades/sheets"
	"github.com/warp/incapacidades/store/sqlite"
)

// app holds everything a command needs. Close releases it in reverse
// order: queues drain before the database closes.
type app struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  *sqlite.Store
	engine *lifecycle.Engine
	rules  *incapacidad.RuleSet
	roster *sheets.RosterImporter

	webhook *notify.WebhookNotifier
	tracker *sheets.Tracker
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)

	rules, err := factory.NewRequirementFactory().LoadFile(cfg.Requirements.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load requirement rules: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	a := &app{cfg: cfg, log: log, store: store, rules: rules}
	opts := []lifecycle.Option{
		lifecycle.WithLogger(log),
		lifecycle.WithRecorder(metrics.NewRecorder()),
	}

	if cfg.Notify.WebhookURL != "" {
		a.webhook = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:           cfg.Notify.WebhookURL,
			Secret:        cfg.Notify.Secret,
			Workers:       cfg.Notify.Workers,
			QueueSize:     cfg.Notify.QueueSize,
			RatePerMinute: cfg.Notify.RatePerMinute,
			Timeout:       cfg.Notify.Timeout,
		}, log)
		opts = append(opts, lifecycle.WithNotifier(a.webhook))
	} else {
		log.Warn("notify.webhook_url not set, notifications are only logged")
		opts = append(opts, lifecycle.WithNotifier(notify.NewLogNotifier(log)))
	}

	if cfg.Sheets.TrackerPath != "" {
		a.tracker, err = sheets.NewTracker(sheets.TrackerConfig{Path: cfg.Sheets.TrackerPath}, log)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		opts = append(opts, lifecycle.WithSyncer(a.tracker))
	}

	if cfg.Sheets.RosterPath != "" {
		a.roster, err = sheets.LoadRoster(cfg.Sheets.RosterPath)
		if err != nil {
			a.Close(context.Background())
			return nil, err
		}
		log.WithFields(logrus.Fields{"path": cfg.Sheets.RosterPath, "employees": a.roster.Len()}).Info("roster loaded")
		opts = append(opts, lifecycle.WithRoster(a.roster))
	}

	a.engine = lifecycle.NewEngine(store, opts...)
	return a, nil
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.webhook != nil {
		if err := a.webhook.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("notifier: %w", err))
		}
	}
	if a.tracker != nil {
		if err := a.tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracker: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	return errors.Join(errs...)
}
