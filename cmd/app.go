package main

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cambio/config"
	"github.com/vadiminshakov/cambio/internal/clients"
	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/lifecycle"
)

type rootOptions struct {
	configPath string
	debug      bool
}

// app holds what every command needs.
type app struct {
	cfg     config.Config
	l       *zap.Logger
	backend *clients.BackendClient
	tracker *lifecycle.Tracker
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s (run `cambio setup` to create one)", opts.configPath)
	}

	l, err := newLogger(opts.debug)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		l:       l,
		backend: clients.NewBackendClient(cfg.BackendURL, cfg.APIToken, cfg.HTTPTimeout, l),
		tracker: lifecycle.NewTracker(l),
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (a *app) close() {
	_ = a.l.Sync()
}

// load fetches the client's operations into the tracker.
func (a *app) load(ctx context.Context) error {
	ops, err := a.backend.FetchOperations(ctx, a.cfg.DNI)
	if err != nil {
		return errors.Wrap(err, "fetch operations")
	}
	a.tracker.Replace(ops)
	return nil
}

// operation loads the client's operations and returns the one with the given id.
func (a *app) operation(ctx context.Context, id int64) (domain.Operation, error) {
	if err := a.load(ctx); err != nil {
		return domain.Operation{}, err
	}
	op, ok := a.tracker.Get(id)
	if !ok {
		return domain.Operation{}, errors.Wrapf(lifecycle.ErrUnknownOperation, "id %d", id)
	}
	return op, nil
}

func parseOperationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid operation id %q", s)
	}
	return id, nil
}
