// Package bridge wires the services together: configuration watching, the
// device registry and the transport backends.
package bridge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/myfreeweb/iichid/hid"
	"github.com/myfreeweb/iichid/internal/configsvc"
	"github.com/myfreeweb/iichid/internal/hidsvc"
)

type Bridge struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	stats     *hid.Stats
	configSvc *configsvc.Service
	hidSvc    *hidsvc.Service
}

type Option func(*options)

type options struct {
	backends map[string]hidsvc.Backend
}

// WithBackend attaches a transport backend under the given name. The
// platform decides which ones exist.
func WithBackend(name string, backend hidsvc.Backend) Option {
	return func(o *options) {
		o.backends[name] = backend
	}
}

func New(config Config, opts ...Option) (*Bridge, error) {
	o := options{backends: make(map[string]hidsvc.Backend)}
	for _, opt := range opts {
		opt(&o)
	}

	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}
	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	stats := &hid.Stats{}
	configSvc := configsvc.New(logger.Named("config"))
	hidOpts := []hidsvc.Option{hidsvc.WithStats(stats)}
	for name, backend := range o.backends {
		hidOpts = append(hidOpts, hidsvc.WithBackend(name, backend))
	}
	hidSvc := hidsvc.New(db, logger.Named("hid"), time.Now, hidOpts...)

	return &Bridge{
		config:    config,
		log:       logger,
		db:        db,
		stats:     stats,
		configSvc: configSvc,
		hidSvc:    hidSvc,
	}, nil
}

func (b *Bridge) Close() error {
	return b.db.Close()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the bridge and blocks until the context is cancelled. If the
// device configuration becomes invalid after startup, the last valid one
// stays in effect.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return b.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return b.hidSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return b.watchDevicesConfig(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("bridge failed: %w", err)
	}
	return nil
}

func (b *Bridge) watchDevicesConfig(ctx context.Context) error {
	if b.config.DevicesConfig == "" {
		return nil
	}
	select {
	case <-ctx.Done():
		return nil
	case <-b.configSvc.Ready():
	}
	initial, err := configsvc.Register(b.configSvc, b.config.DevicesConfig, DevicesFile{},
		func(cfg DevicesFile, err error) {
			if err != nil {
				b.log.Error("failed to reload devices config", zap.Error(err))
				return
			}
			b.hidSvc.ApplySamplingRates(cfg.SamplingRates)
		})
	if err != nil {
		// Not fatal: the file is optional until the user creates it.
		b.log.Warn("devices config not loaded", zap.Error(err))
		return nil
	}
	b.hidSvc.ApplySamplingRates(initial.SamplingRates)
	return nil
}

func (b *Bridge) HID() *hidsvc.Service {
	return b.hidSvc
}

// Stats exposes the transfer counters shared by every attached device.
func (b *Bridge) Stats() hid.StatsSnapshot {
	return b.stats.Snapshot()
}
