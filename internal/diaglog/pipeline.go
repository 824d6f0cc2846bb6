package diaglog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// QueueSize is the default number of records buffered for the sinks.
const QueueSize = 30

// Logger defines the logging interface used by the Pipeline.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Options configures a Pipeline.
type Options struct {
	// Config holds the initial sink levels.
	Config Config

	// Store is optional; when set, level changes are persisted.
	Store Store

	// Spool is the flash sink. Optional.
	Spool *Spool

	// Uploader is the iothub sink. Optional; see SetUploader.
	Uploader *Uploader

	// Local is the local text sink. Optional.
	Local io.Writer

	// QueueSize defaults to QueueSize.
	QueueSize int

	// Logger reports sink failures. It must not itself feed the pipeline.
	Logger Logger
}

// Pipeline fans log records out to the flash, iothub and local sinks.
// Records are queued without blocking the caller and drained by Run.
// The UART sink is the wrapped slog handler; see Handler.
type Pipeline struct {
	store  Store
	spool  *Spool
	local  io.Writer
	logger Logger
	queue  chan Record

	dropped atomic.Uint64

	mu       sync.RWMutex
	cfg      Config
	uploader *Uploader

	localMu sync.Mutex
}

// NewPipeline creates a pipeline. Call Run to start draining.
func NewPipeline(opts Options) (*Pipeline, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	size := opts.QueueSize
	if size <= 0 {
		size = QueueSize
	}
	p := &Pipeline{
		store:    opts.Store,
		spool:    opts.Spool,
		local:    opts.Local,
		logger:   opts.Logger,
		queue:    make(chan Record, size),
		cfg:      opts.Config,
		uploader: opts.Uploader,
	}
	if p.logger == nil {
		p.logger = noopLogger{}
	}
	return p, nil
}

// SetUploader installs the iothub sink once the hub exists.
func (p *Pipeline) SetUploader(u *Uploader) {
	p.mu.Lock()
	p.uploader = u
	p.mu.Unlock()
}

// Config returns the current sink levels.
func (p *Pipeline) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// SetConfig replaces the sink levels and persists them.
func (p *Pipeline) SetConfig(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	if p.store != nil {
		if err := SaveConfig(ctx, p.store, cfg); err != nil {
			return fmt.Errorf("persisting log config: %w", err)
		}
	}
	return nil
}

// SetIotHubLevel sets the upload level requested by the cloud.
func (p *Pipeline) SetIotHubLevel(level int) error {
	l := Level(level)
	if !l.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	cfg := p.Config()
	cfg.IotHub = l
	return p.SetConfig(context.Background(), cfg)
}

// Enqueue queues rec for the sinks. It never blocks; a full queue drops
// the record and returns false.
func (p *Pipeline) Enqueue(rec Record) bool {
	select {
	case p.queue <- rec:
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Dropped returns how many records were lost to a full queue.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// wantsQueue reports whether any queued sink accepts lvl.
func (c Config) wantsQueue(lvl Level) bool {
	return c.Flash.accepts(lvl) || c.IotHub.accepts(lvl) || c.Local.accepts(lvl)
}

// Run drains the queue until ctx ends.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-p.queue:
			p.deliver(ctx, rec)
		}
	}
}

// deliver hands rec to every sink whose level accepts it.
func (p *Pipeline) deliver(ctx context.Context, rec Record) {
	p.mu.RLock()
	cfg := p.cfg
	uploader := p.uploader
	p.mu.RUnlock()

	if p.spool != nil && cfg.Flash.accepts(rec.Level) {
		if err := p.spool.Write(rec); err != nil && !errors.Is(err, ErrSpoolFull) {
			p.logger.Warn("flash log write failed", "error", err)
		}
	}

	if uploader != nil && cfg.IotHub.accepts(rec.Level) {
		if err := uploader.Upload(ctx, rec); err != nil && !errors.Is(err, ErrNotConnected) {
			p.logger.Debug("log upload failed", "error", err)
		}
	}

	if p.local != nil && cfg.Local.accepts(rec.Level) {
		p.localMu.Lock()
		_, err := fmt.Fprintln(p.local, rec.Text())
		p.localMu.Unlock()
		if err != nil {
			p.logger.Warn("local log write failed", "error", err)
		}
	}
}
