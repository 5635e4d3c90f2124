package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/rzbill/beam/internal/buffers"
	"github.com/rzbill/beam/internal/cnc"
	"github.com/rzbill/beam/internal/config"
	"github.com/rzbill/beam/internal/counters"
	logpkg "github.com/rzbill/beam/pkg/log"
)

// MediaDriver wires the conductor, sender, and receiver over a driver
// directory and runs them in the configured threading mode.
type MediaDriver struct {
	cfg      config.Config
	logger   logpkg.Logger
	cncFile  *cnc.File
	table    *counters.Table
	sc       *counters.SystemCounters
	clock    *CachedNanoClock
	cond     *Conductor
	sender   *Sender
	receiver *Receiver

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MediaDriverOptions configures Start beyond the config record.
type MediaDriverOptions struct {
	Config config.Config
	Logger logpkg.Logger

	// TerminationToken enables TERMINATE_DRIVER when non-empty.
	TerminationToken []byte

	// OnTerminate runs when a validated termination command arrives.
	OnTerminate func()
}

// Start builds the driver directory, maps shared state, and launches the
// agent loops.
func Start(opts MediaDriverOptions) (*MediaDriver, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.FromEnv()
	}

	cncFile, err := cnc.CreateFile(cfg)
	if err != nil {
		return nil, err
	}

	ring, err := buffers.NewRingBuffer(cncFile.ToDriver())
	if err != nil {
		_ = cncFile.Close()
		return nil, fmt.Errorf("command ring: %w", err)
	}
	tx, err := buffers.NewBroadcastTransmitter(cncFile.ToClients())
	if err != nil {
		_ = cncFile.Close()
		return nil, fmt.Errorf("broadcast buffer: %w", err)
	}

	table := counters.NewTable(cncFile.CounterMetadata(), cncFile.CounterValues(), cfg.CounterFreeToReuseTimeout.Ns()/1_000_000, EpochMs)
	sc, err := counters.NewSystemCounters(table)
	if err != nil {
		_ = cncFile.Close()
		return nil, fmt.Errorf("system counters: %w", err)
	}

	clock := &CachedNanoClock{}
	clock.Update(SystemNanoClock())
	sender := NewSender(clock)
	receiver := NewReceiver(clock)

	ctx, cancel := context.WithCancel(context.Background())

	d := &MediaDriver{
		cfg:      cfg,
		logger:   logger.With(logpkg.Component("driver")),
		cncFile:  cncFile,
		table:    table,
		sc:       sc,
		clock:    clock,
		sender:   sender,
		receiver: receiver,
		cancel:   cancel,
	}

	validate := func([]byte) bool { return false }
	if len(opts.TerminationToken) > 0 {
		token := append([]byte(nil), opts.TerminationToken...)
		validate = func(got []byte) bool { return string(got) == string(token) }
	}

	errorLog := NewDistinctErrorLog(cncFile.ErrorLog(), EpochMs)
	onError := func(err error) {
		sc.Errors.Increment()
		errorLog.Record(err)
		d.logger.Error("driver error", logpkg.Err(err))
	}

	d.cond = NewConductor(ConductorOptions{
		Config:      cfg,
		Clock:       clock,
		Logger:      logger,
		Table:       table,
		System:      sc,
		Proxy:       NewBroadcastProxy(tx),
		Sender:      sender,
		Receiver:    receiver,
		Logs:        &cnc.MappedLogFactory{Dir: cfg.DirName, PageSize: cfg.FilePageSize},
		LossReport:  NewLossReport(cncFile.LossReport()),
		CommandRing: ring,
		OnError:     onError,
		OnTerminate: func() {
			if opts.OnTerminate != nil {
				opts.OnTerminate()
			}
			cancel()
		},
		ValidateTerminationToken: validate,
	})

	d.launch(ctx)
	d.logger.Info("media driver started",
		logpkg.Str("dir", cfg.DirName),
		logpkg.Str("threading", string(cfg.ThreadingMode)))
	return d, nil
}

func (d *MediaDriver) launch(ctx context.Context) {
	run := func(agents ...Agent) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			RunAgents(ctx, NewBackoffIdleStrategy(), agents...)
		}()
	}
	switch d.cfg.ThreadingMode {
	case config.ThreadingDedicated:
		run(d.cond)
		run(d.sender)
		run(d.receiver)
	case config.ThreadingSharedNetwork:
		run(d.cond)
		run(d.sender, d.receiver)
	default:
		run(d.cond, d.sender, d.receiver)
	}
}

// Conductor exposes the command surface for in-process clients.
func (d *MediaDriver) Conductor() *Conductor { return d.cond }

// CounterTable exposes the counter registry.
func (d *MediaDriver) CounterTable() *counters.Table { return d.table }

// SystemCounters exposes the driver-wide statistics.
func (d *MediaDriver) SystemCounters() *counters.SystemCounters { return d.sc }

// DirName returns the driver directory.
func (d *MediaDriver) DirName() string { return d.cfg.DirName }

// Close stops the agents and unmaps shared state.
func (d *MediaDriver) Close() error {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("media driver stopped")
	return d.cncFile.Close()
}
