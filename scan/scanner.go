package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

// Config is the full scan configuration, validated before any probing starts.
type Config struct {
	RangeStart uint32
	RangeEnd   uint32
	Port       uint16
	Mode       string // ModeSequential or ModeRandom
	Seed       int64  // permutation seed for random mode

	Workers int
	Queue   int     // pending work items; 0 means Workers
	Rate    float64 // new connection attempts per second
	Timeout time.Duration

	CheckpointPath  string
	CheckpointEvery time.Duration
	DrainTimeout    time.Duration
	Resume          bool
	Fresh           bool

	ProgressEvery uint64 // log a stats line every N outcomes; 0 disables
	ProgressBar   bool
}

func (c *Config) Validate() error {
	if c.RangeEnd < c.RangeStart {
		return errors.New("range start is above range end")
	}
	if c.Mode != ModeSequential && c.Mode != ModeRandom {
		return fmt.Errorf("unknown iteration mode: %q", c.Mode)
	}
	if c.Workers < 1 {
		return errors.New("worker count must be at least 1")
	}
	if c.Rate <= 0 {
		return errors.New("rate limit must be positive")
	}
	if c.Timeout <= 0 {
		return errors.New("probe timeout must be positive")
	}
	if c.CheckpointPath == "" {
		return errors.New("checkpoint path is required")
	}
	if c.Resume && c.Fresh {
		return errors.New("--resume and --fresh are mutually exclusive")
	}
	if c.Queue <= 0 {
		c.Queue = c.Workers
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return nil
}

// Scanner phases.
const (
	PhaseInitializing int32 = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

// Scanner wires the address source, worker pool, checkpoint store and result
// sink into the scan control loop. It is the only writer of the ScanState;
// workers hand outcomes back over a channel and never touch shared state.
type Scanner struct {
	cfg   Config
	probe ProbeClient
	sink  ResultSink

	store  *CheckpointStore
	state  *ScanState
	source *AddressSource
	pool   *workerPool

	phase    atomic.Int32
	stopOnce sync.Once
	stop     chan struct{}
	start    time.Time
	lastAddr string
}

func NewScanner(cfg Config, probe ProbeClient, sink ResultSink) *Scanner {
	if sink == nil {
		sink = ConsoleSink{}
	}
	return &Scanner{
		cfg:   cfg,
		probe: probe,
		sink:  sink,
		stop:  make(chan struct{}),
	}
}

// RequestStop begins graceful draining: no new submissions, in-flight probes
// finish naturally up to the drain timeout. Safe to call from any goroutine,
// any number of times.
func (s *Scanner) RequestStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Phase reports the current lifecycle phase.
func (s *Scanner) Phase() int32 { return s.phase.Load() }

// State returns a copy of the current scan state. Only meaningful after Run
// has returned.
func (s *Scanner) State() ScanState {
	if s.state == nil {
		return ScanState{}
	}
	return *s.state
}

// Run executes the scan to exhaustion or until stopped. The returned error is
// non-nil only for fatal conditions: invalid configuration or a checkpoint
// that cannot be loaded or saved. Per-probe failures are steady-state events
// and never surface here.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.initialize(); err != nil {
		return err
	}

	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	s.pool.Start(poolCtx)

	prodCtx, prodCancel := context.WithCancel(ctx)
	defer prodCancel()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.stop:
		case <-ctx.Done():
		case <-finished:
		}
		prodCancel()
	}()

	s.phase.Store(PhaseRunning)
	s.start = time.Now()
	log.Infof("scanning %s-%s port %d, mode=%s workers=%d rate=%.0f/s (resuming at index %d of %d)",
		s.state.RangeStart, s.state.RangeEnd, s.cfg.Port, s.cfg.Mode,
		s.cfg.Workers, s.cfg.Rate, s.source.Index(), s.source.Size())

	go s.produce(prodCtx)
	go s.pool.Wait()

	var bar *progressbar.ProgressBar
	if s.cfg.ProgressBar {
		bar = progressbar.NewOptions64(int64(s.source.Size()),
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
		)
		_ = bar.Set64(int64(s.state.Cursor))
	}

	ticker := time.NewTicker(s.cfg.CheckpointEvery)
	defer ticker.Stop()

	var drainTimer *time.Timer
	stopping := prodCtx.Done()
	results := s.pool.Results()

	for {
		select {
		case res, ok := <-results:
			if !ok {
				if drainTimer != nil {
					drainTimer.Stop()
				}
				return s.finish(bar)
			}
			s.handle(res, bar)
		case <-ticker.C:
			if err := s.store.Save(s.state); err != nil {
				poolCancel()
				return fmt.Errorf("checkpoint save failed: %w", err)
			}
			log.Debugf("checkpoint saved at cursor %d", s.state.Cursor)
		case <-stopping:
			stopping = nil // fires once
			s.phase.Store(PhaseDraining)
			log.Infof("stop requested, draining in-flight probes (timeout %s)", s.cfg.DrainTimeout)
			drainTimer = time.AfterFunc(s.cfg.DrainTimeout, func() {
				log.Warn("drain timeout reached, cancelling remaining probes")
				poolCancel()
			})
		}
	}
}

func (s *Scanner) initialize() error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	s.store = NewCheckpointStore(s.cfg.CheckpointPath)

	if s.cfg.Fresh {
		s.state = NewScanState(s.cfg.Mode, s.cfg.Seed, s.cfg.RangeStart, s.cfg.RangeEnd, s.cfg.Port)
	} else {
		loaded, err := s.store.Load()
		switch {
		case errors.Is(err, ErrNotFound):
			s.state = NewScanState(s.cfg.Mode, s.cfg.Seed, s.cfg.RangeStart, s.cfg.RangeEnd, s.cfg.Port)
			if s.cfg.Resume {
				log.Info("no checkpoint found, starting a fresh scan")
			}
		case err != nil:
			return fmt.Errorf("cannot load checkpoint (use --fresh to discard it): %w", err)
		case !s.cfg.Resume:
			return fmt.Errorf("checkpoint already exists at %s: pass --resume to continue or --fresh to discard it", s.cfg.CheckpointPath)
		case !loaded.Matches(s.cfg.Mode, s.cfg.RangeStart, s.cfg.RangeEnd, s.cfg.Port):
			return errors.New("checkpoint does not match the requested range, mode or port")
		default:
			s.state = loaded
			log.Infof("resuming from checkpoint: cursor=%d attempted=%d found=%d",
				loaded.Cursor, loaded.Attempted, loaded.Succeeded)
		}
	}

	source, err := NewAddressSource(s.cfg.RangeStart, s.cfg.RangeEnd, s.cfg.Port, s.state.Mode, s.state.Seed)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	source.SetIndex(s.state.Cursor)
	s.source = source
	s.pool = newWorkerPool(s.probe, s.cfg.Workers, s.cfg.Queue, s.cfg.Rate)
	return nil
}

// produce pulls addresses from the source and submits them until exhaustion
// or stop. Submission blocks when the queue is full; that blocking is the
// scan's backpressure.
func (s *Scanner) produce(ctx context.Context) {
	defer s.pool.Close()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		seq := s.source.Index()
		addr, err := s.source.Next()
		if err == io.EOF {
			s.phase.CompareAndSwap(PhaseRunning, PhaseDraining)
			log.Info("address range exhausted, draining")
			return
		}
		if !s.pool.Submit(ctx, workItem{seq: seq, addr: addr}) {
			return
		}
	}
}

func (s *Scanner) handle(res workResult, bar *progressbar.ProgressBar) {
	s.state.Record(res.seq, res.outcome)
	s.lastAddr = res.outcome.Addr.String()
	if bar != nil {
		_ = bar.Add(1)
	}

	if res.outcome.Status == StatusSuccess {
		rec := res.outcome.Record
		log.Infof("found server at %s (version %s, players %d/%d)",
			res.outcome.Addr, rec.Version, rec.PlayersOnline, rec.PlayersMax)
		if err := s.sink.Deliver(res.outcome.Addr, rec); err != nil {
			// Best-effort: the record is already in the counters.
			log.Warnf("failed to deliver record for %s: %v", res.outcome.Addr, err)
		}
	} else {
		log.Debugf("%s: %s", res.outcome.Addr, res.outcome.Status)
	}

	if s.cfg.ProgressEvery > 0 && s.state.Attempted%s.cfg.ProgressEvery == 0 {
		s.logProgress()
	}
}

func (s *Scanner) logProgress() {
	elapsed := time.Since(s.start).Seconds()
	perSec := 0.0
	if elapsed > 0 {
		perSec = float64(s.state.Attempted) / elapsed
	}
	log.WithFields(log.Fields{
		"attempted": s.state.Attempted,
		"found":     s.state.Succeeded,
		"failed":    s.state.Failed,
		"rate":      fmt.Sprintf("%.1f/s", perSec),
		"last":      s.lastAddr,
	}).Info("scan progress")
}

// finish performs the final durable save and reports how the scan ended.
func (s *Scanner) finish(bar *progressbar.ProgressBar) error {
	s.phase.Store(PhaseStopped)
	if bar != nil {
		_ = bar.Finish()
	}
	if err := s.store.Save(s.state); err != nil {
		return fmt.Errorf("final checkpoint save failed: %w", err)
	}
	s.logProgress()

	if s.state.Cursor >= s.source.Size() {
		log.Infof("scan complete: %d addresses, %d servers found", s.state.Attempted, s.state.Succeeded)
	} else {
		log.Infof("scan stopped at cursor %d of %d, resume with --resume", s.state.Cursor, s.source.Size())
	}
	return nil
}
