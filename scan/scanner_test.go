package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCorruptCheckpoint(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(`{"state":{},"checksum":"bogus"}`), 0o644))
}

// collectSink records every delivery.
type collectSink struct {
	mu    sync.Mutex
	addrs []Address
	fail  bool
}

func (s *collectSink) Deliver(addr Address, rec *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs = append(s.addrs, addr)
	if s.fail {
		return errors.New("sink is down")
	}
	return nil
}

func (s *collectSink) delivered() []Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Address(nil), s.addrs...)
}

func testConfig(t *testing.T, start, end uint32) Config {
	t.Helper()
	return Config{
		RangeStart:      start,
		RangeEnd:        end,
		Port:            DefaultPort,
		Mode:            ModeSequential,
		Workers:         4,
		Rate:            1e6,
		Timeout:         time.Second,
		CheckpointPath:  filepath.Join(t.TempDir(), "checkpoint.json"),
		CheckpointEvery: time.Minute,
		DrainTimeout:    time.Second,
	}
}

func TestScannerEndToEnd(t *testing.T) {
	start, end, err := ParseRange("10.0.0.0-10.0.0.15")
	require.NoError(t, err)

	hits := map[uint32]bool{start + 7: true, start + 13: true}
	probe := probeFunc(func(ctx context.Context, addr Address) ProbeOutcome {
		if hits[addr.IP] {
			return ProbeOutcome{Addr: addr, Status: StatusSuccess, Record: &ServerRecord{
				Addr: addr, Version: "1.20.4", PlayersOnline: 1, PlayersMax: 20,
			}}
		}
		return ProbeOutcome{Addr: addr, Status: StatusTimeout}
	})

	sink := &collectSink{}
	cfg := testConfig(t, start, end)
	scanner := NewScanner(cfg, probe, sink)
	require.NoError(t, scanner.Run(context.Background()))
	assert.Equal(t, PhaseStopped, scanner.Phase())

	st := scanner.State()
	assert.Equal(t, uint64(16), st.Attempted)
	assert.Equal(t, uint64(2), st.Succeeded)
	assert.Equal(t, uint64(14), st.Failed)
	assert.Equal(t, uint64(16), st.Cursor)

	got := sink.delivered()
	require.Len(t, got, 2)
	ips := map[uint32]bool{got[0].IP: true, got[1].IP: true}
	assert.True(t, ips[start+7])
	assert.True(t, ips[start+13])

	// The final flush must round-trip through the store.
	loaded, err := NewCheckpointStore(cfg.CheckpointPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), loaded.Attempted)
	assert.Equal(t, uint64(2), loaded.Succeeded)
}

func TestScannerStopAndResume(t *testing.T) {
	start, end, err := ParseRange("10.0.0.0-10.0.0.15")
	require.NoError(t, err)

	cfg := testConfig(t, start, end)
	cfg.Workers = 1
	cfg.Queue = 1
	cfg.DrainTimeout = 150 * time.Millisecond

	var scanner *Scanner
	var calls int64
	probe := probeFunc(func(ctx context.Context, addr Address) ProbeOutcome {
		n := atomic.AddInt64(&calls, 1)
		if n <= 8 {
			if n == 8 {
				scanner.RequestStop()
			}
			return ProbeOutcome{Addr: addr, Status: StatusTimeout}
		}
		// Anything past the stop point hangs until force-cancelled, so it
		// must not be recorded as attempted.
		<-ctx.Done()
		return ProbeOutcome{Addr: addr, Status: StatusTimeout}
	})

	scanner = NewScanner(cfg, probe, &collectSink{})
	require.NoError(t, scanner.Run(context.Background()))

	loaded, err := NewCheckpointStore(cfg.CheckpointPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), loaded.Attempted)
	assert.Equal(t, uint64(8), loaded.Cursor)

	// Resume: only the un-flushed half may be probed again.
	var mu sync.Mutex
	var probed []uint32
	resumeProbe := probeFunc(func(ctx context.Context, addr Address) ProbeOutcome {
		mu.Lock()
		probed = append(probed, addr.IP)
		mu.Unlock()
		return ProbeOutcome{Addr: addr, Status: StatusTimeout}
	})

	resumeCfg := cfg
	resumeCfg.Workers = 1
	resumeCfg.Resume = true
	resumed := NewScanner(resumeCfg, resumeProbe, &collectSink{})
	require.NoError(t, resumed.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, probed, 8)
	for i, ip := range probed {
		assert.Equal(t, start+8+uint32(i), ip, "resume must pick up exactly where the flush left off")
	}

	final, err := NewCheckpointStore(cfg.CheckpointPath).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(16), final.Attempted)
	assert.Equal(t, uint64(16), final.Cursor)
}

func TestScannerSinkFailureDoesNotHaltScan(t *testing.T) {
	start, end, err := ParseRange("10.0.0.0-10.0.0.3")
	require.NoError(t, err)

	probe := probeFunc(func(ctx context.Context, addr Address) ProbeOutcome {
		return ProbeOutcome{Addr: addr, Status: StatusSuccess, Record: &ServerRecord{Addr: addr}}
	})
	sink := &collectSink{fail: true}

	scanner := NewScanner(testConfig(t, start, end), probe, sink)
	require.NoError(t, scanner.Run(context.Background()))

	st := scanner.State()
	assert.Equal(t, uint64(4), st.Attempted)
	assert.Equal(t, uint64(4), st.Succeeded)
	assert.Len(t, sink.delivered(), 4, "every record is still offered to the sink")
}

func TestScannerConfigErrors(t *testing.T) {
	start, end := uint32(0), uint32(15)

	cfg := testConfig(t, start, end)
	cfg.Workers = 0
	err := NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)

	cfg = testConfig(t, start, end)
	cfg.Rate = 0
	err = NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)

	cfg = testConfig(t, start, end)
	cfg.Resume = true
	cfg.Fresh = true
	err = NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)
}

func TestScannerRefusesMismatchedCheckpoint(t *testing.T) {
	cfg := testConfig(t, 0, 15)

	other := NewScanState(ModeSequential, 0, 100, 200, DefaultPort)
	require.NoError(t, NewCheckpointStore(cfg.CheckpointPath).Save(other))

	cfg.Resume = true
	err := NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)
}

func TestScannerRefusesExistingCheckpointWithoutResume(t *testing.T) {
	cfg := testConfig(t, 0, 15)
	st := NewScanState(ModeSequential, 0, 0, 15, DefaultPort)
	require.NoError(t, NewCheckpointStore(cfg.CheckpointPath).Save(st))

	err := NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)

	cfg.Fresh = true
	require.NoError(t, NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background()))
}

func TestScannerCorruptCheckpointIsFatalUnlessFresh(t *testing.T) {
	cfg := testConfig(t, 0, 15)
	writeCorruptCheckpoint(t, cfg.CheckpointPath)

	cfg.Resume = true
	err := NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background())
	require.Error(t, err)

	cfg.Resume = false
	cfg.Fresh = true
	require.NoError(t, NewScanner(cfg, probeFunc(timeoutProbe), nil).Run(context.Background()))
}
