// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package coordinator owns the worker pool: it partitions one
// template's search space across N workers, tracks their generation
// so a template swap or Stop cleanly orphans whatever they were doing,
// aggregates their progress into a single hash-rate figure, and
// arbitrates the (rare, but possible) case of two workers reporting a
// solution at nearly the same instant. It plays the role the
// teacher's mineWorkerController plays for RandomX's worker
// goroutines, generalized to this engine's per-extraNonce/per-nonce
// partitioning instead of a single shared nonce counter.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/toole-brendan/btcminer/accelerator"
	"github.com/toole-brendan/btcminer/minertypes"
	"github.com/toole-brendan/btcminer/worker"
)

// Config tunes how a Coordinator partitions and aggregates work.
type Config struct {
	NumWorkers    int
	PayoutAddress string
	Net           *chaincfg.Params
	Message       []byte

	// SnapshotInterval controls how often an aggregated Progress
	// event is emitted. Zero means 5000ms, matching spec.md §6's
	// default progress-report interval.
	SnapshotInterval time.Duration

	// ExtraNonceSpace is the number of extraNonce values partitioned
	// across the worker pool. Zero means the full uint32 space
	// (1<<32) — shrinking it is mainly useful for tests, where
	// exhausting the real space is not something that finishes.
	ExtraNonceSpace uint64

	// NonceSpace is the number of header-nonce values each worker
	// sweeps per extraNonce it owns. Zero means the full uint32 space.
	NonceSpace uint64

	// ScannerFactory builds the accelerator.Scanner for worker i.
	// Nil means every worker gets its own accelerator.CPUScanner.
	ScannerFactory func(workerID int) accelerator.Scanner
}

func (c Config) withDefaults() Config {
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5000 * time.Millisecond
	}
	if c.ExtraNonceSpace == 0 {
		c.ExtraNonceSpace = uint64(1) << 32
	}
	if c.NonceSpace == 0 {
		c.NonceSpace = uint64(1) << 32
	}
	return c
}

// EventKind discriminates the Event union emitted on Coordinator.Events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventBlockFound
	EventSearchExhausted
)

// Snapshot is one aggregated read of every worker's progress.
type Snapshot struct {
	Generation    uint64
	TotalAttempts uint64
	HashRate      float64 // EWMA hashes/sec
	ActiveWorkers int
	Workers       []minertypes.WorkerSnapshot
}

// FoundBlock is everything downstream needs to assemble and submit
// the winning block: which worker found it, under which generation
// (so a caller can tell whether the template it still has in hand is
// the one the solution belongs to), and the winning (extraNonce, nonce)
// pair.
type FoundBlock struct {
	Generation uint64
	Template   *minertypes.BlockTemplate
	ExtraNonce uint32
	Nonce      uint32
	Hash       chainhash.Hash
}

// Event is the tagged union a Coordinator emits: exactly one of
// Snapshot (for EventProgress) or Found (for EventBlockFound) is
// meaningful per Kind; EventSearchExhausted carries only Snapshot's
// final counts.
type Event struct {
	Kind     EventKind
	Snapshot Snapshot
	Found    *FoundBlock
}

// Coordinator runs at most one generation's worker pool at a time.
// Start, UpdateTemplate, and Stop are not safe to call concurrently
// with each other, but Events may be read from any goroutine.
type Coordinator struct {
	cfg Config

	mu                   sync.Mutex
	state                minertypes.MiningPhase
	generation           uint64
	template             *minertypes.BlockTemplate
	workerStates         map[int]*minertypes.WorkerSnapshot
	exhaustedWorkers     int
	foundHandled         bool
	lastSnapshotAttempts uint64
	lastSnapshotTime     time.Time
	ewmaRate             float64

	workerEvents chan worker.Event
	events       chan Event
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New builds a Coordinator. It does nothing until Start is called.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		state:  minertypes.Stopped,
		events: make(chan Event, 16),
	}
}

// Events returns the channel Progress/BlockFound/SearchExhausted
// events arrive on. Must be drained or the internal event loop stalls.
func (c *Coordinator) Events() <-chan Event { return c.events }

// State reports the coordinator's current lifecycle state.
func (c *Coordinator) State() minertypes.MiningPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// partitionExtraNonceRanges splits a total extraNonce space into n
// disjoint, contiguous ranges of near-equal size, one per worker.
// Each worker then sweeps the full NonceSpace for every extraNonce it
// owns — the same "exhaust the nonce space, then bump extraNonce"
// order real hardware searches in — so no two workers ever examine
// the same (extraNonce, nonce) pair.
func partitionExtraNonceRanges(n int, total uint64) []minertypes.Range {
	base := total / uint64(n)
	remainder := total % uint64(n)

	ranges := make([]minertypes.Range, n)
	start := uint64(0)
	for i := 0; i < n; i++ {
		size := base
		if uint64(i) < remainder {
			size++
		}
		ranges[i] = minertypes.Range{Start: start, End: start + size}
		start += size
	}
	return ranges
}

// Start partitions tmpl's search space across cfg.NumWorkers workers
// and launches them under a fresh generation. It returns an error if
// a search is already running — call Stop or UpdateTemplate first.
func (c *Coordinator) Start(ctx context.Context, tmpl *minertypes.BlockTemplate) error {
	c.mu.Lock()
	if c.state == minertypes.Running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator: already running")
	}

	c.generation++
	gen := c.generation
	c.template = tmpl
	c.workerStates = make(map[int]*minertypes.WorkerSnapshot, c.cfg.NumWorkers)
	c.exhaustedWorkers = 0
	c.foundHandled = false
	c.lastSnapshotAttempts = 0
	c.lastSnapshotTime = time.Now()
	c.ewmaRate = 0
	c.workerEvents = make(chan worker.Event, c.cfg.NumWorkers*4)
	c.state = minertypes.Running

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	extraNonceRanges := partitionExtraNonceRanges(c.cfg.NumWorkers, c.cfg.ExtraNonceSpace)
	for i := 0; i < c.cfg.NumWorkers; i++ {
		space := minertypes.SearchSpace{
			ExtraNonceRange: extraNonceRanges[i],
			NonceRange:      minertypes.Range{Start: 0, End: c.cfg.NonceSpace},
		}
		c.workerStates[i] = &minertypes.WorkerSnapshot{ID: i, Subspace: space, Phase: minertypes.PhaseMining}

		scanner := accelerator.Scanner(accelerator.CPUScanner{})
		if c.cfg.ScannerFactory != nil {
			scanner = c.cfg.ScannerFactory(i)
		}

		cmd := worker.Command{
			Generation:     gen,
			Template:       tmpl,
			Space:          space,
			CoinbaseHeight: tmpl.Height,
			CoinbaseValue:  tmpl.CoinbaseValue,
			PayoutAddress:  c.cfg.PayoutAddress,
			Net:            c.cfg.Net,
			Message:        c.cfg.Message,
		}

		w := worker.New(i, scanner, c.workerEvents)
		c.wg.Add(1)
		go func(w *worker.Worker, cmd worker.Command) {
			defer c.wg.Done()
			w.Run(loopCtx, cmd)
		}(w, cmd)
	}
	c.mu.Unlock()

	log.Infof("starting generation %d: %d workers over height %d", gen, c.cfg.NumWorkers, tmpl.Height)

	c.wg.Add(1)
	go c.runEventLoop(loopCtx, gen)
	return nil
}

// Stop cancels the running generation's workers and blocks until they
// (and the event loop) have exited. Calling Stop when nothing is
// running is a no-op.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != minertypes.Running {
		c.mu.Unlock()
		return
	}
	c.state = minertypes.Draining
	cancel := c.cancel
	gen := c.generation
	c.mu.Unlock()

	log.Infof("stopping generation %d", gen)

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = minertypes.Stopped
	c.mu.Unlock()
}

// SetWorkerCount changes the worker pool size and restarts the search
// at the current template with a fresh generation, the same way a
// template swap does — every worker's partial progress under the old
// count is discarded, since the extraNonce partition boundaries shift.
// Calling it before Start only changes the count Start will use.
func (c *Coordinator) SetWorkerCount(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("coordinator: worker count must be positive")
	}

	c.mu.Lock()
	c.cfg.NumWorkers = n
	running := c.state == minertypes.Running
	tmpl := c.template
	c.mu.Unlock()

	if !running {
		return nil
	}

	log.Infof("resizing worker pool to %d workers", n)
	c.Stop()
	return c.Start(ctx, tmpl)
}

// UpdateTemplate stops the current generation, if any, and starts a
// new one against tmpl. Every worker restarts from scratch — total
// attempts reset to zero — which is the point: a template swap means
// the previous generation's partial search is for a block that can no
// longer be built.
func (c *Coordinator) UpdateTemplate(ctx context.Context, tmpl *minertypes.BlockTemplate) error {
	c.Stop()
	return c.Start(ctx, tmpl)
}

func (c *Coordinator) runEventLoop(ctx context.Context, generation uint64) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-c.workerEvents:
			if !ok {
				return
			}
			// A worker started under a generation that has since
			// been superseded (Stop/UpdateTemplate raced its final
			// send) is discarded here rather than threaded through
			// every event consumer.
			if ev.Generation != generation {
				continue
			}
			c.handleWorkerEvent(ctx, ev)

		case <-ticker.C:
			c.emitSnapshot(generation, EventProgress)
		}
	}
}

func (c *Coordinator) handleWorkerEvent(ctx context.Context, ev worker.Event) {
	c.mu.Lock()
	snap, ok := c.workerStates[ev.WorkerID]
	if !ok {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case worker.KindProgress:
		snap.Attempts = ev.Attempts
		snap.LastProgressUnix = time.Now().Unix()
		snap.Phase = minertypes.PhaseMining
		c.mu.Unlock()

	case worker.KindFound:
		snap.Attempts = ev.Attempts
		snap.Phase = minertypes.PhaseFound
		snap.LastHash = ev.Hash
		already := c.foundHandled
		c.foundHandled = true
		tmpl := c.template
		c.mu.Unlock()

		// Tie-break: the first Found event the (single-threaded)
		// event loop observes wins. foundHandled latches immediately
		// so a second worker's Found — already in flight before the
		// cancellation below reaches it — is silently dropped instead
		// of producing a second BlockFound for the same generation.
		if already {
			return
		}
		log.Infof("worker %d found a solution at generation %d (extraNonce %d, nonce %d)",
			ev.WorkerID, ev.Generation, ev.ExtraNonce, ev.Nonce)
		if c.cancel != nil {
			c.cancel()
		}
		c.events <- Event{Kind: EventBlockFound, Found: &FoundBlock{
			Generation: ev.Generation,
			Template:   tmpl,
			ExtraNonce: ev.ExtraNonce,
			Nonce:      ev.Nonce,
			Hash:       ev.Hash,
		}}

	case worker.KindExhausted:
		snap.Attempts = ev.Attempts
		snap.Phase = minertypes.PhaseExhausted
		c.exhaustedWorkers++
		allDone := c.exhaustedWorkers >= len(c.workerStates)
		c.mu.Unlock()

		if allDone {
			log.Infof("generation %d: search space exhausted across all %d workers", ev.Generation, len(c.workerStates))
			c.emitSnapshot(ev.Generation, EventSearchExhausted)
		}

	case worker.KindErrored:
		snap.Phase = minertypes.PhaseErrored
		c.mu.Unlock()
		log.Errorf("worker %d errored: %v", ev.WorkerID, ev.Err)
	}
}

// emitSnapshot aggregates every worker's attempt count into an EWMA
// hash-rate estimate and sends it as kind.
func (c *Coordinator) emitSnapshot(generation uint64, kind EventKind) {
	c.mu.Lock()

	var total uint64
	workers := make([]minertypes.WorkerSnapshot, 0, len(c.workerStates))
	for _, w := range c.workerStates {
		total += w.Attempts
		workers = append(workers, *w)
	}

	now := time.Now()
	elapsed := now.Sub(c.lastSnapshotTime).Seconds()
	var instantaneous float64
	if elapsed > 0 && total >= c.lastSnapshotAttempts {
		instantaneous = float64(total-c.lastSnapshotAttempts) / elapsed
	}

	const ewmaAlpha = 0.3
	if c.ewmaRate == 0 {
		c.ewmaRate = instantaneous
	} else {
		c.ewmaRate = ewmaAlpha*instantaneous + (1-ewmaAlpha)*c.ewmaRate
	}

	c.lastSnapshotAttempts = total
	c.lastSnapshotTime = now

	snapshot := Snapshot{
		Generation:    generation,
		TotalAttempts: total,
		HashRate:      c.ewmaRate,
		ActiveWorkers: c.cfg.NumWorkers,
		Workers:       workers,
	}
	c.mu.Unlock()

	c.events <- Event{Kind: kind, Snapshot: snapshot}
}
