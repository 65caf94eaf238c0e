// Copyright (c) 2025 The btcminer developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package templatemgr polls a node for mining work and decides, on
// every poll, whether what changed is significant enough to justify
// restarting the in-flight search. It is a pull model: the node is
// never asked to push (no ZMQ, no long-poll), matching the job
// manager's ticker-driven refresh in the teacher's pool subsystem.
package templatemgr

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/toole-brendan/btcminer/blockheader"
	"github.com/toole-brendan/btcminer/hashutil"
	"github.com/toole-brendan/btcminer/minertypes"
	"github.com/toole-brendan/btcminer/rpcclient"
)

// State is the manager's own lifecycle, independent of whatever the
// coordinator layered on top does with the templates it emits.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePolling
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePolling:
		return "polling"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// TemplateUpdate describes one poll's outcome. Significant is true
// when Old is nil (the very first template) or when height, previous
// block hash, difficulty, coinbase value, or the transaction set
// changed; RestartRequired mirrors Significant today but is carried
// as its own field since a future rule (e.g. a MinTime-only bump)
// could warrant one without the other.
type TemplateUpdate struct {
	Old             *minertypes.BlockTemplate
	New             *minertypes.BlockTemplate
	Significant     bool
	RestartRequired bool
}

// RPCUnavailable is emitted on every failed poll once consecutive
// poll failures reach Config.FailureThreshold, so a long outage isn't
// silent; polling continues regardless.
type RPCUnavailable struct {
	ConsecutiveFailures int
	LastErr             error
}

// Event is the tagged union sent on Manager.Events: exactly one field
// is non-nil.
type Event struct {
	Update      *TemplateUpdate
	Unavailable *RPCUnavailable
}

// Config tunes the poll loop. Zero values fall back to spec.md §6
// defaults.
type Config struct {
	PollInterval     time.Duration // default 30s
	FailureThreshold int           // default 3
	Rules            []string      // default {"segwit"}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.Rules == nil {
		c.Rules = []string{"segwit"}
	}
	return c
}

// Manager owns the poll loop and the single most recent template.
type Manager struct {
	client *rpcclient.Client
	cfg    Config

	events chan Event

	mu                  sync.RWMutex
	state               State
	current             *minertypes.BlockTemplate
	consecutiveFailures int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Manager bound to client. It does not poll until Start
// is called.
func New(client *rpcclient.Client, cfg Config) *Manager {
	return &Manager{
		client: client,
		cfg:    cfg.withDefaults(),
		events: make(chan Event, 8),
		state:  StateStopped,
	}
}

// Events returns the channel TemplateUpdate and RPCUnavailable events
// arrive on. Must be drained by the caller or the poll loop blocks.
func (m *Manager) Events() <-chan Event { return m.events }

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Current returns the most recently fetched template, or nil before
// the first successful poll.
func (m *Manager) Current() *minertypes.BlockTemplate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start performs one synchronous poll — so Current is populated the
// moment Start returns — then launches the background ticker that
// performs every subsequent poll.
func (m *Manager) Start(ctx context.Context) error {
	m.setState(StateStarting)

	if err := m.pollOnce(ctx); err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("templatemgr: initial poll failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.setState(StateRunning)

	m.wg.Add(1)
	go m.loop(loopCtx)
	return nil
}

// Stop drains the poll loop and blocks until it has exited.
func (m *Manager) Stop() {
	log.Infof("template manager stopping")
	m.setState(StateDraining)
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.setState(StateStopped)
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.setState(StatePolling)
			if err := m.pollOnce(ctx); err != nil {
				m.handleFailure(err)
			} else {
				m.consecutiveFailuresReset()
			}
			m.setState(StateRunning)
		}
	}
}

func (m *Manager) consecutiveFailuresReset() {
	m.mu.Lock()
	m.consecutiveFailures = 0
	m.mu.Unlock()
}

func (m *Manager) handleFailure(err error) {
	m.mu.Lock()
	m.consecutiveFailures++
	n := m.consecutiveFailures
	m.mu.Unlock()

	log.Warnf("poll failed (%d consecutive): %v", n, err)

	if n >= m.cfg.FailureThreshold {
		log.Errorf("node unavailable after %d consecutive poll failures", n)
		m.events <- Event{Unavailable: &RPCUnavailable{ConsecutiveFailures: n, LastErr: err}}
	}
}

// pollOnce fetches a fresh template, decides significance against the
// previous one, swaps it in, and emits a TemplateUpdate.
func (m *Manager) pollOnce(ctx context.Context) error {
	result, err := m.client.GetBlockTemplate(ctx, &btcjson.TemplateRequest{
		Mode:  "template",
		Rules: m.cfg.Rules,
	})
	if err != nil {
		return err
	}

	tmpl, err := convertTemplate(result)
	if err != nil {
		return fmt.Errorf("templatemgr: decoding template: %w", err)
	}

	m.mu.Lock()
	old := m.current
	m.current = tmpl
	m.mu.Unlock()

	significant := isSignificant(old, tmpl)
	if significant {
		log.Infof("new template at height %d (prev block %s, %d tx)", tmpl.Height, tmpl.PreviousBlockHash, len(tmpl.Transactions))
	} else {
		log.Debugf("polled template at height %d: no significant change", tmpl.Height)
	}
	m.events <- Event{Update: &TemplateUpdate{
		Old:             old,
		New:             tmpl,
		Significant:     significant,
		RestartRequired: significant,
	}}
	return nil
}

// isSignificant implements spec.md §4.6's change classes: a fresh
// height, a new tip, a difficulty retarget, a different coinbase
// payout, or a changed transaction set all invalidate in-flight work;
// anything else (e.g. only MinTime moving forward) does not.
func isSignificant(old, new *minertypes.BlockTemplate) bool {
	if old == nil {
		return true
	}
	if old.Height != new.Height {
		return true
	}
	if old.PreviousBlockHash != new.PreviousBlockHash {
		return true
	}
	if old.Bits != new.Bits {
		return true
	}
	if old.CoinbaseValue != new.CoinbaseValue {
		return true
	}
	if len(old.Transactions) != len(new.Transactions) {
		return true
	}
	for i := range old.Transactions {
		if old.Transactions[i].Txid != new.Transactions[i].Txid {
			return true
		}
	}
	return false
}

// convertTemplate translates the node's wire representation into the
// engine's own BlockTemplate: hex fields parsed to bytes/hashes, and
// Bits parsed once into a big.Int target so the worker never repeats
// that arithmetic per attempt.
func convertTemplate(result *btcjson.GetBlockTemplateResult) (*minertypes.BlockTemplate, error) {
	prevHash, err := hashutil.HashFromDisplayHex(result.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("previousblockhash: %w", err)
	}

	var bits uint32
	if _, err := fmt.Sscanf(result.Bits, "%x", &bits); err != nil {
		return nil, fmt.Errorf("bits: %w", err)
	}

	var coinbaseValue int64
	if result.CoinbaseValue != nil {
		coinbaseValue = *result.CoinbaseValue
	}

	txs := make([]minertypes.TxEntry, len(result.Transactions))
	for i, tx := range result.Transactions {
		data, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("transaction %d data: %w", i, err)
		}
		txid, err := hashutil.HashFromDisplayHex(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("transaction %d txid: %w", i, err)
		}
		wtxid := txid
		if tx.Hash != "" {
			h, err := hashutil.HashFromDisplayHex(tx.Hash)
			if err != nil {
				return nil, fmt.Errorf("transaction %d hash: %w", i, err)
			}
			wtxid = h
		}

		depends := make([]int, len(tx.Depends))
		for j, d := range tx.Depends {
			depends[j] = int(d)
		}

		txs[i] = minertypes.TxEntry{
			Data:    data,
			Txid:    txid,
			Hash:    wtxid,
			Fee:     tx.Fee,
			Weight:  tx.Weight,
			SigOps:  tx.SigOps,
			Depends: depends,
		}
	}

	var witnessCommitment []byte
	if result.DefaultWitnessCommitment != "" {
		witnessCommitment, err = hex.DecodeString(result.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("default_witness_commitment: %w", err)
		}
	}

	return &minertypes.BlockTemplate{
		Height:                   result.Height,
		PreviousBlockHash:        prevHash,
		CurTime:                  result.CurTime,
		MinTime:                  result.MinTime,
		Bits:                     bits,
		Target:                   blockheader.Target(bits),
		CoinbaseValue:            coinbaseValue,
		Transactions:             txs,
		DefaultWitnessCommitment: witnessCommitment,
		Version:                  result.Version,
		Rules:                    result.Rules,
		MutableFields:            result.Mutable,
	}, nil
}
