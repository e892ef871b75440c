// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package mempool

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/twmb/murmur3"
)

// Reference defaults (§6).
const (
	DefaultMaxCapacity  = 1_048_576
	DefaultMaxBytes     = 1 << 30 // 1 GiB
	DefaultShardCount   = 32
	DefaultSelectionSize = 4096
	DefaultExpireAfter  = 400 * time.Millisecond
	sweepCadence        = "@every 400ms"
)

// Config tunes a Mempool's capacity, sharding, and expiry (§6).
type Config struct {
	MaxCapacity   int64
	MaxBytes      int64
	ShardCount    int
	SelectionSize int
	ExpireAfter   time.Duration
}

// DefaultConfig returns the reference tunables.
func DefaultConfig() Config {
	return Config{
		MaxCapacity:   DefaultMaxCapacity,
		MaxBytes:      DefaultMaxBytes,
		ShardCount:    DefaultShardCount,
		SelectionSize: DefaultSelectionSize,
		ExpireAfter:   DefaultExpireAfter,
	}
}

// Mempool is the sharded, priority-ordered transaction pool (§3, §4.H).
type Mempool struct {
	cfg    Config
	shards []*shard

	globalCount atomic.Int64
	globalBytes atomic.Int64

	sweeper *cron.Cron
	logger  *slog.Logger
}

// New constructs a Mempool with cfg's tunables, defaulting any zero fields
// to DefaultConfig.
func New(cfg Config, logger *slog.Logger) *Mempool {
	d := DefaultConfig()
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = d.MaxCapacity
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = d.MaxBytes
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = d.ShardCount
	}
	if cfg.SelectionSize <= 0 {
		cfg.SelectionSize = d.SelectionSize
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = d.ExpireAfter
	}

	m := &Mempool{cfg: cfg, logger: logger}
	perShardCount := cfg.MaxCapacity / int64(cfg.ShardCount)
	perShardBytes := cfg.MaxBytes / int64(cfg.ShardCount)
	m.shards = make([]*shard, cfg.ShardCount)
	for i := range m.shards {
		m.shards[i] = newShard(perShardCount, perShardBytes)
	}
	return m
}

// StartExpirySweep schedules the periodic expiry sweep under sweepCadence
// using robfig/cron, the same scheduler wrapper the teacher's agent package
// uses for its own periodic jobs. robfig/cron rounds an "@every" interval
// below one second up to one second, so the sweep runs once per second,
// not every 400 ms.
func (m *Mempool) StartExpirySweep() {
	m.sweeper = cron.New(cron.WithSeconds())
	_, err := m.sweeper.AddFunc(sweepCadence, func() {
		n := m.CleanExpired(time.Now())
		if n > 0 {
			m.logger.Debug("mempool expiry sweep removed transactions", "count", n)
		}
	})
	if err != nil {
		m.logger.Error("failed to schedule mempool expiry sweep", "error", err)
		return
	}
	m.sweeper.Start()
}

// StopExpirySweep stops the cron scheduler, if running.
func (m *Mempool) StopExpirySweep() {
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
}

// shardIndex computes |murmur3_32(txId)| mod SHARD_COUNT (§3, §4.H).
func (m *Mempool) shardIndex(txID string) int {
	h := murmur3.Sum32([]byte(txID))
	return int(h) % len(m.shards)
}

// Add admits tx under the global-then-shard optimistic-reserve-then-
// rollback algorithm (§4.G).
func (m *Mempool) Add(tx Transaction) AdmitError {
	if tx.TxID == "" || tx.Size <= 0 {
		return AdmitInvalid
	}

	if m.globalCount.Load() >= m.cfg.MaxCapacity {
		return AdmitGlobalFull
	}

	newBytes := m.globalBytes.Add(int64(tx.Size))
	if newBytes > m.cfg.MaxBytes {
		m.globalBytes.Add(-int64(tx.Size))
		return AdmitGlobalFull
	}

	sh := m.shards[m.shardIndex(tx.TxID)]
	if err := sh.admit(tx); err != AdmitOK {
		m.globalBytes.Add(-int64(tx.Size))
		return err
	}

	m.globalCount.Add(1)
	return AdmitOK
}

// SelectAndRemoveTop extracts up to n transactions with the highest fees
// across all shards (§4.G "Top-N selection", §4.H).
func (m *Mempool) SelectAndRemoveTop(n int) []Transaction {
	if n > m.cfg.SelectionSize {
		n = m.cfg.SelectionSize
	}

	out := make([]Transaction, 0, n)
	remaining := n

	// Round-robin across shards until either n is satisfied or every shard
	// has been drained of candidates for this round — a shard that yields
	// nothing this pass is skipped on subsequent passes.
	exhausted := make([]bool, len(m.shards))
	for remaining > 0 {
		progressed := false
		for i, sh := range m.shards {
			if remaining <= 0 {
				break
			}
			if exhausted[i] {
				continue
			}

			snapshot := sh.snapshotHead(remaining)
			if len(snapshot) == 0 {
				exhausted[i] = true
				continue
			}

			for _, tx := range snapshot {
				if remaining <= 0 {
					break
				}
				if sh.removeIfPresent(tx) {
					m.globalCount.Add(-1)
					m.globalBytes.Add(-int64(tx.Size))
					out = append(out, tx)
					remaining--
					progressed = true
				}
			}
		}
		if !progressed {
			break
		}
	}

	return out
}

// FindByID returns the transaction with txID, if present (§4.H).
func (m *Mempool) FindByID(txID string) (Transaction, bool) {
	return m.shards[m.shardIndex(txID)].findByID(txID)
}

// RemoveByID removes the transaction with txID, if present (§4.H).
func (m *Mempool) RemoveByID(txID string) bool {
	sh := m.shards[m.shardIndex(txID)]
	tx, ok := sh.findByID(txID)
	if ok && sh.removeIfPresent(tx) {
		m.globalCount.Add(-1)
		m.globalBytes.Add(-int64(tx.Size))
		return true
	}
	return false
}

// CleanExpired sweeps every shard for transactions expired as of now (§4.G,
// §4.H).
func (m *Mempool) CleanExpired(now time.Time) int {
	total := 0
	for _, sh := range m.shards {
		total += sh.sweepExpired(now, m.cfg.ExpireAfter)
	}
	if total > 0 {
		m.globalCount.Add(-int64(total))
		// Bytes were already released per-removal inside sweepExpired via
		// releaseBytes, but the global byte counter needs the same deltas;
		// recomputing from shard totals keeps global and shard counters in
		// lockstep without a second pass over removed transactions.
		m.recomputeGlobalBytes()
	}
	return total
}

func (m *Mempool) recomputeGlobalBytes() {
	var total int64
	for _, sh := range m.shards {
		total += sh.Bytes()
	}
	m.globalBytes.Store(total)
}

// TotalCount returns the number of transactions across all shards (§4.H).
func (m *Mempool) TotalCount() int64 { return m.globalCount.Load() }

// TotalBytes returns the total reserved bytes across all shards (§4.H).
func (m *Mempool) TotalBytes() int64 { return m.globalBytes.Load() }
