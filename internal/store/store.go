// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store defines the key-value collaborator the node consumes; the
// RDT and mempool packages do not use it (§6: "consumed, not implemented" — the
// spec leaves the backing engine opaque). This package provides the
// interface plus a minimal in-memory implementation good enough for
// tests and a single-node prototype; a production node would swap in a
// real embedded engine behind the same KV interface.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Table enumerates the fixed set of column families the node keeps,
// each with its own cache policy (§6).
type Table string

const (
	TableAccount Table = "ACCOUNT"
	TableChain   Table = "CHAIN"
	TableBlock   Table = "BLOCK"
	TablePeer    Table = "PEER"
)

// ErrUnknownTable is returned for any Table not in the fixed set above.
var ErrUnknownTable = errors.New("store: unknown table")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Op is one operation within an atomic Transaction.
type Op struct {
	Kind  OpKind
	Table Table
	Key   []byte
	Value []byte // unused for OpDelete
}

// OpKind identifies which operation a Op performs.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

// KV is the key-value collaborator consumed by the node (§6). Every
// method is safe for concurrent use.
type KV interface {
	Exists(table Table, key []byte) (bool, error)
	Get(table Table, key []byte) ([]byte, error)
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error

	BatchPut(table Table, kvs map[string][]byte) error
	BatchDelete(table Table, keys [][]byte) error

	// Scan iterates keys in [start, end) order within table, calling fn
	// for each entry. Iteration stops early if fn returns false.
	Scan(table Table, start, end []byte, fn func(key, value []byte) bool) error

	// Apply executes ops atomically: either all operations are visible
	// together or none are.
	Apply(ops []Op) error

	Close() error
}

// CachePolicy tunes a table's in-memory footprint (§6: "each with its
// own cache policy (size, TTL)"). The in-memory store below keeps
// everything resident, so CachePolicy only bounds compression choice;
// a disk-backed implementation would use it for actual eviction.
type CachePolicy struct {
	MaxEntries int
	Compress   bool
}

// DefaultCachePolicies returns the reference per-table policy set (§6):
// accounts and chain state are hot and kept uncompressed, block bodies
// are large and compressed, peer records are small and few.
func DefaultCachePolicies() map[Table]CachePolicy {
	return map[Table]CachePolicy{
		TableAccount: {MaxEntries: 1_000_000, Compress: false},
		TableChain:   {MaxEntries: 100_000, Compress: false},
		TableBlock:   {MaxEntries: 10_000, Compress: true},
		TablePeer:    {MaxEntries: 10_000, Compress: false},
	}
}

type memTable struct {
	mu     sync.RWMutex
	data   map[string][]byte
	policy CachePolicy
}

// MemoryKV is an in-memory KV implementation: a RWMutex-guarded map per
// table. Values in tables with Compress=true are zstd-compressed at
// rest, mirroring the teacher's storage-layer compression-mode knob
// (`config.StorageInfo.CompressionMode`) without its on-disk format.
type MemoryKV struct {
	tables map[Table]*memTable
	enc    *zstd.Encoder
	dec    *zstd.Decoder
}

// New constructs a MemoryKV with the given per-table cache policies. A
// nil policies map uses DefaultCachePolicies.
func New(policies map[Table]CachePolicy) (*MemoryKV, error) {
	if policies == nil {
		policies = DefaultCachePolicies()
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	kv := &MemoryKV{
		tables: make(map[Table]*memTable, len(policies)),
		enc:    enc,
		dec:    dec,
	}
	for t, p := range policies {
		kv.tables[t] = &memTable{data: make(map[string][]byte), policy: p}
	}
	return kv, nil
}

func (kv *MemoryKV) table(t Table) (*memTable, error) {
	mt, ok := kv.tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, t)
	}
	return mt, nil
}

func (kv *MemoryKV) encode(mt *memTable, value []byte) []byte {
	if !mt.policy.Compress {
		return append([]byte(nil), value...)
	}
	return kv.enc.EncodeAll(value, nil)
}

func (kv *MemoryKV) decode(mt *memTable, stored []byte) ([]byte, error) {
	if !mt.policy.Compress {
		return append([]byte(nil), stored...), nil
	}
	return kv.dec.DecodeAll(stored, nil)
}

func (kv *MemoryKV) Exists(t Table, key []byte) (bool, error) {
	mt, err := kv.table(t)
	if err != nil {
		return false, err
	}
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	_, ok := mt.data[string(key)]
	return ok, nil
}

func (kv *MemoryKV) Get(t Table, key []byte) ([]byte, error) {
	mt, err := kv.table(t)
	if err != nil {
		return nil, err
	}
	mt.mu.RLock()
	stored, ok := mt.data[string(key)]
	mt.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return kv.decode(mt, stored)
}

func (kv *MemoryKV) Put(t Table, key, value []byte) error {
	mt, err := kv.table(t)
	if err != nil {
		return err
	}
	stored := kv.encode(mt, value)
	mt.mu.Lock()
	mt.data[string(key)] = stored
	mt.mu.Unlock()
	return nil
}

func (kv *MemoryKV) Delete(t Table, key []byte) error {
	mt, err := kv.table(t)
	if err != nil {
		return err
	}
	mt.mu.Lock()
	delete(mt.data, string(key))
	mt.mu.Unlock()
	return nil
}

func (kv *MemoryKV) BatchPut(t Table, kvs map[string][]byte) error {
	mt, err := kv.table(t)
	if err != nil {
		return err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for k, v := range kvs {
		mt.data[k] = kv.encode(mt, v)
	}
	return nil
}

func (kv *MemoryKV) BatchDelete(t Table, keys [][]byte) error {
	mt, err := kv.table(t)
	if err != nil {
		return err
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for _, k := range keys {
		delete(mt.data, string(k))
	}
	return nil
}

// Scan iterates keys in [start, end) lexical order. A nil end means
// "no upper bound".
func (kv *MemoryKV) Scan(t Table, start, end []byte, fn func(key, value []byte) bool) error {
	mt, err := kv.table(t)
	if err != nil {
		return err
	}

	mt.mu.RLock()
	keys := make([]string, 0, len(mt.data))
	for k := range mt.data {
		keys = append(keys, k)
	}
	mt.mu.RUnlock()

	sort.Strings(keys)

	for _, k := range keys {
		if start != nil && k < string(start) {
			continue
		}
		if end != nil && k >= string(end) {
			break
		}
		mt.mu.RLock()
		stored, ok := mt.data[k]
		mt.mu.RUnlock()
		if !ok {
			continue // deleted concurrently with the scan
		}
		value, err := kv.decode(mt, stored)
		if err != nil {
			return fmt.Errorf("decoding value for key %q: %w", k, err)
		}
		if !fn([]byte(k), value) {
			return nil
		}
	}
	return nil
}

// Apply executes ops atomically. The in-memory implementation achieves
// this by locking every table touched by ops (in a fixed order, to
// avoid deadlocking against a concurrent Apply) before mutating any of
// them.
func (kv *MemoryKV) Apply(ops []Op) error {
	touched := make(map[Table]*memTable)
	for _, op := range ops {
		if _, ok := touched[op.Table]; ok {
			continue
		}
		mt, err := kv.table(op.Table)
		if err != nil {
			return err
		}
		touched[op.Table] = mt
	}

	order := make([]Table, 0, len(touched))
	for t := range touched {
		order = append(order, t)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, t := range order {
		touched[t].mu.Lock()
		defer touched[t].mu.Unlock()
	}

	for _, op := range ops {
		mt := touched[op.Table]
		key := string(op.Key)
		switch op.Kind {
		case OpInsert, OpUpdate:
			mt.data[key] = kv.encode(mt, op.Value)
		case OpDelete:
			delete(mt.data, key)
		}
	}
	return nil
}

func (kv *MemoryKV) Close() error { return nil }
