// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the full configuration for a solnode process: system
// paths, the RDT transport, and the mempool. Mirrors the teacher's
// AgentConfig/ServerConfig shape (named sub-structs, yaml.v3, a
// validate() pass that also fills in defaults).
type NodeConfig struct {
	System  SystemInfo  `yaml:"system"`
	Network NetworkInfo `yaml:"network"`
	Mempool MempoolInfo `yaml:"mempool"`
	RDT     RDTInfo     `yaml:"rdt"`
	Logging LoggingInfo `yaml:"logging"`
}

// SystemInfo holds node-local storage settings (§6).
type SystemInfo struct {
	Path       string `yaml:"path"`     // data directory for the KV store
	MaxSize    string `yaml:"max_size"` // e.g. "10gb"
	MaxSizeRaw int64  `yaml:"-"`
}

// NetworkInfo holds the UDP listener and optional STUN settings (§6).
type NetworkInfo struct {
	Port     int    `yaml:"port"` // default 8333
	IsStun   bool   `yaml:"is_stun"`
	StunPort int    `yaml:"stun_port"`
	StunHost string `yaml:"stun_host"`
}

// MempoolInfo tunes the transaction pool (§4.G/§4.H).
type MempoolInfo struct {
	MaxCapacity   int           `yaml:"max_capacity"`
	MaxBytes      string        `yaml:"max_bytes"` // e.g. "1gb"
	MaxBytesRaw   int64         `yaml:"-"`
	SelectionSize int           `yaml:"selection_size"`
	ShardCount    int           `yaml:"shard_count"`
	TxExpire      time.Duration `yaml:"tx_expire"`
}

// RDTInfo tunes the reliable-datagram transport (§3/§4).
type RDTInfo struct {
	MaxFramePayload     int           `yaml:"max_frame_payload"`
	PublicBatchSize     int           `yaml:"public_batch_size"`
	RetransmitInterval  time.Duration `yaml:"retransmit_interval"`
	MaxRetransmitTimes  int           `yaml:"max_retransmit_times"`
	GlobalTimeout       time.Duration `yaml:"global_timeout"`
	ConnectionIdleTTL   time.Duration `yaml:"connection_idle_ttl"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RegistryCapacity    int           `yaml:"registry_capacity"`
}

// LoadNodeConfig reads and validates the node's YAML configuration file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node config: %w", err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing node config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating node config: %w", err)
	}

	return &cfg, nil
}

func (c *NodeConfig) validate() error {
	if c.System.Path == "" {
		return fmt.Errorf("system.path is required")
	}
	if c.System.MaxSize == "" {
		c.System.MaxSize = "10gb"
	}
	maxSize, err := ParseByteSize(c.System.MaxSize)
	if err != nil {
		return fmt.Errorf("system.max_size: %w", err)
	}
	c.System.MaxSizeRaw = maxSize

	if c.Network.Port == 0 {
		c.Network.Port = 8333
	}
	if c.Network.IsStun && c.Network.StunPort == 0 {
		c.Network.StunPort = 3478
	}

	if c.Mempool.MaxCapacity <= 0 {
		c.Mempool.MaxCapacity = 1_048_576
	}
	if c.Mempool.MaxBytes == "" {
		c.Mempool.MaxBytes = "1gb"
	}
	maxBytes, err := ParseByteSize(c.Mempool.MaxBytes)
	if err != nil {
		return fmt.Errorf("mempool.max_bytes: %w", err)
	}
	c.Mempool.MaxBytesRaw = maxBytes
	if c.Mempool.SelectionSize <= 0 {
		c.Mempool.SelectionSize = 4096
	}
	if c.Mempool.ShardCount <= 0 {
		c.Mempool.ShardCount = 32
	}
	if c.Mempool.TxExpire <= 0 {
		c.Mempool.TxExpire = 400 * time.Millisecond
	}

	if c.RDT.MaxFramePayload <= 0 {
		c.RDT.MaxFramePayload = 1024
	}
	if c.RDT.PublicBatchSize <= 0 {
		c.RDT.PublicBatchSize = 1000
	}
	if c.RDT.RetransmitInterval <= 0 {
		c.RDT.RetransmitInterval = 50 * time.Millisecond
	}
	if c.RDT.MaxRetransmitTimes <= 0 {
		c.RDT.MaxRetransmitTimes = 6
	}
	if c.RDT.GlobalTimeout <= 0 {
		c.RDT.GlobalTimeout = 300 * time.Millisecond
	}
	if c.RDT.ConnectionIdleTTL <= 0 {
		c.RDT.ConnectionIdleTTL = 60 * time.Second
	}
	if c.RDT.HeartbeatInterval <= 0 {
		c.RDT.HeartbeatInterval = 400 * time.Millisecond
	}
	if c.RDT.RegistryCapacity <= 0 {
		c.RDT.RegistryCapacity = 10_000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
