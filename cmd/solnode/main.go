// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Command solnode runs a single node: a UDP-bound RDT transport carrying a
// sharded transaction mempool.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/solnode/internal/config"
	"github.com/nishisan-dev/solnode/internal/dispatch"
	"github.com/nishisan-dev/solnode/internal/logging"
	"github.com/nishisan-dev/solnode/internal/mempool"
	"github.com/nishisan-dev/solnode/internal/peer"
	"github.com/nishisan-dev/solnode/internal/protocol"
	"github.com/nishisan-dev/solnode/internal/rdt"
	"github.com/nishisan-dev/solnode/internal/store"
)

const maxDatagramSize = protocol.HeaderSize + protocol.MaxFramePayload

func main() {
	configPath := flag.String("config", "/etc/solnode/node.yaml", "path to node config file")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, "", logging.Rotation{})
	defer logCloser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("node error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.NodeConfig, logger *slog.Logger) error {
	kv, err := store.New(nil)
	if err != nil {
		return fmt.Errorf("constructing store: %w", err)
	}
	defer kv.Close()

	pool := mempool.New(mempool.Config{
		MaxCapacity:   int64(cfg.Mempool.MaxCapacity),
		MaxBytes:      cfg.Mempool.MaxBytesRaw,
		ShardCount:    cfg.Mempool.ShardCount,
		SelectionSize: cfg.Mempool.SelectionSize,
		ExpireAfter:   cfg.Mempool.TxExpire,
	}, logger)
	pool.StartExpirySweep()
	defer pool.StopExpirySweep()

	var selfID peer.ID
	routingTable := peer.NewTable(selfID)

	dispatchTable := dispatch.NewTable(logger)
	dispatchTable.RegisterVoid(dispatch.TagTxSubmit, func(connID uint64, body []byte) {
		tx, err := decodeTxSubmit(body)
		if err != nil {
			logger.Warn("dropping malformed tx submission", "connection", connID, "error", err)
			return
		}
		if admitErr := pool.Add(tx); admitErr != mempool.AdmitOK {
			logger.Debug("tx rejected", "txId", tx.TxID, "reason", admitErr.Error())
		}
	})
	dispatchTable.RegisterVoid(dispatch.TagHandshake, func(connID uint64, body []byte) {
		p, err := decodeHandshake(body)
		if err != nil {
			logger.Warn("dropping malformed handshake", "connection", connID, "error", err)
			return
		}
		routingTable.Insert(p)
	})

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Network.Port})
	if err != nil {
		return fmt.Errorf("binding udp socket: %w", err)
	}
	defer conn.Close()

	localEndpoint := conn.LocalAddr().String()
	wheel := rdt.NewTimerWheel(256, 4)
	defer wheel.Close()
	ids := rdt.NewIDGenerator()
	correlator := dispatch.NewCorrelator()

	rdtParams := rdt.Params{
		MaxFramePayload:    cfg.RDT.MaxFramePayload,
		PublicBatchSize:    cfg.RDT.PublicBatchSize,
		RetransmitInterval: cfg.RDT.RetransmitInterval,
		MaxRetransmitTimes: cfg.RDT.MaxRetransmitTimes,
		GlobalTimeout:      cfg.RDT.GlobalTimeout,
		ConnectionIdleTTL:  cfg.RDT.ConnectionIdleTTL,
		HeartbeatInterval:  cfg.RDT.HeartbeatInterval,
		RegistryCapacity:   cfg.RDT.RegistryCapacity,
	}

	sendFrame := func(f *protocol.Frame, addr net.Addr) error {
		buf := make([]byte, f.EncodedLen())
		if _, err := f.Encode(buf); err != nil {
			return err
		}
		_, err := conn.WriteTo(buf, addr)
		return err
	}

	registry := rdt.NewRegistry(rdtParams, wheel, ids, correlator, dispatchTable, sendFrame, logger).
		WithConnectionLogDir(cfg.Logging.ConnectionLogDir)
	defer registry.Close()

	go serveUDP(ctx, conn, registry, localEndpoint, logger)
	go reportStats(ctx, registry, logger)

	logger.Info("node started", "port", cfg.Network.Port, "mempool_capacity", cfg.Mempool.MaxCapacity)

	<-ctx.Done()
	logger.Info("node stopping", "active_connections", registry.Count())
	return nil
}

// reportStats logs a periodic snapshot of connection registry activity.
func reportStats(ctx context.Context, registry *rdt.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := registry.Stats()
			logger.Info("registry stats",
				"active_connections", stats.ActiveConnections,
				"send_units_in_flight", stats.SendUnitsInFlight,
				"recv_units_in_flight", stats.RecvUnitsInFlight,
				"total_retransmits", stats.TotalRetransmits,
			)
		}
	}
}

func serveUDP(ctx context.Context, conn *net.UDPConn, registry *rdt.Registry, localEndpoint string, logger *slog.Logger) {
	buf := make([]byte, maxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remoteAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Warn("udp read error", "error", err)
			continue
		}

		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			logger.Debug("dropping malformed datagram", "from", remoteAddr, "error", err)
			continue
		}
		frame.RemoteAddr = remoteAddr

		c, _ := registry.GetOrCreate(localEndpoint, remoteAddr.String(), remoteAddr, false)
		if c == nil {
			continue
		}
		c.HandleFrame(frame)
	}
}

// decodeHandshake parses a HANDSHAKE application payload:
// peerId:8 bytes | endpointLen:u8 | endpoint:bytes.
func decodeHandshake(body []byte) (peer.Info, error) {
	if len(body) < peer.IDSize+1 {
		return peer.Info{}, fmt.Errorf("handshake too short")
	}
	var id peer.ID
	copy(id[:], body[:peer.IDSize])
	endLen := int(body[peer.IDSize])
	if len(body) < peer.IDSize+1+endLen {
		return peer.Info{}, fmt.Errorf("handshake endpoint truncated")
	}
	endpoint := string(body[peer.IDSize+1 : peer.IDSize+1+endLen])
	return peer.Info{ID: id, Endpoint: endpoint}, nil
}

// decodeTxSubmit parses a TX_SUBMIT application payload:
// txIdLen:u8 | txId:bytes | fee:u64 | payload:bytes (the remainder, sized).
func decodeTxSubmit(body []byte) (mempool.Transaction, error) {
	if len(body) < 1 {
		return mempool.Transaction{}, fmt.Errorf("empty tx submission")
	}
	idLen := int(body[0])
	if len(body) < 1+idLen+8 {
		return mempool.Transaction{}, fmt.Errorf("tx submission too short for txId+fee")
	}
	txID := string(body[1 : 1+idLen])
	fee := binary.BigEndian.Uint64(body[1+idLen : 1+idLen+8])
	payload := body[1+idLen+8:]

	return mempool.Transaction{
		TxID:       txID,
		Fee:        fee,
		Size:       len(payload),
		SubmitTime: time.Now(),
	}, nil
}
