// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rdt

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/solnode/internal/protocol"
	"golang.org/x/time/rate"
)

// PongTimeout bounds how long a heartbeat PING waits for its PONG (§4.E).
// Not one of config.RDTInfo's recognized tunables — it is a fixed 5 s,
// independent of the HeartbeatInterval a Params value carries.
const PongTimeout = 5 * time.Second

// ConnectionState mirrors the lifecycle a Connection moves through.
type ConnectionState int

const (
	StateEstablished ConnectionState = iota
	StateUnreachable
	StateClosed
)

// Correlator is the narrow slice of the response correlator (§4.I) a
// Connection needs to track its own heartbeat PING/PONG round trips.
type Correlator interface {
	Register(id uint64, ttl time.Duration) <-chan []byte
	Complete(id uint64, payload []byte) bool
}

// Dispatcher handles a reassembled payload delivered upward from a
// ReceiveUnit (§4.J "Protocol dispatch").
type Dispatcher interface {
	Dispatch(connID uint64, payload []byte) (response []byte, hasResponse bool)
}

// UnreachableNotifier is called when a Connection's heartbeat fails,
// signalling the registry to evict it.
type UnreachableNotifier func(connID uint64)

// Connection owns one remote endpoint's send/receive tables and heartbeat
// loop (§3 "Connection", §4.E).
type Connection struct {
	ID uint64

	mu          sync.RWMutex
	remoteAddr  net.Addr
	lastSeen    time.Time
	outbound    bool
	state       ConnectionState
	sendUnits   map[uint64]*SendUnit
	recvUnits   map[uint64]*ReceiveUnit

	params      Params
	wheel       *TimerWheel
	ids         *IDGenerator
	correlator  Correlator
	dispatcher  Dispatcher
	sendFrameFn func(f *protocol.Frame, addr net.Addr) error
	onUnreach   UnreachableNotifier
	heartbeat   *Timer
	logger      *slog.Logger
	logCloser   io.Closer

	// limiter paces outbound frames per connection so one peer's
	// PublicBatchSize burst (§4.C step 4) can't starve the registry's
	// other connections on a shared UDP socket. Nil means unlimited.
	limiter *rate.Limiter
}

// outboundFramesPerSecond derives a per-connection send rate: one
// PublicBatchSize-sized batch every GlobalTimeout, smoothed.
func outboundFramesPerSecond(params Params) int {
	return params.PublicBatchSize * int(time.Second/params.GlobalTimeout)
}

// NewConnection constructs a Connection in the Established state and arms
// its heartbeat loop.
func NewConnection(
	id uint64,
	remoteAddr net.Addr,
	outbound bool,
	params Params,
	wheel *TimerWheel,
	ids *IDGenerator,
	correlator Correlator,
	dispatcher Dispatcher,
	sendFrameFn func(f *protocol.Frame, addr net.Addr) error,
	onUnreach UnreachableNotifier,
	logger *slog.Logger,
) *Connection {
	c := &Connection{
		ID:          id,
		remoteAddr:  remoteAddr,
		lastSeen:    time.Now(),
		outbound:    outbound,
		state:       StateEstablished,
		sendUnits:   make(map[uint64]*SendUnit),
		recvUnits:   make(map[uint64]*ReceiveUnit),
		params:      params,
		wheel:       wheel,
		ids:         ids,
		correlator:  correlator,
		dispatcher:  dispatcher,
		sendFrameFn: sendFrameFn,
		onUnreach:   onUnreach,
		logger:      logger,
		logCloser:   io.NopCloser(nil),
		limiter:     rate.NewLimiter(rate.Limit(outboundFramesPerSecond(params)), params.PublicBatchSize),
	}
	c.armHeartbeat()
	return c
}

func (c *Connection) armHeartbeat() {
	c.heartbeat = c.wheel.Schedule(c.params.HeartbeatInterval, c.tickHeartbeat)
}

func (c *Connection) tickHeartbeat() {
	c.mu.RLock()
	state := c.state
	addr := c.remoteAddr
	c.mu.RUnlock()

	if state != StateEstablished || addr == nil {
		return
	}

	dataID := c.ids.Next()
	pongCh := c.correlator.Register(dataID, PongTimeout)

	f := &protocol.Frame{ConnectionID: c.ID, DataID: dataID, Total: 1, Type: protocol.FramePing, Sequence: 0}
	f.FrameTotalLength = int32(f.EncodedLen())
	if err := c.sendFrameFn(f, addr); err != nil {
		c.logger.Warn("heartbeat send failed", "connection", c.ID, "error", err)
	}

	go func() {
		select {
		case _, ok := <-pongCh:
			if !ok {
				c.markUnreachable()
				return
			}
			c.armHeartbeat()
		case <-time.After(PongTimeout):
			c.markUnreachable()
		}
	}()
}

func (c *Connection) markUnreachable() {
	c.mu.Lock()
	if c.state != StateEstablished {
		c.mu.Unlock()
		return
	}
	c.state = StateUnreachable
	c.mu.Unlock()

	c.logger.Warn("connection unreachable, evicting", "connection", c.ID)
	if c.onUnreach != nil {
		c.onUnreach(c.ID)
	}
}

// UpdateRemoteAddr implements endpoint migration (§4.E): any inbound frame
// whose source differs from the stored value rebinds the connection.
func (c *Connection) UpdateRemoteAddr(addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr != nil && (c.remoteAddr == nil || addr.String() != c.remoteAddr.String()) {
		c.remoteAddr = addr
	}
	c.lastSeen = time.Now()
}

// RemoteAddr returns the current remote endpoint.
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

// LastSeen returns the last time an inbound frame updated this connection.
func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Send fragments payload into a new SendUnit and dispatches it (§4.C).
func (c *Connection) Send(payload []byte) (*SendUnit, error) {
	dataID := c.ids.Next()
	su, err := NewSendUnit(c.ID, dataID, payload, c.params, c.wheel, c.outboundFrame)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.sendUnits[dataID] = su
	c.mu.Unlock()

	go func() {
		res := <-su.Done
		_ = res
		c.mu.Lock()
		delete(c.sendUnits, dataID)
		c.mu.Unlock()
	}()

	su.Start()
	return su, nil
}

func (c *Connection) outboundFrame(f *protocol.Frame) error {
	addr := c.RemoteAddr()
	if addr == nil {
		return nil
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
	}
	return c.sendFrameFn(f, addr)
}

// HandleFrame implements the inbound frame dispatch table (§4.E).
func (c *Connection) HandleFrame(f *protocol.Frame) {
	c.UpdateRemoteAddr(f.RemoteAddr)

	switch f.Type {
	case protocol.FrameData:
		c.handleData(f)
	case protocol.FrameACK:
		c.handleACK(f)
	case protocol.FrameImmediateRequest:
		c.handleImmediateRequest(f)
	case protocol.FramePing:
		c.handlePing(f)
	case protocol.FramePong:
		c.handlePong(f)
	case protocol.FrameConnectRequest:
		c.handleConnectRequest(f)
	case protocol.FrameConnectResponse:
		c.handleConnectResponse(f)
	case protocol.FrameOff:
		c.handleOff()
	default:
		c.logger.Debug("dropping unhandled frame type", "type", f.Type.String(), "connection", c.ID)
	}
}

func (c *Connection) handleData(f *protocol.Frame) {
	c.mu.Lock()
	ru, ok := c.recvUnits[f.DataID]
	if !ok {
		ru = NewReceiveUnit(c.ID, f.DataID, f.Total, c.params, c.wheel, c.outboundFrame)
		c.recvUnits[f.DataID] = ru
		dataID := f.DataID
		go func() {
			res := <-ru.Done
			c.mu.Lock()
			delete(c.recvUnits, dataID)
			c.mu.Unlock()
			if res.Outcome == ReceiveCompleted && c.dispatcher != nil {
				c.deliverToDispatch(res.Payload)
			}
		}()
	}
	c.mu.Unlock()

	ru.OnData(f.Sequence, f.Payload)
}

func (c *Connection) deliverToDispatch(payload []byte) {
	response, hasResponse := c.dispatcher.Dispatch(c.ID, payload)
	if hasResponse {
		_, _ = c.Send(response)
	}
}

func (c *Connection) handleACK(f *protocol.Frame) {
	ack, err := protocol.DecodeACKPayload(f.Payload)
	if err != nil {
		c.logger.Debug("malformed ack payload", "connection", c.ID, "error", err)
		return
	}
	c.mu.RLock()
	su, ok := c.sendUnits[f.DataID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	su.OnACK(ack.Sequence)
	for _, seq := range ack.BatchSeq {
		su.OnACK(seq)
	}
}

func (c *Connection) handleImmediateRequest(f *protocol.Frame) {
	req, err := protocol.DecodeImmediateRequestPayload(f.Payload)
	if err != nil {
		c.logger.Debug("malformed immediate-request payload", "connection", c.ID, "error", err)
		return
	}
	c.mu.RLock()
	su, ok := c.sendUnits[f.DataID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	su.OnImmediateRequest(req.Sequence)
}

func (c *Connection) handlePing(f *protocol.Frame) {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()

	resp := &protocol.Frame{ConnectionID: c.ID, DataID: f.DataID, Total: 1, Type: protocol.FramePong, Sequence: 0}
	resp.FrameTotalLength = int32(resp.EncodedLen())
	_ = c.outboundFrame(resp)
}

func (c *Connection) handlePong(f *protocol.Frame) {
	c.correlator.Complete(f.DataID, nil)
}

func (c *Connection) handleConnectRequest(f *protocol.Frame) {
	c.UpdateRemoteAddr(f.RemoteAddr)
	resp := &protocol.Frame{ConnectionID: c.ID, DataID: f.DataID, Total: 1, Type: protocol.FrameConnectResponse, Sequence: 0}
	resp.FrameTotalLength = int32(resp.EncodedLen())
	_ = c.outboundFrame(resp)
}

func (c *Connection) handleConnectResponse(f *protocol.Frame) {
	c.correlator.Complete(f.DataID, nil)
}

func (c *Connection) handleOff() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// ConnectionStats is a point-in-time snapshot of one Connection's activity,
// used by Registry.Stats() for operational visibility.
type ConnectionStats struct {
	ID              uint64
	State           ConnectionState
	SendUnitsActive int
	RecvUnitsActive int
	RetransmitCount int
}

// Stats snapshots the connection's current send/receive activity.
func (c *Connection) Stats() ConnectionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	retransmits := 0
	for _, su := range c.sendUnits {
		retransmits += su.RetransmitCount()
	}

	return ConnectionStats{
		ID:              c.ID,
		State:           c.state,
		SendUnitsActive: len(c.sendUnits),
		RecvUnitsActive: len(c.recvUnits),
		RetransmitCount: retransmits,
	}
}

// Close cancels the heartbeat and releases all send/receive units (§4.F
// eviction hook); units still in flight end with a timeout outcome. It is
// idempotent.
func (c *Connection) Close() {
	c.mu.Lock()
	c.state = StateClosed
	if c.heartbeat != nil {
		c.heartbeat.Cancel()
	}
	closer := c.logCloser
	sends := make([]*SendUnit, 0, len(c.sendUnits))
	for _, su := range c.sendUnits {
		sends = append(sends, su)
	}
	recvs := make([]*ReceiveUnit, 0, len(c.recvUnits))
	for _, ru := range c.recvUnits {
		recvs = append(recvs, ru)
	}
	c.mu.Unlock()

	for _, su := range sends {
		su.fail(SendFailedTimeout, -1)
	}
	for _, ru := range recvs {
		ru.fail(ReceiveFailedTimeout, -1)
	}

	if closer != nil {
		_ = closer.Close()
	}
}
