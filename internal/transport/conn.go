// Package transport owns the QUIC mesh: one encrypted connection per peer,
// carrying an ordered control stream, short-lived frame streams, and
// unreliable datagrams.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// Application close codes on the QUIC connection.
const (
	closeCodeNormal   quic.ApplicationErrorCode = 0
	closeCodeProtocol quic.ApplicationErrorCode = 1
	closeCodePeerLost quic.ApplicationErrorCode = 2
)

const controlReadChunk = 4096

// closeNoticeFlush is how long close waits for a written disconnect notice
// to drain before the QUIC connection is torn down.
const closeNoticeFlush = 50 * time.Millisecond

// Inbound is one received message tagged with its origin.
type Inbound struct {
	From domain.PeerIdentity
	Msg  protocol.Message
}

// Conn is one live, handshaken connection to a peer. Per-connection state
// (liveness, RTT, frame ids) is written only by the connection's own loops;
// other components read snapshots via Status.
type Conn struct {
	qconn   quic.Connection
	control quic.Stream
	dec     *protocol.Decoder // carries bytes buffered during handshake

	identity    domain.PeerIdentity
	role        domain.ConnectionRole
	connectedAt time.Time

	lastSeen    atomic.Int64 // unix nanos
	rtt         atomic.Int64 // nanos
	frameID     atomic.Uint32
	missedBeats atomic.Int32

	writeMu sync.Mutex // serializes control stream writes

	heartbeatInterval time.Duration
	heartbeatMisses   int

	inbound chan<- Inbound
	metrics ports.MetricsSink
	logger  *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func(*Conn, domain.CloseReason)
}

func newConn(
	qconn quic.Connection,
	control quic.Stream,
	dec *protocol.Decoder,
	identity domain.PeerIdentity,
	role domain.ConnectionRole,
	cfg Config,
	inbound chan<- Inbound,
	metrics ports.MetricsSink,
	logger *zap.SugaredLogger,
	onClose func(*Conn, domain.CloseReason),
) *Conn {
	if dec == nil {
		dec = new(protocol.Decoder)
	}
	c := &Conn{
		qconn:             qconn,
		control:           control,
		dec:               dec,
		identity:          identity,
		role:              role,
		connectedAt:       time.Now(),
		heartbeatInterval: cfg.HeartbeatInterval,
		heartbeatMisses:   cfg.HeartbeatMissLimit,
		inbound:           inbound,
		metrics:           metrics,
		logger:            logger.With("peer", identity.ID),
		closed:            make(chan struct{}),
		onClose:           onClose,
	}
	c.touch()
	return c
}

// start launches the connection's receive and heartbeat loops.
func (c *Conn) start() {
	go c.runControl()
	go c.runFrameStreams()
	go c.runDatagrams()
	go c.runHeartbeat()
}

func (c *Conn) Identity() domain.PeerIdentity { return c.identity }

func (c *Conn) Role() domain.ConnectionRole { return c.role }

func (c *Conn) Status() domain.PeerStatus {
	return domain.PeerStatus{
		Identity:    c.identity,
		Role:        c.role,
		RemoteAddr:  c.qconn.RemoteAddr().String(),
		ConnectedAt: c.connectedAt,
		LastSeen:    time.Unix(0, c.lastSeen.Load()),
		RTT:         time.Duration(c.rtt.Load()),
	}
}

func (c *Conn) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// SendReliable writes a message to the ordered control stream. Blocks only
// on the transport's internal flow control.
func (c *Conn) SendReliable(msg protocol.Message) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_, err = c.control.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrConnectionClosed, err)
	}
	c.touch()
	return nil
}

// SendFrame carries one message on its own unidirectional stream. The
// transport retransmits lost packets, but the stream never blocks behind
// control traffic or other frames. Cancelled by ctx.
func (c *Conn) SendFrame(ctx context.Context, msg protocol.Message) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	stream, err := c.qconn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("%w: open frame stream: %v", domain.ErrConnectionClosed, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetWriteDeadline(deadline)
	}
	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(quic.StreamErrorCode(closeCodeNormal))
		return fmt.Errorf("frame stream write: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("frame stream close: %w", err)
	}
	c.touch()
	return nil
}

// SendUnreliable queues a message as QUIC datagrams and returns without
// waiting for the peer. Large messages are chunked; any lost chunk loses
// the whole message, silently.
func (c *Conn) SendUnreliable(msg protocol.Message) error {
	if c.isClosed() {
		return domain.ErrConnectionClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	id := c.frameID.Add(1)
	for _, chunk := range splitChunks(id, data) {
		if err := c.qconn.SendDatagram(chunk); err != nil {
			return fmt.Errorf("%w: datagram: %v", domain.ErrConnectionClosed, err)
		}
	}
	c.touch()
	return nil
}

// Close tears the connection down, sending a best-effort disconnect notice
// first. Idempotent.
func (c *Conn) Close(reason domain.CloseReason) {
	c.close(reason, true)
}

func (c *Conn) close(reason domain.CloseReason, sendNotice bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if sendNotice {
			if data, err := protocol.Encode(protocol.Disconnect{Reason: string(reason)}); err == nil {
				c.writeMu.Lock()
				c.control.SetWriteDeadline(time.Now().Add(200 * time.Millisecond))
				_, werr := c.control.Write(data)
				c.writeMu.Unlock()
				if werr == nil {
					// CloseWithError discards unacknowledged stream data, so
					// give the notice a moment to reach the peer.
					time.Sleep(closeNoticeFlush)
				}
			}
		}
		code := closeCodeNormal
		switch reason {
		case domain.CloseProtocolError:
			code = closeCodeProtocol
		case domain.ClosePeerLost:
			code = closeCodePeerLost
		}
		c.qconn.CloseWithError(code, string(reason))
		c.logger.Infow("connection closed", "reason", reason)
		if c.onClose != nil {
			go c.onClose(c, reason)
		}
	})
}

// runControl reads the ordered control stream. Heartbeats are answered
// here; everything else is handed to the inbound channel. The handshake
// decoder may already hold coalesced messages, so drain it before the
// first read.
func (c *Conn) runControl() {
	if !c.drainControl(c.dec) {
		return
	}
	buf := make([]byte, controlReadChunk)
	for {
		n, err := c.control.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			if !c.drainControl(c.dec) {
				return
			}
		}
		if err != nil {
			if !c.isClosed() && !errors.Is(err, io.EOF) {
				c.logger.Debugw("control stream read failed", "error", err)
			}
			c.close(domain.ClosePeerLost, false)
			return
		}
	}
}

func (c *Conn) drainControl(dec *protocol.Decoder) bool {
	for {
		msg, err := dec.Next()
		if err != nil {
			c.logger.Warnw("control stream desynced", "error", err)
			c.close(domain.CloseProtocolError, false)
			return false
		}
		if msg == nil {
			return true
		}
		c.touch()
		if !c.handleControl(msg) {
			return false
		}
	}
}

func (c *Conn) handleControl(msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		now := uint64(time.Now().UnixMilli())
		var latency uint32
		if now > m.Timestamp {
			latency = uint32(now - m.Timestamp)
		}
		if err := c.SendReliable(protocol.HeartbeatAck{Timestamp: m.Timestamp, LatencyMS: latency}); err != nil {
			return false
		}
	case protocol.HeartbeatAck:
		c.missedBeats.Store(0)
		rtt := time.Since(time.UnixMilli(int64(m.Timestamp)))
		if rtt > 0 {
			c.rtt.Store(int64(rtt))
			c.metrics.RecordHeartbeatRTT(c.identity.ID, rtt)
		}
	case protocol.Disconnect:
		c.logger.Infow("peer disconnected", "reason", m.Reason)
		c.close(domain.CloseRequested, false)
		return false
	default:
		c.deliver(msg)
	}
	return true
}

// runFrameStreams accepts the peer's unidirectional frame streams. Each
// stream carries exactly one message.
func (c *Conn) runFrameStreams() {
	for {
		stream, err := c.qconn.AcceptUniStream(c.qconn.Context())
		if err != nil {
			c.close(domain.ClosePeerLost, false)
			return
		}
		go c.readFrameStream(stream)
	}
}

func (c *Conn) readFrameStream(stream quic.ReceiveStream) {
	data, err := io.ReadAll(io.LimitReader(stream, protocol.HeaderSize+protocol.MaxMessageSize))
	if err != nil {
		c.logger.Debugw("frame stream read failed", "error", err)
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warnw("frame stream carried malformed message", "error", err)
		c.close(domain.CloseProtocolError, true)
		return
	}
	c.touch()
	c.deliver(msg)
}

// runDatagrams receives and reassembles unreliable messages. Incomplete
// frames expire silently; only a malformed complete message is fatal.
func (c *Conn) runDatagrams() {
	asm := newReassembler()
	for {
		datagram, err := c.qconn.ReceiveDatagram(c.qconn.Context())
		if err != nil {
			c.close(domain.ClosePeerLost, false)
			return
		}
		data, err := asm.add(datagram, time.Now())
		if err != nil {
			c.logger.Debugw("dropping datagram", "error", err)
			continue
		}
		if data == nil {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warnw("datagram carried malformed message", "error", err)
			c.close(domain.CloseProtocolError, true)
			return
		}
		c.touch()
		c.deliver(msg)
	}
}

func (c *Conn) deliver(msg protocol.Message) {
	select {
	case c.inbound <- Inbound{From: c.identity, Msg: msg}:
	case <-c.closed:
	}
}

// runHeartbeat sends periodic heartbeats and tears the connection down once
// the configured number of consecutive acks is missed.
func (c *Conn) runHeartbeat() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if !c.beatOnce() {
				c.close(domain.ClosePeerLost, false)
				return
			}
		}
	}
}

// beatOnce sends one heartbeat, first checking whether the previous ones
// went unanswered. Returns false once the miss limit is reached or the
// control stream is gone.
func (c *Conn) beatOnce() bool {
	if int(c.missedBeats.Load()) >= c.heartbeatMisses {
		c.logger.Warnw("heartbeat timeout", "missed", c.missedBeats.Load())
		return false
	}
	c.missedBeats.Add(1)
	hb := protocol.Heartbeat{Timestamp: uint64(time.Now().UnixMilli())}
	return c.SendReliable(hb) == nil
}
