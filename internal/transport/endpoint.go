package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"screenmesh/internal/core/domain"
	"screenmesh/internal/core/ports"
	"screenmesh/internal/protocol"
)

// Config holds transport tuning. Zero values are not usable; construct via
// config.Load / DefaultConfig.
type Config struct {
	BindAddr           string
	DialTimeout        time.Duration
	HandshakeTimeout   time.Duration
	MaxIdleTimeout     time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
}

// protocolVersion is the version string exchanged in handshakes. It tracks
// the wire codec version; a mismatch is a hard rejection.
var protocolVersion = strconv.Itoa(protocol.Version)

// DefaultCapabilities advertised in outgoing handshakes.
var DefaultCapabilities = []string{
	domain.CapScreenShare,
	domain.CapRemoteControl,
	domain.CapChat,
	domain.CapFileTransfer,
}

// Endpoint is this process's QUIC endpoint: it accepts inbound connections
// and dials outbound ones, handshakes them, and registers survivors.
type Endpoint struct {
	cfg      Config
	local    domain.PeerIdentity
	registry *Registry
	metrics  ports.MetricsSink
	logger   *zap.SugaredLogger

	listener *quic.Listener
	inbound  chan Inbound

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEndpoint(cfg Config, local domain.PeerIdentity, registry *Registry, metrics ports.MetricsSink, logger *zap.SugaredLogger) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		cfg:      cfg,
		local:    local,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		inbound:  make(chan Inbound, 256),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Inbound is the merged stream of messages from all connections. The
// session layer is its single consumer.
func (e *Endpoint) Inbound() <-chan Inbound { return e.inbound }

func (e *Endpoint) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		MaxIdleTimeout:       e.cfg.MaxIdleTimeout,
		KeepAlivePeriod:      e.cfg.HeartbeatInterval,
		HandshakeIdleTimeout: e.cfg.HandshakeTimeout,
	}
}

// Listen binds the endpoint and starts accepting connections.
func (e *Endpoint) Listen() error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}
	listener, err := quic.ListenAddr(e.cfg.BindAddr, tlsConf, e.quicConfig())
	if err != nil {
		return fmt.Errorf("listen %s: %w", e.cfg.BindAddr, err)
	}
	e.listener = listener
	e.logger.Infow("endpoint listening", "addr", listener.Addr().String())
	go e.acceptLoop()
	return nil
}

func (e *Endpoint) LocalAddr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Close stops accepting and tears down every registered connection.
func (e *Endpoint) Close() {
	e.cancel()
	if e.listener != nil {
		e.listener.Close()
	}
	for _, status := range e.registry.List() {
		e.registry.Unregister(status.Identity.ID)
	}
}

func (e *Endpoint) acceptLoop() {
	for {
		qconn, err := e.listener.Accept(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.logger.Warnw("accept failed", "error", err)
			}
			return
		}
		// Each accepted connection handshakes independently; a failure never
		// stalls the accept loop.
		go e.handleIncoming(qconn)
	}
}

// handleIncoming performs the acceptor side of the handshake: read the
// peer's Handshake from its control stream, validate, ack, register.
func (e *Endpoint) handleIncoming(qconn quic.Connection) {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	control, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(closeCodeProtocol, "no control stream")
		return
	}

	msg, dec, err := readHandshakeMessage(control, e.cfg.HandshakeTimeout)
	if err != nil {
		qconn.CloseWithError(closeCodeProtocol, "handshake read failed")
		return
	}
	hs, ok := msg.(protocol.Handshake)
	if !ok {
		qconn.CloseWithError(closeCodeProtocol, "expected handshake")
		return
	}

	identity := domain.PeerIdentity{
		ID:           domain.PeerID(hs.DeviceID),
		Name:         hs.Name,
		Version:      hs.Version,
		Capabilities: hs.Capabilities,
	}

	if reason := e.rejectReason(identity); reason != "" {
		e.logger.Warnw("rejecting handshake", "peer", identity.ID, "reason", reason)
		writeHandshakeAck(control, e.local, false, reason)
		qconn.CloseWithError(closeCodeProtocol, reason)
		return
	}

	if err := writeHandshakeAck(control, e.local, true, ""); err != nil {
		qconn.CloseWithError(closeCodeProtocol, "handshake ack failed")
		return
	}

	e.establish(qconn, control, dec, identity, domain.RoleAcceptor)
}

func (e *Endpoint) rejectReason(identity domain.PeerIdentity) string {
	if identity.Version != protocolVersion {
		return "version mismatch"
	}
	if identity.ID == e.local.ID {
		return "identity conflict"
	}
	if _, exists := e.registry.Lookup(identity.ID); exists {
		return "identity conflict"
	}
	return ""
}

// Dial connects to addr and performs the initiator side of the handshake.
func (e *Endpoint) Dial(ctx context.Context, addr string) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()

	qconn, err := quic.DialAddr(dialCtx, addr, clientTLSConfig(), e.quicConfig())
	if err != nil {
		return nil, dialError(addr, err)
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer hsCancel()

	control, err := qconn.OpenStreamSync(hsCtx)
	if err != nil {
		qconn.CloseWithError(closeCodeProtocol, "no control stream")
		return nil, fmt.Errorf("%w: open control stream: %v", domain.ErrUnreachable, err)
	}

	hs := protocol.Handshake{
		DeviceID:     string(e.local.ID),
		Name:         e.local.Name,
		Version:      protocolVersion,
		Capabilities: DefaultCapabilities,
	}
	data, err := protocol.Encode(hs)
	if err != nil {
		qconn.CloseWithError(closeCodeProtocol, "encode handshake")
		return nil, err
	}
	if _, err := control.Write(data); err != nil {
		qconn.CloseWithError(closeCodeProtocol, "handshake write failed")
		return nil, fmt.Errorf("%w: handshake write: %v", domain.ErrUnreachable, err)
	}

	msg, dec, err := readHandshakeMessage(control, e.cfg.HandshakeTimeout)
	if err != nil {
		qconn.CloseWithError(closeCodeProtocol, "handshake ack read failed")
		return nil, fmt.Errorf("%w: handshake ack: %v", domain.ErrUnreachable, err)
	}
	ack, ok := msg.(protocol.HandshakeAck)
	if !ok {
		qconn.CloseWithError(closeCodeProtocol, "expected handshake ack")
		return nil, fmt.Errorf("%w: unexpected %T during handshake", domain.ErrProtocol, msg)
	}
	if !ack.Accepted {
		qconn.CloseWithError(closeCodeProtocol, ack.Reason)
		switch ack.Reason {
		case "version mismatch":
			return nil, domain.ErrVersionMismatch
		case "identity conflict":
			return nil, domain.ErrIdentityConflict
		default:
			return nil, fmt.Errorf("%w: handshake rejected: %s", domain.ErrProtocol, ack.Reason)
		}
	}

	identity := domain.PeerIdentity{
		ID:           domain.PeerID(ack.DeviceID),
		Name:         ack.Name,
		Version:      ack.Version,
		Capabilities: ack.Capabilities,
	}
	return e.establish(qconn, control, dec, identity, domain.RoleInitiator)
}

// establish registers the handshaken connection and starts its loops. The
// decoder carries any control bytes that arrived coalesced with the
// handshake; the control loop drains it before reading the stream again.
func (e *Endpoint) establish(qconn quic.Connection, control quic.Stream, dec *protocol.Decoder, identity domain.PeerIdentity, role domain.ConnectionRole) (*Conn, error) {
	conn := newConn(qconn, control, dec, identity, role, e.cfg, e.inbound, e.metrics, e.logger,
		func(c *Conn, reason domain.CloseReason) {
			e.registry.Release(c)
		})

	if err := e.registry.Register(conn); err != nil {
		// Lost a dial race against the same peer; drop the duplicate.
		conn.close(domain.CloseRequested, true)
		return nil, err
	}
	e.metrics.RecordPeerConnected()
	conn.start()
	e.logger.Infow("peer connected", "peer", identity.ID, "name", identity.Name, "role", role)
	return conn, nil
}

func dialError(addr string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", domain.ErrDialTimeout, addr)
	}
	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) && transportErr.ErrorCode.IsCryptoError() {
		return fmt.Errorf("%w: %s: %v", domain.ErrTLSRejected, addr, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", domain.ErrDialTimeout, addr)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrUnreachable, addr, err)
}

// readHandshakeMessage reads one message off a fresh control stream. The
// returned decoder may hold bytes read past the message boundary; the caller
// must keep using it for the stream, or coalesced messages are lost.
func readHandshakeMessage(stream quic.Stream, timeout time.Duration) (protocol.Message, *protocol.Decoder, error) {
	stream.SetReadDeadline(time.Now().Add(timeout))
	defer stream.SetReadDeadline(time.Time{})

	dec := new(protocol.Decoder)
	buf := make([]byte, controlReadChunk)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			msg, derr := dec.Next()
			if derr != nil {
				return nil, nil, derr
			}
			if msg != nil {
				return msg, dec, nil
			}
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

func writeHandshakeAck(stream quic.Stream, local domain.PeerIdentity, accepted bool, reason string) error {
	ack := protocol.HandshakeAck{
		DeviceID:     string(local.ID),
		Name:         local.Name,
		Version:      protocolVersion,
		Capabilities: DefaultCapabilities,
		Accepted:     accepted,
		Reason:       reason,
	}
	data, err := protocol.Encode(ack)
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}
