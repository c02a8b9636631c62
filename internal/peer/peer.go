// Package peer drives a single outbound connection to a Bitcoin-Cash-family
// node: sending our version message, frame reassembly off the wire, and
// the three cooperating goroutines (reader, writer, shutdown listener)
// that make up a session's lifetime. The session carries no handshake
// state: the peer's version and verack arrive as ordinary inbound frames
// once the demux loop is running, verack auto-replied and version (like
// any other non-control message) forwarded to the caller.
package peer

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keato/cirrus-peer/internal/metrics"
	"github.com/keato/cirrus-peer/internal/protocol"
)

const (
	dialTimeout     = 15 * time.Second
	handshakeWindow = 30 * time.Second
	readBufferSize  = 0x10000
	outboundBuffer  = 64
	inboundBuffer   = 64
)

// Handshake carries the fields the local side announces in its version
// message. Services, UserAgent, and StartHeight are caller-supplied so the
// same package can speak for any deployment's identity.
type Handshake struct {
	Services    uint64
	UserAgent   string
	StartHeight int32
	Relay       bool
	Nonce       uint64
}

// Peer represents one connection on which our version message has been
// sent. Inbound non-control packets (including the peer's own version) are
// delivered on the channel returned by Inbound; verack and ping are
// answered automatically on the same outbound path Send uses, so replies
// interleave with caller traffic in the order they were produced.
type Peer struct {
	conn      net.Conn
	localAddr net.Addr
	peerAddr  net.Addr

	outbound chan protocol.Packet
	inbound  chan protocol.Packet

	shutdown     chan struct{}
	shutdownOnce sync.Once

	done   chan struct{}
	result error

	log zerolog.Logger
}

// Start dials addr, sends our version message, and launches the session's
// background goroutines. It does not wait for the peer's version or verack;
// those arrive on Inbound (verack is auto-replied, never forwarded) once the
// demux loop is running. The returned Peer is ready for Send and Inbound
// immediately.
func Start(addr string, hs Handshake, log zerolog.Logger) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	peerAddr := conn.RemoteAddr()
	if peerAddr == nil {
		conn.Close()
		return nil, ErrHasNoPeerAddr
	}
	localAddr := conn.LocalAddr()
	if localAddr == nil {
		conn.Close()
		return nil, ErrHasNoLocalAddr
	}

	plog := log.With().Str("peer", peerAddr.String()).Logger()

	if err := sendVersion(conn, localAddr, peerAddr, hs); err != nil {
		conn.Close()
		return nil, err
	}

	p := &Peer{
		conn:      conn,
		localAddr: localAddr,
		peerAddr:  peerAddr,
		outbound:  make(chan protocol.Packet, outboundBuffer),
		inbound:   make(chan protocol.Packet, inboundBuffer),
		shutdown:  make(chan struct{}),
		done:      make(chan struct{}),
		log:       plog,
	}

	go p.run()

	return p, nil
}

// sendVersion sends our version message using the real resolved local
// address and returns as soon as it is on the wire. It never substitutes
// the peer's own address for the local one, unlike the reference
// implementation this was ported from. It does not wait for the peer's
// version or verack: those arrive as ordinary frames once the demux loop
// starts, so the session layer carries no handshake state of its own.
func sendVersion(conn net.Conn, localAddr, peerAddr net.Addr, hs Handshake) error {
	conn.SetWriteDeadline(time.Now().Add(handshakeWindow))
	defer conn.SetWriteDeadline(time.Time{})

	version := protocol.VersionMessage{
		Version:     protocol.ProtocolVersion,
		Services:    hs.Services,
		Timestamp:   time.Now().Unix(),
		RecvAddr:    netAddrFrom(peerAddr, 0),
		SendAddr:    netAddrFrom(localAddr, hs.Services),
		Nonce:       hs.Nonce,
		UserAgent:   []byte(hs.UserAgent),
		StartHeight: hs.StartHeight,
		Relay:       hs.Relay,
	}

	if err := writePacket(conn, protocol.NewPacket("version", version.Encode())); err != nil {
		return fmt.Errorf("%w: send version: %v", ErrReadMessageFailed, err)
	}

	metrics.HandshakesCompleted.Inc()
	return nil
}

func netAddrFrom(addr net.Addr, services uint64) protocol.NetAddr {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return protocol.NetAddr{Services: services, IP: net.IPv4zero}
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	return protocol.NetAddr{Services: services, IP: ip, Port: port}
}

// writePacket serialises and writes a single frame.
func writePacket(w io.Writer, p protocol.Packet) error {
	if _, err := w.Write(p.Bytes()); err != nil {
		return err
	}
	metrics.FramesWritten.Inc()
	return nil
}

// readPacket reads exactly one frame: header then payload.
func readPacket(r io.Reader) (protocol.Packet, error) {
	var hdr [protocol.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return protocol.Packet{}, err
	}
	h, err := protocol.ParseHeader(hdr[:])
	if err != nil {
		return protocol.Packet{}, err
	}
	payload := make([]byte, h.PayloadSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return protocol.Packet{}, err
	}
	return protocol.PacketFromHeaderPayload(h, payload)
}

// Inbound returns the channel of packets that are not handled internally
// (everything except verack and ping, which are answered automatically).
func (p *Peer) Inbound() <-chan protocol.Packet { return p.inbound }

// Send queues a packet for transmission. It returns ErrChannelError if the
// session has already exited and stopped draining its outbound channel.
func (p *Peer) Send(pkt protocol.Packet) error {
	if pkt.Command() == "filterload" {
		if bits, _, _, _, err := protocol.DecodeFilterLoadMessage(pkt.Payload); err == nil {
			metrics.FilterLoadsSent.Inc()
			metrics.FilterBytes.Set(float64(len(bits)))
		}
	}
	select {
	case <-p.shutdown:
		return ErrChannelError
	default:
	}
	select {
	case p.outbound <- pkt:
		return nil
	case <-p.shutdown:
		return ErrChannelError
	}
}

// requestShutdown closes the shutdown channel exactly once, safe to call
// from both Shutdown and the session's own error path.
func (p *Peer) requestShutdown() {
	p.shutdownOnce.Do(func() { close(p.shutdown) })
}

// Shutdown requests a clean session exit and blocks until the background
// goroutines have finished and the socket is closed.
func (p *Peer) Shutdown() error {
	p.requestShutdown()
	<-p.done
	if p.result == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrShutdownFailed, p.result)
}

// Wait blocks until the session exits on its own (read error, disconnect,
// or a wrong-magic frame) and returns the terminal error, or nil if the
// exit was a clean, caller-requested shutdown.
func (p *Peer) Wait() error {
	<-p.done
	return p.result
}

// LocalAddr returns the connection's resolved local address.
func (p *Peer) LocalAddr() net.Addr { return p.localAddr }

// PeerAddr returns the connection's resolved remote address.
func (p *Peer) PeerAddr() net.Addr { return p.peerAddr }

// run drives the three cooperating goroutines and records whichever result
// determines the session's exit: the first error from any of them, or nil
// if that first result was a caller-requested shutdown.
func (p *Peer) run() {
	errCh := make(chan error, 3)

	go func() { errCh <- p.readLoop() }()
	go func() { errCh <- p.writeLoop() }()
	go func() { errCh <- p.shutdownLoop() }()

	first := <-errCh
	p.requestShutdown()
	p.conn.Close()

	<-errCh
	<-errCh

	close(p.inbound)

	metrics.SessionDisconnects.WithLabelValues(disconnectReason(first)).Inc()

	if first != ErrShutdown {
		p.result = first
		p.log.Warn().Err(first).Msg("session exited")
	} else {
		p.log.Info().Msg("session shut down")
	}
	close(p.done)
}

// disconnectReason labels a session's terminal error for the
// SessionDisconnects metric.
func disconnectReason(err error) string {
	switch {
	case err == ErrShutdown:
		return "shutdown"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrReadMessageFailed):
		return "read_error"
	case errors.Is(err, ErrChannelError):
		return "write_error"
	default:
		return "other"
	}
}

// readLoop reassembles frames off the socket, growing a tail buffer across
// partial reads exactly as the reference peer implementation did, and
// answers verack/ping in-line before anything reaches the Inbound channel.
func (p *Peer) readLoop() error {
	buf := make([]byte, readBufferSize)
	var tail []byte

	for {
		n, err := p.conn.Read(buf)
		if err != nil {
			select {
			case <-p.shutdown:
				return ErrShutdown
			default:
			}
			if errors.Is(err, io.EOF) {
				return ErrDisconnected
			}
			return fmt.Errorf("%w: %v", ErrReadMessageFailed, err)
		}
		if n == 0 {
			return ErrDisconnected
		}
		tail = append(tail, buf[:n]...)

		i := 0
		for len(tail) >= i+protocol.HeaderSize {
			h, err := protocol.ParseHeader(tail[i : i+protocol.HeaderSize])
			if err != nil {
				return fmt.Errorf("%w: %v", ErrReadMessageFailed, err)
			}
			start := i + protocol.HeaderSize
			end := start + int(h.PayloadSize)
			if len(tail) < end {
				break
			}
			payload := make([]byte, h.PayloadSize)
			copy(payload, tail[start:end])
			pkt, err := protocol.PacketFromHeaderPayload(h, payload)
			if err != nil {
				if errors.Is(err, protocol.ErrInvalidChecksum) {
					metrics.InvalidChecksums.Inc()
				}
				return fmt.Errorf("%w: %v", ErrReadMessageFailed, err)
			}
			metrics.FramesRead.Inc()
			if err := p.dispatch(pkt); err != nil {
				return err
			}
			i = end
		}
		if i == len(tail) {
			tail = tail[:0]
		} else {
			tail = append([]byte(nil), tail[i:]...)
		}
	}
}

// dispatch handles verack/ping in place and forwards everything else. A
// decode error on any demuxed control message terminates the session.
func (p *Peer) dispatch(pkt protocol.Packet) error {
	switch pkt.Command() {
	case "verack":
		select {
		case p.outbound <- protocol.NewPacket("verack", nil):
		case <-p.shutdown:
			return ErrShutdown
		}
		return nil
	case "ping":
		t0 := time.Now()
		ping, err := protocol.DecodePingMessage(pkt.Payload)
		if err != nil {
			return fmt.Errorf("%w: decode ping: %v", ErrReadMessageFailed, err)
		}
		pong := protocol.PongMessage{Nonce: ping.Nonce}
		select {
		case p.outbound <- protocol.NewPacket("pong", pong.Encode()):
		case <-p.shutdown:
			return ErrShutdown
		}
		metrics.PingRoundTrip.Observe(float64(time.Since(t0).Milliseconds()))
		return nil
	case "inv":
		if msg, err := protocol.DecodeInvMessage(pkt.Payload); err == nil {
			for _, v := range msg.Vectors {
				switch v.Type {
				case protocol.ObjectTx:
					metrics.InvTxAnnouncements.Inc()
				case protocol.ObjectBlock:
					metrics.InvBlockAnnouncements.Inc()
				}
			}
		}
		return p.forward(pkt)
	case "getdata":
		if msg, err := protocol.DecodeGetDataMessage(pkt.Payload); err == nil {
			metrics.GetDataRequested.Add(float64(len(msg.Vectors)))
		}
		return p.forward(pkt)
	default:
		return p.forward(pkt)
	}
}

// forward delivers pkt to the caller-visible inbound channel.
func (p *Peer) forward(pkt protocol.Packet) error {
	select {
	case p.inbound <- pkt:
		return nil
	case <-p.shutdown:
		return ErrShutdown
	}
}

// writeLoop drains the outbound channel to the socket until shutdown.
func (p *Peer) writeLoop() error {
	for {
		select {
		case pkt := <-p.outbound:
			if err := writePacket(p.conn, pkt); err != nil {
				select {
				case <-p.shutdown:
					return ErrShutdown
				default:
				}
				return fmt.Errorf("%w: %v", ErrChannelError, err)
			}
		case <-p.shutdown:
			return ErrShutdown
		}
	}
}

// shutdownLoop blocks until Shutdown is called, then reports ErrShutdown so
// run's first-result-wins select treats it as the (clean) session exit.
func (p *Peer) shutdownLoop() error {
	<-p.shutdown
	return ErrShutdown
}
