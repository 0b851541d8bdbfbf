// Package socks5 is the client-side local listener: a minimal SOCKS5
// server that accepts CONNECT requests from local applications and hands
// each one to a freshly dialed relay tunnel. SOCKS5 negotiation with
// local applications is named as an external collaborator in this
// module's scope, but something has to sit at that boundary and call
// into internal/relay — this package is that something, adapted from the
// teacher's own hand-rolled SOCKS5 server.
package socks5

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// Tunnel is a carrier already dialed and ready to carry one logical
// connection: Drive sends addrHdr as the REQ frame, wires conn in as the
// tunnel's local stream (relay.Endpoint.SetProxy), and blocks until that
// logical connection ends — peer RST, local EOF, or carrier failure.
// addrHdr is the raw SOCKS address header (ATYP||ADDR||PORT) read
// straight off conn, the same wire shape the relay frame codec's
// addr_hdr expects, forwarded unparsed.
type Tunnel interface {
	Drive(ctx context.Context, conn net.Conn, addrHdr []byte) error
	Close() error
}

// TunnelDialer opens (or reuses) a Tunnel for one incoming SOCKS5
// request, before the CONNECT reply is sent — so a dial failure can
// still be reported to the local application as a SOCKS5 error rather
// than a silently dropped connection.
type TunnelDialer interface {
	DialTunnel(ctx context.Context) (Tunnel, error)
}

// Server is the local SOCKS5 listener.
type Server struct {
	Dialer TunnelDialer
}

// HandleConn drives one accepted local connection through the SOCKS5
// handshake, dials a tunnel, and then hands the connection to it for the
// lifetime of the logical connection.
func (s *Server) HandleConn(ctx context.Context, c net.Conn) {
	defer c.Close()

	if err := handshake(c); err != nil {
		log.Printf("socks5: handshake: %v", err)
		return
	}
	_ = c.SetDeadline(time.Time{})

	cmd, addrHdr, err := readRequest(c)
	if err != nil {
		log.Printf("socks5: request: %v", err)
		return
	}
	if cmd != cmdConnect {
		_ = reply(c, repCommandNotSupported)
		return
	}

	tun, err := s.Dialer.DialTunnel(ctx)
	if err != nil {
		log.Printf("socks5: dial tunnel: %v", err)
		_ = reply(c, repHostUnreachable)
		return
	}
	defer tun.Close()

	if err := reply(c, repSucceeded); err != nil {
		return
	}

	if err := tun.Drive(ctx, c, addrHdr); err != nil && !errors.Is(err, io.EOF) {
		log.Printf("socks5: tunnel: %v", err)
	}
}

const (
	cmdConnect      byte = 0x01
	cmdUDPAssociate byte = 0x03
)

const (
	repSucceeded           byte = 0x00
	repHostUnreachable     byte = 0x04
	repCommandNotSupported byte = 0x07
)

func handshake(c net.Conn) error {
	h := make([]byte, 2)
	if _, err := io.ReadFull(c, h); err != nil {
		return err
	}
	if h[0] != 0x05 {
		return errors.New("socks5: bad version in greeting")
	}
	methods := make([]byte, int(h[1]))
	if _, err := io.ReadFull(c, methods); err != nil {
		return err
	}
	_, err := c.Write([]byte{0x05, 0x00}) // no-auth
	return err
}

// readRequest parses the CONNECT/ASSOCIATE request line and returns the
// raw address header exactly as it appears on the wire — ATYP||ADDR||PORT
// — using go-shadowsocks2/socks.ReadAddr, since SOCKS5's address encoding
// and the relay frame's addr_hdr are the same format.
func readRequest(c net.Conn) (cmd byte, addrHdr []byte, err error) {
	h := make([]byte, 4)
	if _, err = io.ReadFull(c, h); err != nil {
		return
	}
	if h[0] != 0x05 {
		return 0, nil, errors.New("socks5: bad version in request")
	}
	cmd = h[1]

	// h[3] is ATYP; rewind it into the stream ReadAddr expects by
	// prepending it back, since ReadAddr wants ATYP as its own first byte.
	addr, err := socks.ReadAddr(io.MultiReader(newByteReader(h[3]), c))
	if err != nil {
		return 0, nil, err
	}
	return cmd, []byte(addr), nil
}

func reply(c net.Conn, rep byte) error {
	b := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, err := c.Write(b)
	return err
}

type byteReader struct {
	b    byte
	done bool
}

func newByteReader(b byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.done || len(p) == 0 {
		return 0, io.EOF
	}
	p[0] = r.b
	r.done = true
	return 1, nil
}
