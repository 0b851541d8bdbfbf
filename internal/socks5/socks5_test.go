package socks5

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeTunnel records the addrHdr it was driven with and lets the test
// control how Drive behaves.
type fakeTunnel struct {
	driveErr  error
	closed    bool
	gotAddr   []byte
	driveConn net.Conn
}

func (f *fakeTunnel) Drive(ctx context.Context, conn net.Conn, addrHdr []byte) error {
	f.gotAddr = append([]byte(nil), addrHdr...)
	f.driveConn = conn
	return f.driveErr
}

func (f *fakeTunnel) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	tun *fakeTunnel
	err error
}

func (d *fakeDialer) DialTunnel(ctx context.Context) (Tunnel, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tun, nil
}

// clientGreetAndConnect performs the client half of a SOCKS5 handshake
// plus a CONNECT request for 127.0.0.1:8080 over conn, returning the
// server's reply bytes.
func clientGreetAndConnect(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	greetReply := make([]byte, 2)
	if _, err := readFull(conn, greetReply); err != nil {
		t.Fatalf("read greeting reply: %v", err)
	}
	if greetReply[0] != 0x05 || greetReply[1] != 0x00 {
		t.Fatalf("greeting reply = % x, want no-auth ack", greetReply)
	}

	// CONNECT 127.0.0.1:8080
	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x1F, 0x90}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := readFull(conn, reply); err != nil {
		t.Fatalf("read request reply: %v", err)
	}
	return reply
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandleConnSuccessfulConnect(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	tun := &fakeTunnel{}
	s := &Server{Dialer: &fakeDialer{tun: tun}}

	done := make(chan struct{})
	go func() {
		s.HandleConn(context.Background(), serverSide)
		close(done)
	}()

	reply := clientGreetAndConnect(t, clientSide)
	if reply[1] != repSucceeded {
		t.Fatalf("reply code = 0x%02x, want repSucceeded", reply[1])
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("HandleConn did not return")
	}

	if !tun.closed {
		t.Fatalf("tunnel was never closed")
	}
	wantAddr := []byte{0x01, 127, 0, 0, 1, 0x1F, 0x90}
	if string(tun.gotAddr) != string(wantAddr) {
		t.Fatalf("addrHdr = % x, want % x", tun.gotAddr, wantAddr)
	}
}

func TestHandleConnDialFailureRepliesHostUnreachable(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()

	s := &Server{Dialer: &fakeDialer{err: errors.New("no route")}}

	done := make(chan struct{})
	go func() {
		s.HandleConn(context.Background(), serverSide)
		close(done)
	}()

	reply := clientGreetAndConnect(t, clientSide)
	if reply[1] != repHostUnreachable {
		t.Fatalf("reply code = 0x%02x, want repHostUnreachable", reply[1])
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("HandleConn did not return")
	}
}
