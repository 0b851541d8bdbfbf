package relay

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// Command bytes, exactly as on the wire.
const (
	CmdReq byte = 0x00
	CmdDat byte = 0x01
	CmdRst byte = 0x02
)

// TimestampLen is the width of the REQ timestamp field (an IEEE-754
// double, big-endian, matching the source's `struct.pack('>d', ...)`).
const TimestampLen = 8

// ReqTTL is how long a REQ frame's timestamp remains valid when the
// carrier is not already TLS-protected.
const ReqTTL = 15 * time.Second

// DatLogMaxLen bounds how much decrypted plaintext a decode-failure log
// line may include, to keep log volume bounded.
const DatLogMaxLen = 270

// EncodeReq builds a REQ frame: CMD_REQ || encrypt(timestamp || addrHdr
// || remain) || hmac(CMD_REQ || ciphertext). now is injected so callers
// (and tests) control the embedded timestamp.
func EncodeReq(c *Cryptor, addrHdr, remain []byte, now time.Time) []byte {
	plain := make([]byte, 0, TimestampLen+len(addrHdr)+len(remain))
	var tsBuf [TimestampLen]byte
	binary.BigEndian.PutUint64(tsBuf[:], math.Float64bits(timeToUnixFloat(now)))
	plain = append(plain, tsBuf[:]...)
	plain = append(plain, addrHdr...)
	plain = append(plain, remain...)

	cipherText := c.Encrypt(plain)

	preDigest := make([]byte, 0, 1+len(cipherText))
	preDigest = append(preDigest, CmdReq)
	preDigest = append(preDigest, cipherText...)

	digest := c.Digest(preDigest)
	out := make([]byte, 0, len(preDigest)+DigestLen)
	out = append(out, preDigest...)
	out = append(out, digest[:]...)
	return out
}

// DecodeReq parses a REQ frame produced by EncodeReq. tunSSL disables the
// timestamp-expiry check (meaningless once the carrier itself is TLS).
// now is the reference time used for expiry; pass time.Now() in
// production, an injected clock in tests.
func DecodeReq(c *Cryptor, dat []byte, tunSSL bool, now time.Time) (host, port string, remain []byte, err error) {
	// Spec's literal check is len(dat) < 20; +1 additionally guards the
	// CMD-byte slice below, which a 20-byte frame (no room for CMD or
	// ciphertext) could never satisfy anyway.
	if len(dat) < DigestLen+1 {
		return "", "", nil, ErrDigestLength
	}
	body, digest := dat[:len(dat)-DigestLen], dat[len(dat)-DigestLen:]

	expected := c.Digest(body)
	if subtle.ConstantTimeCompare(expected[:], digest) != 1 {
		return "", "", nil, ErrAuthFailed
	}

	plain := c.Decrypt(body[1:])
	if len(plain) < TimestampLen {
		return "", "", nil, ErrInvalidTimestamp
	}

	t := unixFloatToTime(math.Float64frombits(binary.BigEndian.Uint64(plain[:TimestampLen])))
	if !tunSSL {
		expireAt := t.Add(ReqTTL)
		if now.After(expireAt) {
			return "", "", nil, fmt.Errorf("%w: decrypted dat: %s", ErrExpired, truncateForLog(plain))
		}
	}

	addrBytes := plain[TimestampLen:]
	addr := socks.SplitAddr(addrBytes)
	if addr == nil {
		return "", "", nil, fmt.Errorf("%w: decrypted dat: %s", ErrMalformedAddr, truncateForLog(plain))
	}
	h, p, ok := splitSocksAddr(addr)
	if !ok {
		return "", "", nil, fmt.Errorf("%w: decrypted dat: %s", ErrMalformedAddr, truncateForLog(plain))
	}
	remain = addrBytes[len(addr):]
	return h, p, remain, nil
}

// EncodeDat wraps payload as a DAT frame. Unlike REQ/RST, the command
// byte itself is inside the ciphertext and there is no HMAC trailer —
// DAT integrity rides on the carrier (TLS) or is simply not guaranteed
// without it, a deliberate throughput trade-off documented in spec §4.2.
func EncodeDat(c *Cryptor, payload []byte) []byte {
	plain := make([]byte, 0, 1+len(payload))
	plain = append(plain, CmdDat)
	plain = append(plain, payload...)
	return c.Encrypt(plain)
}

// DecodeDat is the inverse of EncodeDat; the caller is expected to have
// already determined (via dispatch, see Endpoint) that a message is a
// DAT frame before calling this.
func DecodeDat(c *Cryptor, dat []byte) (payload []byte, err error) {
	plain := c.Decrypt(dat)
	if len(plain) < 1 || plain[0] != CmdDat {
		return nil, ErrMalformedAddr
	}
	return plain[1:], nil
}

// EncodeRst builds an RST frame. An empty reason is padded with 2-7
// space bytes of random length so that, absent TLS, RST frame length
// alone cannot be used to fingerprint the command.
func EncodeRst(c *Cryptor, reason string) []byte {
	var body []byte
	if reason == "" {
		n := 2 + rand.Intn(6) // [2, 8)
		body = make([]byte, n)
		for i := range body {
			body[i] = ' '
		}
	} else {
		body = []byte(reason)
	}

	cipherText := c.Encrypt(body)
	preDigest := make([]byte, 0, 1+len(cipherText))
	preDigest = append(preDigest, CmdRst)
	preDigest = append(preDigest, cipherText...)

	digest := c.Digest(preDigest)
	out := make([]byte, 0, len(preDigest)+DigestLen)
	out = append(out, preDigest...)
	out = append(out, digest[:]...)
	return out
}

// DecodeRst parses an RST frame, returning the reason (space-padding
// collapses to an empty string, matching the synthetic-empty-reason
// convention used by EncodeRst).
func DecodeRst(c *Cryptor, dat []byte) (reason string, err error) {
	if len(dat) < DigestLen+1 {
		return "", ErrDigestLength
	}
	body, digest := dat[:len(dat)-DigestLen], dat[len(dat)-DigestLen:]

	expected := c.Digest(body)
	if subtle.ConstantTimeCompare(expected[:], digest) != 1 {
		return "", ErrAuthFailed
	}

	plain := c.Decrypt(body[1:])
	if isAllSpaces(plain) {
		return "", nil
	}
	return string(plain), nil
}

// IsAuthenticatedFrame reports whether dat parses as a digest-trailed
// frame (REQ or RST) under c — i.e. it is at least DigestLen+1 bytes and
// its HMAC verifies. Per spec §6, this is the concrete DAT-vs-REQ/RST
// dispatch rule: DAT carries no HMAC, so anything that doesn't validate
// as authenticated is treated as DAT.
func IsAuthenticatedFrame(c *Cryptor, dat []byte) bool {
	if len(dat) < DigestLen+1 {
		return false
	}
	body, digest := dat[:len(dat)-DigestLen], dat[len(dat)-DigestLen:]
	expected := c.Digest(body)
	return hmac.Equal(expected[:], digest)
}

func splitSocksAddr(a socks.Addr) (host, port string, ok bool) {
	host, port, err := net.SplitHostPort(a.String())
	if err != nil {
		return "", "", false
	}
	return host, port, true
}

// timeToUnixFloat/unixFloatToTime convert between time.Time and the
// fractional-seconds-since-epoch double the wire format carries
// (`struct.pack('>d', time.time())` in the source).
func timeToUnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func unixFloatToTime(f float64) time.Time {
	sec := math.Trunc(f)
	nsec := (f - sec) * 1e9
	return time.Unix(int64(sec), int64(nsec))
}

func isAllSpaces(b []byte) bool {
	for _, c := range b {
		if c != ' ' {
			return false
		}
	}
	return true
}

func truncateForLog(b []byte) []byte {
	if len(b) > DatLogMaxLen {
		return b[:DatLogMaxLen]
	}
	return b
}
