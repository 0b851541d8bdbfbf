package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
)

// NonceSize is the AES block size used as the CTR nonce.
const NonceSize = aes.BlockSize

// DigestLen is the size of an HMAC-SHA1 trailer.
const DigestLen = 20

// Cryptor wraps an AES-CTR stream cipher pair plus an HMAC-SHA1 keyed
// digest over a single pre-shared key. AES-CTR is used because it is a
// pure stream cipher: frame boundaries need not align to the block size,
// and a long DAT payload can be encrypted piecewise without padding.
//
// Encrypt and Decrypt are stateful: every byte ever passed to Encrypt
// advances the encryptor keystream, every byte ever passed to Decrypt
// advances the decryptor keystream, and REQ/DAT/RST bodies all share the
// one stream in each direction. Rewinding is not possible; losing sync
// corrupts every subsequent frame.
//
// When key is nil, the Cryptor is inert: Encrypt/Decrypt are identity.
// Digest on a keyless Cryptor computes HMAC-SHA1 under an empty key, which
// gives no integrity. NewEndpoint accepts a keyless Cryptor only when the
// carrier is TLS-protected (see ErrKeylessInsecure); the frame codec still
// calls Digest on it for every REQ/RST.
type Cryptor struct {
	key    []byte
	block  cipher.Block
	encOut cipher.Stream
	decOut cipher.Stream
	inert  bool
}

// NewCryptor builds a Cryptor for the given pre-shared key. A nil or
// empty key produces an inert cryptor (encrypt/decrypt are no-ops); call
// Digest on it only if keyed integrity is not required for this
// deployment (see relay.NewEndpoint for the policy that forbids this
// combination outside TLS).
func NewCryptor(key []byte) (*Cryptor, error) {
	if len(key) == 0 {
		return &Cryptor{inert: true}, nil
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Cryptor{key: key, block: block}, nil
}

// Init seeds the encryptor/decryptor keystreams from a 16-byte nonce.
// Must be called once, before the first Encrypt/Decrypt call, for every
// endpoint — both peers must agree on the nonce out of band (it is not
// carried on the wire by this protocol; callers that need it on the wire
// should prepend it to the first REQ's remain bytes).
func (c *Cryptor) Init(nonce [NonceSize]byte) {
	if c.inert {
		return
	}
	c.encOut = cipher.NewCTR(c.block, nonce[:])
	c.decOut = cipher.NewCTR(c.block, nonce[:])
}

// Encrypt XORs src against the next portion of the encryptor keystream,
// returning a freshly allocated ciphertext of the same length.
func (c *Cryptor) Encrypt(src []byte) []byte {
	if c.inert || c.encOut == nil {
		out := make([]byte, len(src))
		copy(out, src)
		return out
	}
	out := make([]byte, len(src))
	c.encOut.XORKeyStream(out, src)
	return out
}

// Decrypt is the inverse of Encrypt, advancing the decryptor keystream.
func (c *Cryptor) Decrypt(src []byte) []byte {
	if c.inert || c.decOut == nil {
		out := make([]byte, len(src))
		copy(out, src)
		return out
	}
	out := make([]byte, len(src))
	c.decOut.XORKeyStream(out, src)
	return out
}

// Digest computes HMAC-SHA1(data) under the pre-shared key.
func (c *Cryptor) Digest(data []byte) [DigestLen]byte {
	var out [DigestLen]byte
	h := hmac.New(sha1.New, c.key)
	h.Write(data)
	copy(out[:], h.Sum(nil))
	return out
}

// Keyed reports whether this cryptor has a pre-shared key (and thus can
// compute a meaningful Digest).
func (c *Cryptor) Keyed() bool { return !c.inert }
