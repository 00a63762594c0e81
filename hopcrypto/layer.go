// Package hopcrypto implements per-hop layered relay-cell encryption:
// each CircHop owns a forward (client→relay) and a backward
// (relay→client) crypto layer, each pairing an AES-CTR stream cipher
// with a running digest used to authenticate relay cells.
//
// The same interface serves the ordinary AES-128-CTR/SHA-1 layers of
// tor-spec §5.2 and the AES-256-CTR/SHA3-256 layers of the virtual hop
// added after RENDEZVOUS2 (rend-spec-v3), so CircHop doesn't care which
// digest width or cipher key size a given hop negotiated.
package hopcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"
)

// DigestWidth selects which hash function seeds a hop's running digests.
// The wire digest/tag embedded in a relay cell is always the first 4
// bytes of the running hash, regardless of width (tor-spec §6.1).
type DigestWidth int

const (
	// DigestSHA1 is the legacy v0 digest scheme (AES-128-CTR keys).
	DigestSHA1 DigestWidth = iota
	// DigestSHA3_256 is used on the virtual hop following a rendezvous
	// handshake (AES-256-CTR keys).
	DigestSHA3_256
)

func newHash(w DigestWidth) (hash.Hash, error) {
	switch w {
	case DigestSHA1:
		return sha1.New(), nil
	case DigestSHA3_256:
		return sha3.New256(), nil
	default:
		return nil, fmt.Errorf("hopcrypto: unknown digest width %d", w)
	}
}

// layer pairs a stream cipher with a running digest. It underlies both
// ForwardLayer and BackwardLayer — the two differ only in how the digest
// result is used (embed vs. compare-and-maybe-roll-back).
type layer struct {
	stream cipher.Stream
	digest hash.Hash
}

func newLayer(key, digestSeed []byte, width DigestWidth) (*layer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("hopcrypto: AES cipher: %w", err)
	}
	zeroIV := make([]byte, aes.BlockSize)
	h, err := newHash(width)
	if err != nil {
		return nil, err
	}
	h.Write(digestSeed)
	return &layer{
		stream: cipher.NewCTR(block, zeroIV),
		digest: h,
	}, nil
}

// xor applies the stream cipher to payload in place. Stream cipher state
// persists across calls (one running keystream per hop for the life of
// the circuit), matching tor-spec's "CTR mode, no re-keying" design.
func (l *layer) xor(payload []byte) {
	l.stream.XORKeyStream(payload, payload)
}

// commitDigest feeds payload into the running digest and returns the
// first 4 bytes of the resulting sum, without resetting the hash (the
// digest keeps accumulating across every cell processed on this layer,
// matching tor-spec's "Df"/"Db" running digest design).
func (l *layer) commitDigest(payload []byte) [4]byte {
	l.digest.Write(payload)
	sum := l.digest.Sum(nil)
	var tag [4]byte
	copy(tag[:], sum[:4])
	return tag
}

// snapshot and restore let the caller speculatively commit a digest
// write and undo it if the guess turns out wrong (the "recognized==0 by
// coincidence" case when peeling an inbound relay cell).
func (l *layer) snapshot() ([]byte, error) {
	m, ok := l.digest.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("hopcrypto: digest %T does not support state snapshotting", l.digest)
	}
	return m.MarshalBinary()
}

func (l *layer) restore(state []byte) error {
	u, ok := l.digest.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("hopcrypto: digest %T does not support state restore", l.digest)
	}
	return u.UnmarshalBinary(state)
}

// ForwardLayer is the client→relay direction: authenticate then encrypt.
type ForwardLayer struct{ l *layer }

// NewForwardLayer builds a forward layer from a key and digest seed.
func NewForwardLayer(key, digestSeed []byte, width DigestWidth) (*ForwardLayer, error) {
	l, err := newLayer(key, digestSeed, width)
	if err != nil {
		return nil, err
	}
	return &ForwardLayer{l: l}, nil
}

// Seal authenticates payload (which must have its digest/tag field
// already zeroed by the caller), writes the resulting 4-byte tag into
// payload at tagOffset, and encrypts the whole payload in place. The
// 4-byte tag is also returned; SENDME matching uses the full running
// digest from Sum instead.
func (f *ForwardLayer) Seal(payload []byte, tagOffset int) (tag [4]byte) {
	tag = f.l.commitDigest(payload)
	copy(payload[tagOffset:tagOffset+4], tag[:])
	f.l.xor(payload)
	return tag
}

// WrapOnly encrypts an already-authenticated-by-an-inner-layer payload,
// for every layer closer to the client than the target hop.
func (f *ForwardLayer) WrapOnly(payload []byte) {
	f.l.xor(payload)
}

// Sum returns the current forward running digest sum. Called right after
// Seal, it yields the value a relay will echo in a SENDME v1
// acknowledging that cell, so the sender can record it for tag matching
// (prop 289).
func (f *ForwardLayer) Sum() []byte {
	return f.l.digest.Sum(nil)
}

// BackwardLayer is the relay→client direction: decrypt then check.
type BackwardLayer struct{ l *layer }

// NewBackwardLayer builds a backward layer from a key and digest seed.
func NewBackwardLayer(key, digestSeed []byte, width DigestWidth) (*BackwardLayer, error) {
	l, err := newLayer(key, digestSeed, width)
	if err != nil {
		return nil, err
	}
	return &BackwardLayer{l: l}, nil
}

// Unwrap decrypts payload in place with this layer's keystream. The
// caller then inspects the "recognized" field before deciding whether to
// call Check.
func (b *BackwardLayer) Unwrap(payload []byte) {
	b.l.xor(payload)
}

// Check speculatively commits the running digest over payload (whose
// digest field the caller has zeroed) and compares it to embedded. If it
// doesn't match, the digest write is rolled back so a farther hop's
// layer can try the same bytes. Returns true on a match.
func (b *BackwardLayer) Check(payload []byte, embedded [4]byte) (bool, error) {
	state, err := b.l.snapshot()
	if err != nil {
		return false, err
	}
	tag := b.l.commitDigest(payload)
	if tag == embedded {
		return true, nil
	}
	if err := b.l.restore(state); err != nil {
		return false, fmt.Errorf("hopcrypto: restore digest state after mismatch: %w", err)
	}
	return false, nil
}

// DebugDigest returns a hex snapshot of the current running digest sum,
// for logging, without mutating state. SENDME v1 payloads use Sum.
func (b *BackwardLayer) DebugDigest() string {
	return hex.EncodeToString(b.l.digest.Sum(nil))
}

// Sum returns the current running digest sum (not truncated), the value
// embedded in a SENDME v1 cell to authenticate the acknowledgement.
func (b *BackwardLayer) Sum() []byte {
	return b.l.digest.Sum(nil)
}
