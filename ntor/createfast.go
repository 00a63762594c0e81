package ntor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"fmt"
)

// CREATE_FAST is a DH-less first-hop handshake (tor-spec §5.1.2): it
// relies on the channel's own TLS authentication of the relay identity
// rather than a fresh key exchange, trading forward secrecy against the
// relay for lower setup cost. It is offered as a HandshakeType option
// for the first hop only; extends always use ntor or ntor-v3.
type FastHandshakeState struct {
	x [20]byte
}

// NewFastHandshake generates a fresh 20-byte client secret.
func NewFastHandshake() (*FastHandshakeState, error) {
	var x [20]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate CREATE_FAST secret: %w", err)
	}
	return &FastHandshakeState{x: x}, nil
}

// ClientData returns the 20-byte CREATE_FAST payload (X).
func (hs *FastHandshakeState) ClientData() [20]byte { return hs.x }

// Complete processes the CREATED_FAST reply (Y || KH, tor-spec §5.1.2),
// verifies KH, and derives circuit keys via KDF-TOR.
func (hs *FastHandshakeState) Complete(y, kh [20]byte) (*KeyMaterial, error) {
	k0 := make([]byte, 0, 40)
	k0 = append(k0, hs.x[:]...)
	k0 = append(k0, y[:]...)
	expanded := kdfTor(k0, 92)
	// KDF-TOR layout: KH | Df | Db | Kf | Kb (tor-spec §5.2.1).
	wantKH := expanded[0:20]
	if !hmac.Equal(wantKH, kh[:]) {
		return nil, fmt.Errorf("CREATE_FAST: KH verification failed")
	}
	km := &KeyMaterial{}
	copy(km.Df[:], expanded[20:40])
	copy(km.Db[:], expanded[40:60])
	copy(km.Kf[:], expanded[60:76])
	copy(km.Kb[:], expanded[76:92])
	clear(k0)
	clear(expanded)
	clear(hs.x[:])
	return km, nil
}

// kdfTor expands k0 into n bytes via the legacy tor-spec KDF-TOR
// construction: SHA1(K0 || [i]) concatenated for i = 0, 1, 2, ...
func kdfTor(k0 []byte, n int) []byte {
	out := make([]byte, 0, n+sha1.Size)
	for i := 0; len(out) < n; i++ {
		h := sha1.New()
		h.Write(k0)
		h.Write([]byte{byte(i)})
		out = h.Sum(out)
	}
	return out[:n]
}
