package ntor

import "crypto/sha256"

// V3HandshakeState wraps the base ntor handshake with an optional
// client-auth extension and derives an additional circuit-binding
// secret from the same transcript (tor-spec's ntor-v3 proposal adds a
// binding key beyond the base Df/Db/Kf/Kb so later protocol state —
// onion-service rendezvous binding, in particular — can be tied to one
// specific handshake without reusing a key already used for traffic
// encryption).
type V3HandshakeState struct {
	base       *HandshakeState
	clientAuth []byte
}

// NewV3Handshake builds an ntor-v3 handshake. clientAuth is optional
// extension data (nil for the common case); when present it is mixed
// into the derived binding secret only, not sent on the wire by this
// client (this implementation does not yet encrypt extension data into
// the CREATE2 payload, since no caller in this module needs that).
func NewV3Handshake(nodeID [20]byte, ntorKey [32]byte, clientAuth []byte) (*V3HandshakeState, error) {
	base, err := NewHandshake(nodeID, ntorKey)
	if err != nil {
		return nil, err
	}
	return &V3HandshakeState{base: base, clientAuth: clientAuth}, nil
}

// Close zeroes the ephemeral private key.
func (hs *V3HandshakeState) Close() { hs.base.Close() }

// ClientData returns the 84-byte CREATE2 HDATA, identical in shape to
// the base ntor handshake.
func (hs *V3HandshakeState) ClientData() [84]byte { return hs.base.ClientData() }

// V3KeyMaterial extends KeyMaterial with the derived binding secret.
type V3KeyMaterial struct {
	*KeyMaterial
	Binding [32]byte
}

// Complete finishes the base handshake and derives the binding secret.
func (hs *V3HandshakeState) Complete(serverData [64]byte) (*V3KeyMaterial, error) {
	km, err := hs.base.Complete(serverData)
	if err != nil {
		return nil, err
	}
	extra := make([]byte, 0, len(protoID)+9+40+len(hs.clientAuth))
	extra = append(extra, []byte(protoID+":binding")...)
	extra = append(extra, km.Df[:]...)
	extra = append(extra, km.Db[:]...)
	extra = append(extra, hs.clientAuth...)
	sum := sha256.Sum256(extra)
	v3 := &V3KeyMaterial{KeyMaterial: km, Binding: sum}
	return v3, nil
}
