package link

import (
	"encoding/binary"
	"time"
)

// ClockSkew is the estimated difference between the relay's clock and
// ours, derived from the timestamp in the relay's NETINFO cell: positive
// means the relay's clock is ahead of the local clock.
type ClockSkew struct {
	// Skew is the estimated offset (relay minus local).
	Skew time.Duration
	// Known is false when the relay declared no timestamp (some relays
	// send zero to avoid fingerprinting, as we do ourselves).
	Known bool
}

// noteNetInfo records the relay's declared timestamp and our receive
// time; ClockSkew derives the skew from them on each call.
func (l *Link) noteNetInfo(payload []byte) {
	if len(payload) < 4 {
		return
	}
	ts := binary.BigEndian.Uint32(payload[:4])
	l.peerNetInfoTime = time.Unix(int64(ts), 0)
	l.netInfoReceivedAt = time.Now()
}

// ClockSkew estimates the relay's clock offset from the NETINFO exchange
// performed during the link handshake. The estimate treats network
// latency as zero, so it is only meaningful at second granularity, which
// is all the callers (certificate-validity sanity checks) need.
func (l *Link) ClockSkew() ClockSkew {
	if l.peerNetInfoTime.IsZero() || l.peerNetInfoTime.Unix() == 0 {
		return ClockSkew{}
	}
	return ClockSkew{
		Skew:  l.peerNetInfoTime.Sub(l.netInfoReceivedAt),
		Known: true,
	}
}
