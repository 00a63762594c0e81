package relaymsg

import "testing"

// FuzzDecodeV0 checks the v0 decoder never panics and only returns
// bodies within capacity.
func FuzzDecodeV0(f *testing.F) {
	seed, _ := EncodeSingle(FormatV0, CmdData, 7, []byte("seed body"))
	f.Add(seed[:])
	f.Add(make([]byte, PayloadLen))

	f.Fuzz(func(t *testing.T, data []byte) {
		if len(data) != PayloadLen {
			return
		}
		d := NewDecoder(FormatV0)
		msgs, err := d.Decode(data)
		if err != nil {
			return
		}
		for _, m := range msgs {
			if len(m.Body) > MaxDataV0 {
				t.Fatalf("decoded body of %d bytes exceeds capacity", len(m.Body))
			}
		}
	})
}

// FuzzDecodeV1 feeds a stream of arbitrary cells through one stateful
// decoder: it must never panic and never hold a body larger than its
// fragments supplied.
func FuzzDecodeV1(f *testing.F) {
	first, _ := EncodeSingle(FormatV1, CmdData, 1, []byte("fragmentless"))
	f.Add(first[:], first[:])

	f.Fuzz(func(t *testing.T, a, b []byte) {
		if len(a) != PayloadLen || len(b) != PayloadLen {
			return
		}
		d := NewDecoder(FormatV1)
		total := 0
		for _, data := range [][]byte{a, b} {
			msgs, err := d.Decode(data)
			if err != nil {
				return
			}
			for _, m := range msgs {
				total += len(m.Body)
			}
		}
		if total > 2*MaxDataV1 {
			t.Fatalf("decoder fabricated %d body bytes from two cells", total)
		}
	})
}
