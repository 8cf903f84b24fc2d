package pebble

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/leonj1/river/provider"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload).
// The header is kind (1 byte) | seq (8 bytes BE) | appended-at ms (8 bytes BE).

const headerLen = 17

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var kindBytes = map[provider.Kind]byte{
	provider.KindChunk: 'c',
	provider.KindError: 'e',
	provider.KindFatal: 'f',
	provider.KindEnd:   'z',
}

var kindFromByte = map[byte]provider.Kind{
	'c': provider.KindChunk,
	'e': provider.KindError,
	'f': provider.KindFatal,
	'z': provider.KindEnd,
}

func encodeHeader(kind provider.Kind, seq uint64, atMs int64) []byte {
	h := make([]byte, headerLen)
	h[0] = kindBytes[kind]
	binary.BigEndian.PutUint64(h[1:9], seq)
	binary.BigEndian.PutUint64(h[9:17], uint64(atMs))
	return h
}

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, 10+len(header)+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(header)))
	out = append(out, tmp[:n]...)
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

func decodeRecord(b []byte) (provider.Entry, error) {
	if len(b) < 1+headerLen+4 {
		return provider.Entry{}, fmt.Errorf("record too short (%d bytes)", len(b))
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 || hlen != headerLen {
		return provider.Entry{}, fmt.Errorf("bad record header length %d", hlen)
	}
	if n+int(hlen)+4 > len(b) {
		return provider.Entry{}, fmt.Errorf("record truncated")
	}
	header := b[n : n+headerLen]
	payload := b[n+headerLen : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return provider.Entry{}, fmt.Errorf("record crc mismatch")
	}

	kind, ok := kindFromByte[header[0]]
	if !ok {
		return provider.Entry{}, fmt.Errorf("unknown record kind %q", header[0])
	}
	seq := binary.BigEndian.Uint64(header[1:9])
	return provider.Entry{
		Kind:         kind,
		Sequence:     seq,
		Payload:      append([]byte(nil), payload...),
		Cursor:       provider.CursorFromSeq(seq),
		AppendedAtMs: int64(binary.BigEndian.Uint64(header[9:17])),
	}, nil
}
