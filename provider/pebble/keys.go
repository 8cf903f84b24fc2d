package pebble

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Keyspace (byte-wise, lexicographically sortable):
//
//	meta/{streamKey}/{runID}
//	run/{streamKey}/{runID}/e/{seq_be8}
//
// Run metadata lives under its own prefix so a retention sweep can scan it
// without touching entry data. Stream keys and run IDs must not contain '/'.

var (
	sep      = byte('/')
	runSeg   = []byte("run/")
	metaSeg  = []byte("meta/")
	entrySeg = []byte("/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func keyMeta(streamKey, runID string) []byte {
	k := make([]byte, 0, len(metaSeg)+len(streamKey)+len(runID)+1)
	k = append(k, metaSeg...)
	k = append(k, streamKey...)
	k = append(k, sep)
	k = append(k, runID...)
	return k
}

func keyEntry(streamKey, runID string, seq uint64) []byte {
	k := make([]byte, 0, len(runSeg)+len(streamKey)+len(runID)+len(entrySeg)+9)
	k = append(k, runSeg...)
	k = append(k, streamKey...)
	k = append(k, sep)
	k = append(k, runID...)
	k = append(k, entrySeg...)
	return appendBE8(k, seq)
}

// entryBounds returns the half-open key range covering every entry of a run.
func entryBounds(streamKey, runID string) (lo, hi []byte) {
	lo = keyEntry(streamKey, runID, 0)
	hi = append(keyEntry(streamKey, runID, ^uint64(0)), 0x00)
	return lo, hi
}

// seqFromEntryKey extracts the big-endian sequence from an entry key.
func seqFromEntryKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// metaPrefix returns the scan prefix for run metadata. With an empty
// streamKey it covers every stream.
func metaPrefix(streamKey string) []byte {
	k := make([]byte, 0, len(metaSeg)+len(streamKey)+1)
	k = append(k, metaSeg...)
	if streamKey != "" {
		k = append(k, streamKey...)
		k = append(k, sep)
	}
	return k
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, for use as an iterator upper bound.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// splitMetaKey recovers (streamKey, runID) from a metadata key.
func splitMetaKey(key []byte) (string, string, error) {
	rest := bytes.TrimPrefix(key, metaSeg)
	i := bytes.IndexByte(rest, sep)
	if len(rest) == len(key) || i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("malformed meta key %q", key)
	}
	return string(rest[:i]), string(rest[i+1:]), nil
}
