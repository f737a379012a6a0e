// Package wire frames codec payloads before they reach a durable store.
// The frame carries a magic marker and a format version so foreign or
// truncated bytes are detected before the codec ever runs; callers treat
// ErrCorrupt as "delete the row and read as a miss".
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1
	kindRow byte = 1
)

var (
	ErrCorrupt = errors.New("permcache: corrupt row")
	magic4     = [...]byte{'P', 'E', 'R', 'M'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Row: magic(4) | ver(1) | kind(1=row) | vlen(u32 be) | payload(vlen)
func EncodeRow(payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindRow)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeRow(b []byte) (payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version || b[5] != kindRow {
		return nil, ErrCorrupt
	}

	off := 6
	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return nil, ErrCorrupt
	}
	return b[off : off+vlen], nil
}
