// Package binpack implements the BinaryCodec used by every cryptographic
// binding in docvault: a big-endian fixed-width integer / raw byte packer. Patterns are strings of atom codes; the "bytes" atom may
// appear at most once and must be last — during Load it absorbs whatever
// remains of the buffer.
//
// Atom codes: "1" = u8, "2" = u16, "4" = u32, "8" = u64, "b" = bytes.
//
// © 2025 docvault authors. MIT License.
package binpack

import (
	"encoding/binary"
	"strings"

	"github.com/keyspan/docvault/internal/dverr"
)

const (
	atomU8    = '1'
	atomU16   = '2'
	atomU32   = '4'
	atomU64   = '8'
	atomBytes = 'b'
)

func widthOf(atom byte) int {
	switch atom {
	case atomU8:
		return 1
	case atomU16:
		return 2
	case atomU32:
		return 4
	case atomU64:
		return 8
	default:
		return -1
	}
}

// validate ensures "bytes" appears at most once and, if present, is last.
func validate(pattern string) error {
	idx := strings.IndexByte(pattern, atomBytes)
	if idx == -1 {
		return nil
	}
	if idx != len(pattern)-1 {
		return dverr.New(dverr.KindCorrupt, "binpack.validate", "bytes atom must be last in pattern")
	}
	if strings.Count(pattern, string(atomBytes)) > 1 {
		return dverr.New(dverr.KindCorrupt, "binpack.validate", "bytes atom may appear at most once")
	}
	return nil
}

// Dump packs values according to pattern. Integer atoms expect a Go integer
// type convertible to uint64; the bytes atom expects a []byte and is emitted
// raw, without a length prefix — the length is inferred from the remainder
// on Load.
func Dump(pattern string, values ...any) ([]byte, error) {
	if err := validate(pattern); err != nil {
		return nil, err
	}
	if len(pattern) != len(values) {
		return nil, dverr.New(dverr.KindCorrupt, "binpack.Dump", "pattern/value count mismatch")
	}

	out := make([]byte, 0, 16)
	for i := 0; i < len(pattern); i++ {
		atom := pattern[i]
		if atom == atomBytes {
			b, ok := values[i].([]byte)
			if !ok {
				return nil, dverr.New(dverr.KindCorrupt, "binpack.Dump", "bytes atom requires []byte value")
			}
			out = append(out, b...)
			continue
		}
		w := widthOf(atom)
		if w < 0 {
			return nil, dverr.New(dverr.KindCorrupt, "binpack.Dump", "unknown pattern atom")
		}
		u, err := toUint64(values[i])
		if err != nil {
			return nil, err
		}
		buf := make([]byte, w)
		switch w {
		case 1:
			buf[0] = byte(u)
		case 2:
			binary.BigEndian.PutUint16(buf, uint16(u))
		case 4:
			binary.BigEndian.PutUint32(buf, uint32(u))
		case 8:
			binary.BigEndian.PutUint64(buf, u)
		}
		out = append(out, buf...)
	}
	return out, nil
}

func toUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case uint32:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint8:
		return uint64(t), nil
	case int:
		if t < 0 {
			return 0, dverr.New(dverr.KindCorrupt, "binpack.toUint64", "negative integer atom")
		}
		return uint64(t), nil
	default:
		return 0, dverr.New(dverr.KindCorrupt, "binpack.toUint64", "unsupported integer value type")
	}
}

// Load unpacks buf according to pattern. Fails KindCorrupt if the buffer is
// shorter than the fixed-width prefix demands, or — when pattern has no
// trailing bytes atom — if bytes remain unused after the last fixed atom.
func Load(pattern string, buf []byte) ([]any, error) {
	if err := validate(pattern); err != nil {
		return nil, err
	}

	out := make([]any, 0, len(pattern))
	pos := 0
	for i := 0; i < len(pattern); i++ {
		atom := pattern[i]
		if atom == atomBytes {
			out = append(out, append([]byte(nil), buf[pos:]...))
			pos = len(buf)
			continue
		}
		w := widthOf(atom)
		if w < 0 {
			return nil, dverr.New(dverr.KindCorrupt, "binpack.Load", "unknown pattern atom")
		}
		if pos+w > len(buf) {
			return nil, dverr.New(dverr.KindCorrupt, "binpack.Load", "buffer shorter than pattern demands")
		}
		var u uint64
		switch w {
		case 1:
			u = uint64(buf[pos])
		case 2:
			u = uint64(binary.BigEndian.Uint16(buf[pos : pos+w]))
		case 4:
			u = uint64(binary.BigEndian.Uint32(buf[pos : pos+w]))
		case 8:
			u = binary.BigEndian.Uint64(buf[pos : pos+w])
		}
		out = append(out, u)
		pos += w
	}
	if !strings.ContainsRune(pattern, atomBytes) && pos != len(buf) {
		return nil, dverr.New(dverr.KindCorrupt, "binpack.Load", "trailing unused bytes in buffer")
	}
	return out, nil
}

// DumpArray packs a homogeneous array of fixed-width unsigned integers. atom
// must be one of "1", "2", "4", "8".
func DumpArray(atom byte, values []uint64) ([]byte, error) {
	w := widthOf(atom)
	if w < 0 {
		return nil, dverr.New(dverr.KindCorrupt, "binpack.DumpArray", "unknown atom")
	}
	out := make([]byte, 0, w*len(values))
	for _, v := range values {
		buf := make([]byte, w)
		switch w {
		case 1:
			buf[0] = byte(v)
		case 2:
			binary.BigEndian.PutUint16(buf, uint16(v))
		case 4:
			binary.BigEndian.PutUint32(buf, uint32(v))
		case 8:
			binary.BigEndian.PutUint64(buf, v)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// LoadArray unpacks a homogeneous array of fixed-width unsigned integers.
// Fails KindCorrupt if buf's length isn't a multiple of the atom's width.
func LoadArray(atom byte, buf []byte) ([]uint64, error) {
	w := widthOf(atom)
	if w < 0 {
		return nil, dverr.New(dverr.KindCorrupt, "binpack.LoadArray", "unknown atom")
	}
	if len(buf)%w != 0 {
		return nil, dverr.New(dverr.KindCorrupt, "binpack.LoadArray", "buffer length not a multiple of atom width")
	}
	n := len(buf) / w
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		chunk := buf[i*w : (i+1)*w]
		switch w {
		case 1:
			out[i] = uint64(chunk[0])
		case 2:
			out[i] = uint64(binary.BigEndian.Uint16(chunk))
		case 4:
			out[i] = uint64(binary.BigEndian.Uint32(chunk))
		case 8:
			out[i] = binary.BigEndian.Uint64(chunk)
		}
	}
	return out, nil
}
