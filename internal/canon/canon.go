// Package canon implements the canonical context encoder: it turns a mapping
// of string keys to (string | non-negative integer | []byte) values into a
// deterministic byte sequence. This encoding is the AAD for every AES-GCM
// operation and the message for every HMAC signature in docvault; reordering
// or re-typing any field changes the output and breaks every signature and
// every ciphertext ever produced under the old encoding.
//
// Integer fields are rendered as decimal strings rather than fixed-width
// binary; this choice is baked in permanently and has no alternate code
// path, since changing it would change every AAD/MAC encoding already in
// use.
//
// © 2025 docvault authors. MIT License.
package canon

import (
	"sort"
	"strconv"

	"github.com/keyspan/docvault/internal/binpack"
	"github.com/keyspan/docvault/internal/dverr"
)

// Value is any value that may appear in a Context map: a string, a
// non-negative integer, or raw bytes.
type Value = any

// Context is the sorted key/value map bound to a ciphertext or signature.
type Context map[string]Value

// Encode renders ctx deterministically: keys sorted lexicographically by
// UTF-8 bytes, then u64 length = 2*len(ctx), then for each key in order
// u64 len(key) || key || u64 len(valueBytes) || valueBytes, where integers
// render as decimal strings.
func Encode(ctx Context) ([]byte, error) {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out, err := binpack.Dump("8", uint64(2*len(keys)))
	if err != nil {
		return nil, dverr.Wrap(dverr.KindCorrupt, "canon.Encode", err)
	}

	for _, k := range keys {
		vb, err := valueBytes(ctx[k])
		if err != nil {
			return nil, err
		}
		kb := []byte(k)

		kLen, err := binpack.Dump("8", uint64(len(kb)))
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "canon.Encode", err)
		}
		out = append(out, kLen...)
		out = append(out, kb...)

		vLen, err := binpack.Dump("8", uint64(len(vb)))
		if err != nil {
			return nil, dverr.Wrap(dverr.KindCorrupt, "canon.Encode", err)
		}
		out = append(out, vLen...)
		out = append(out, vb...)
	}
	return out, nil
}

func valueBytes(v Value) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return []byte(t), nil
	case []byte:
		return t, nil
	case int:
		if t < 0 {
			return nil, dverr.New(dverr.KindCorrupt, "canon.valueBytes", "negative integer context value")
		}
		return []byte(strconv.FormatInt(int64(t), 10)), nil
	case uint32:
		return []byte(strconv.FormatUint(uint64(t), 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(t, 10)), nil
	default:
		return nil, dverr.New(dverr.KindCorrupt, "canon.valueBytes", "unsupported context value type")
	}
}
