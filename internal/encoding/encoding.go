// Package encoding converts opaque CRDT update/snapshot bytes to and from
// the ASCII form the wire protocol carries inside a JSON payload.
package encoding

import (
	"encoding/base64"
	"errors"
	"strings"
)

// chunkSize bounds how much of the input is handed to the base64 codec at
// once. Keeping it well under any host's argument/stack limits is the only
// normative property here; the exact size is not.
const chunkSize = 32 * 1024

// ErrEncodingUnavailable is returned by runtimes that cannot support the
// transcoding at all. The standard library always can, so production code
// never observes this — it exists so callers compiled against other Go
// runtimes (e.g. a constrained build tag) have a defined failure mode.
var ErrEncodingUnavailable = errors.New("encoding: base64 transcoding unavailable on this runtime")

// Encode converts bytes to a base64 string, chunking the input so that no
// single call into the standard encoder operates on an unbounded slice.
func Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(base64.StdEncoding.EncodedLen(len(data)))
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		b.WriteString(base64.StdEncoding.EncodeToString(data[off:end]))
	}
	return b.String()
}

// decodeChunkSize is the encoded-string width produced by encoding exactly
// chunkSize raw bytes. Every Encode chunk but the last is this long, so
// Decode must split on the same boundary to avoid mid-string padding.
var decodeChunkSize = base64.StdEncoding.EncodedLen(chunkSize)

// Decode is the exact inverse of Encode for any string it produced, for
// input up to the protocol's configured maxUpdateSize.
func Decode(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	out := make([]byte, 0, base64.StdEncoding.DecodedLen(len(s)))
	for off := 0; off < len(s); off += decodeChunkSize {
		end := off + decodeChunkSize
		if end > len(s) {
			end = len(s)
		}
		chunk, err := base64.StdEncoding.DecodeString(s[off:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}
