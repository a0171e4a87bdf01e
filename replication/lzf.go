package replication

import (
	"errors"
	"fmt"
)

// errCorruptLZF reports an LZF-compressed RDB string that does not decode
var errCorruptLZF = errors.New("corrupt LZF data")

// lzfDecompress expands an LZF-compressed RDB string into exactly size
// bytes. Control bytes below 32 start a literal run of ctrl+1 bytes;
// anything else is a back reference of at least 3 bytes.
func lzfDecompress(in []byte, size int) ([]byte, error) {
	out := make([]byte, 0, size)

	for i := 0; i < len(in) && len(out) < size; {
		ctrl := int(in[i])
		i++

		if ctrl < 32 {
			n := ctrl + 1
			if i+n > len(in) {
				return nil, fmt.Errorf("%w: literal run of %d bytes truncated", errCorruptLZF, n)
			}
			if len(out)+n > size {
				return nil, fmt.Errorf("%w: output exceeds %d bytes", errCorruptLZF, size)
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		n := ctrl >> 5
		if n == 7 {
			if i >= len(in) {
				return nil, fmt.Errorf("%w: missing extended length", errCorruptLZF)
			}
			n += int(in[i])
			i++
		}
		n += 2

		if i >= len(in) {
			return nil, fmt.Errorf("%w: missing back reference offset", errCorruptLZF)
		}
		dist := (ctrl&0x1f)<<8 + int(in[i]) + 1
		i++

		if dist > len(out) {
			return nil, fmt.Errorf("%w: back reference %d before start", errCorruptLZF, dist)
		}
		if len(out)+n > size {
			return nil, fmt.Errorf("%w: output exceeds %d bytes", errCorruptLZF, size)
		}

		// Byte by byte: the source may overlap the bytes being written
		from := len(out) - dist
		for j := 0; j < n; j++ {
			out = append(out, out[from+j])
		}
	}

	if len(out) != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d", errCorruptLZF, len(out), size)
	}
	return out, nil
}
