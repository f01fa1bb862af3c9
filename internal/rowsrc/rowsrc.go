// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package rowsrc is the CSV row source: line reading, comma-separated
// field splitting with RFC 4180 double-quote escaping, and on-demand
// per-field unescaping. Transparently decompresses ".zst"-suffixed input
// files.
package rowsrc

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// DefaultMaxLine is the default maximum line length in bytes (-L).
const DefaultMaxLine = 64 * 1024

// Reader reads CSV records from a file or stdin, one logical line (record)
// at a time, splitting each into fields on demand.
type Reader struct {
	br        *bufio.Reader
	closer    io.Closer
	zstdDec   *zstd.Decoder
	maxLine   int
	line      []byte
	pos       int
	exhausted bool
	atEnd     bool
}

// Open opens path for reading as a CSV row source. An empty path means
// standard input. Files whose name ends in ".zst" are transparently
// decompressed.
func Open(path string, maxLine int) (*Reader, error) {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	var under io.Reader
	var closer io.Closer
	if path == "" {
		under = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		under = f
		closer = f
	}

	r := &Reader{closer: closer, maxLine: maxLine}
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(under)
		if err != nil {
			if closer != nil {
				closer.Close()
			}
			return nil, err
		}
		r.zstdDec = dec
		r.br = bufio.NewReaderSize(dec.IOReadCloser(), maxLine)
	} else {
		r.br = bufio.NewReaderSize(under, maxLine)
	}
	return r, nil
}

// Close releases the underlying file (and decompressor, if any).
func (r *Reader) Close() error {
	if r.zstdDec != nil {
		r.zstdDec.Close()
	}
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// AtEnd reports whether the stream has been fully consumed.
func (r *Reader) AtEnd() bool {
	return r.atEnd
}

// FetchLine reads the next logical CSV record (which may span several
// physical lines if a field contains an embedded newline inside quotes)
// into the internal line buffer and resets field iteration. It returns
// false at clean end-of-stream and also on read failure.
func (r *Reader) FetchLine() bool {
	if r.atEnd {
		return false
	}
	r.line = r.line[:0]
	sawAny := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if len(chunk) > 0 {
			sawAny = true
			r.line = append(r.line, chunk...)
		}
		if err != nil {
			r.atEnd = true
			break
		}
		if quoteParity(r.line)%2 == 0 {
			break
		}
		if len(r.line) >= r.maxLine {
			r.atEnd = true
			break
		}
	}
	if !sawAny {
		return false
	}
	r.line = trimNewline(r.line)
	r.pos = 0
	r.exhausted = false
	return true
}

func quoteParity(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '"' {
			n++
		}
	}
	return n
}

func trimNewline(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		n--
	}
	if n > 0 && b[n-1] == '\r' {
		n--
	}
	return b[:n]
}

// ReadField returns the byte offset and length, within the current
// line's buffer (see Line), of the next field, or ok=false once every
// field of the current line has been consumed.
func (r *Reader) ReadField() (off, length int, ok bool) {
	if r.exhausted {
		return 0, 0, false
	}
	line := r.line
	start := r.pos
	if start < len(line) && line[start] == '"' {
		i := start + 1
		for i < len(line) {
			if line[i] == '"' {
				if i+1 < len(line) && line[i+1] == '"' {
					i += 2
					continue
				}
				i++
				break
			}
			i++
		}
		end := i
		if end < len(line) && line[end] == ',' {
			r.pos = end + 1
		} else {
			r.pos = end
			r.exhausted = true
		}
		return start, end - start, true
	}

	i := start
	for i < len(line) && line[i] != ',' {
		i++
	}
	if i < len(line) {
		r.pos = i + 1
	} else {
		r.pos = i
		r.exhausted = true
	}
	return start, i - start, true
}

// Line returns the raw bytes of the current record, for indexing with
// the offsets returned by ReadField and UnescapeField.
func (r *Reader) Line() []byte {
	return r.line
}

// UnescapeField decodes the field at line[off:off+length]. If the field
// requires no decoding (it is not quoted), it returns ok=false and the
// caller should use line[off:off+length] directly. Otherwise it returns
// an owned, decoded copy with surrounding quotes removed and doubled
// quotes collapsed to one.
func (r *Reader) UnescapeField(off, length int) (decoded []byte, ok bool) {
	field := r.line[off : off+length]
	if length == 0 || field[0] != '"' {
		return nil, false
	}
	inner := field[1:]
	if n := len(inner); n > 0 && inner[n-1] == '"' {
		inner = inner[:n-1]
	}
	out := make([]byte, 0, len(inner))
	for i := 0; i < len(inner); i++ {
		if inner[i] == '"' && i+1 < len(inner) && inner[i+1] == '"' {
			out = append(out, '"')
			i++
			continue
		}
		out = append(out, inner[i])
	}
	return out, true
}
