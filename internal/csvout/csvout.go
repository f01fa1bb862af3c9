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

// Package csvout is the buffered CSV output sink: every string field is
// always quoted with internal quotes doubled, integers are written
// unquoted, and fields within a row are comma-separated.
package csvout

import (
	"bufio"
	"io"
	"strconv"
)

// Sink is a row-oriented, comma-separated, always-quote-strings CSV writer.
type Sink struct {
	w        *bufio.Writer
	fieldNum int
}

// New wraps w in a buffered CSV sink.
func New(w io.Writer) *Sink {
	return &Sink{w: bufio.NewWriter(w)}
}

func (s *Sink) sep() {
	if s.fieldNum > 0 {
		s.w.WriteByte(',')
	}
	s.fieldNum++
}

// WriteQuoted writes s as a double-quoted field, doubling any internal
// double quotes.
func (s *Sink) WriteQuoted(field string) {
	s.sep()
	s.w.WriteByte('"')
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '"' {
			s.w.WriteString(field[start : i+1])
			s.w.WriteByte('"')
			start = i + 1
		}
	}
	s.w.WriteString(field[start:])
	s.w.WriteByte('"')
}

// WriteQuotedBytes is WriteQuoted for a byte slice, avoiding a string copy
// for the common case of no internal quotes.
func (s *Sink) WriteQuotedBytes(field []byte) {
	s.sep()
	s.w.WriteByte('"')
	start := 0
	for i := 0; i < len(field); i++ {
		if field[i] == '"' {
			s.w.Write(field[start : i+1])
			s.w.WriteByte('"')
			start = i + 1
		}
	}
	s.w.Write(field[start:])
	s.w.WriteByte('"')
}

// WriteInt writes n unquoted, in decimal.
func (s *Sink) WriteInt(n int64) {
	s.sep()
	s.w.WriteString(strconv.FormatInt(n, 10))
}

// EndRow terminates the current row with a newline and resets the field
// separator state for the next row.
func (s *Sink) EndRow() {
	s.w.WriteByte('\n')
	s.fieldNum = 0
}

// Flush flushes any buffered output to the underlying writer.
func (s *Sink) Flush() error {
	return s.w.Flush()
}
