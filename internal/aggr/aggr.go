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

// Package aggr holds the fixed set of named aggregator descriptors: str,
// downcase, top20, min, max, minstr, maxstr and count. Each descriptor
// carries some subset of {key-normalise, aggregate-step, merge-step,
// emit} as plain function fields, in the spirit of a capability record
// rather than a closed interface hierarchy (see vm/aggregate.go's
// AggregateKind for the teacher's analogous closed-enum approach).
package aggr

import (
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"github.com/csvagg/csvagg/internal/csvout"
)

// Kind names one of the fixed aggregator functions.
type Kind int

const (
	KindStr Kind = iota
	KindDowncase
	KindTop20
	KindMin
	KindMax
	KindMinStr
	KindMaxStr
	KindCount
)

// Cell is one slot of a group's accumulator tuple. Its interpretation is
// fixed by the Descriptor bound to its column: Key holds a borrowed,
// arena-backed slice for str/downcase columns; I64 holds the running
// value for count/min/max; Str and List hold owned data for
// minstr/maxstr/top20, released by the descriptor's Emit.
type Cell struct {
	Key  []byte
	I64  int64
	Str  string
	List []string
}

// Descriptor is an immutable aggregator record. Exactly one of
// {NormalizeKey, Aggregate} is non-nil: a descriptor with NormalizeKey
// contributes to the group-by key, one with Aggregate contributes to a
// value slot.
type Descriptor struct {
	Name string
	Kind Kind

	// NormalizeKey rewrites a copy of the raw field bytes in place
	// (e.g. lower-casing). Set only for key aggregators.
	NormalizeKey func(field []byte)

	// Aggregate folds one fresh input row's field into cell. first is
	// true exactly once, on the row that created the group.
	Aggregate func(cell *Cell, field []byte, first bool)

	// Merge folds one prior aggregation run's emitted field into cell.
	// Set only for value aggregators; nil for str/downcase since a key
	// column is re-derived from the merge input's own key columns.
	Merge func(cell *Cell, field []byte, first bool)

	// Emit formats cell to out and releases any owned storage (Str,
	// List) it holds. Set for every aggregator.
	Emit func(cell *Cell, out *csvout.Sink)
}

// IsKey reports whether this descriptor contributes to the group-by key.
func (d *Descriptor) IsKey() bool {
	return d.NormalizeKey != nil
}

func parseAutoBaseInt(field []byte) int64 {
	s := strings.TrimSpace(string(field))
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0
	}
	return v
}

func identityKey(field []byte) {}

func downcaseKey(field []byte) {
	for i, c := range field {
		if c >= 'A' && c <= 'Z' {
			field[i] = c + ('a' - 'A')
		}
	}
}

func emitKey(cell *Cell, out *csvout.Sink) {
	out.WriteQuotedBytes(cell.Key)
}

func top20Add(cell *Cell, field []byte, first bool) {
	if first {
		cell.List = nil
	}
	if len(cell.List) >= 20 {
		return
	}
	s := string(field)
	if slices.Contains(cell.List, s) {
		return
	}
	cell.List = append(cell.List, s)
}

func top20Merge(cell *Cell, field []byte, first bool) {
	tokens := strings.Split(string(field), ",")
	for i, tok := range tokens {
		top20Add(cell, []byte(tok), first && i == 0)
	}
}

func top20Emit(cell *Cell, out *csvout.Sink) {
	out.WriteQuoted(strings.Join(cell.List, ","))
	cell.List = nil
}

func minAggregate(cell *Cell, field []byte, first bool) {
	v := parseAutoBaseInt(field)
	if first || v < cell.I64 {
		cell.I64 = v
	}
}

func maxAggregate(cell *Cell, field []byte, first bool) {
	v := parseAutoBaseInt(field)
	if first || v > cell.I64 {
		cell.I64 = v
	}
}

func intEmit(cell *Cell, out *csvout.Sink) {
	out.WriteInt(cell.I64)
}

func minstrAggregate(cell *Cell, field []byte, first bool) {
	s := string(field)
	if first || s < cell.Str {
		cell.Str = s
	}
}

func maxstrAggregate(cell *Cell, field []byte, first bool) {
	s := string(field)
	if first || s > cell.Str {
		cell.Str = s
	}
}

func strEmit(cell *Cell, out *csvout.Sink) {
	out.WriteQuoted(cell.Str)
	cell.Str = ""
}

func countAggregate(cell *Cell, field []byte, first bool) {
	if first {
		cell.I64 = 1
	} else {
		cell.I64++
	}
}

func countMerge(cell *Cell, field []byte, first bool) {
	if first {
		cell.I64 = 0
	}
	cell.I64 += parseAutoBaseInt(field)
}

var registry = []*Descriptor{
	{Name: "str", Kind: KindStr, NormalizeKey: identityKey, Emit: emitKey},
	{Name: "downcase", Kind: KindDowncase, NormalizeKey: downcaseKey, Emit: emitKey},
	{Name: "top20", Kind: KindTop20, Aggregate: top20Add, Merge: top20Merge, Emit: top20Emit},
	{Name: "min", Kind: KindMin, Aggregate: minAggregate, Merge: minAggregate, Emit: intEmit},
	{Name: "max", Kind: KindMax, Aggregate: maxAggregate, Merge: maxAggregate, Emit: intEmit},
	{Name: "minstr", Kind: KindMinStr, Aggregate: minstrAggregate, Merge: minstrAggregate, Emit: strEmit},
	{Name: "maxstr", Kind: KindMaxStr, Aggregate: maxstrAggregate, Merge: maxstrAggregate, Emit: strEmit},
	{Name: "count", Kind: KindCount, Aggregate: countAggregate, Merge: countMerge, Emit: intEmit},
}

// Lookup returns the descriptor named name, or (nil, false) if unknown.
func Lookup(name string) (*Descriptor, bool) {
	for _, d := range registry {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}
