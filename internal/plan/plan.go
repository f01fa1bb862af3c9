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

// Package plan compiles an aggregation-spec string such as
// "outname1=downcase(col1),min(col2),count()" into an ordered list of
// output columns, each bound to an aggregator descriptor and an optional
// input column name.
package plan

import (
	"fmt"
	"strings"

	"github.com/csvagg/csvagg/internal/aggr"
)

// Column is one output column of a plan: its output name, the input
// column it reads (empty for count()), its position, and its bound
// aggregator. InputIndex is resolved per input file by the engine and
// starts at -1.
type Column struct {
	OutName    string
	InName     string
	Slot       int
	Descriptor *aggr.Descriptor
	InputIndex int
}

// Plan is the ordered, immutable sequence of output columns produced by
// parsing a spec string.
type Plan struct {
	Columns []Column
}

// Width is the number of output columns.
func (p *Plan) Width() int {
	return len(p.Columns)
}

// Parse compiles spec into a Plan. Grammar (informal):
//
//	spec := item ("," item)*
//	item := (NAME "=")? (NAME | NAME "(" NAME? ")")
//
// A bare NAME with no parentheses is sugar for str(NAME). A parenthesised
// form names an aggregator; its inner argument, when present, is the
// input column. An "outname=" prefix overrides the default output
// column name, which is otherwise the literal source text of the item
// (minus any leading "outname=").
func Parse(spec string) (*Plan, error) {
	var cols []Column
	var outname, tmp strings.Builder
	parens := 0
	itemStart := 0
	var aggName string
	haveAggName := false

	flushBareOrBoundary := func(i int) error {
		text := tmp.String()
		if text == "" && outname.Len() == 0 {
			return nil
		}
		name := outname.String()
		if name == "" {
			name = spec[itemStart:i]
		}
		d, ok := aggr.Lookup("str")
		if !ok {
			return fmt.Errorf("internal error: no aggregator named \"str\"")
		}
		cols = append(cols, Column{
			OutName:    name,
			InName:     text,
			Slot:       len(cols),
			Descriptor: d,
			InputIndex: -1,
		})
		return nil
	}

	for i := 0; i < len(spec); i++ {
		c := spec[i]
		switch {
		case c == '=' && parens == 0:
			outname.Reset()
			outname.WriteString(tmp.String())
			tmp.Reset()
		case c == '(':
			parens++
			if parens == 1 {
				aggName = tmp.String()
				haveAggName = true
				tmp.Reset()
			}
		case c == ')':
			parens--
			if parens < 0 {
				return nil, fmt.Errorf("unmatched parenthesis in aggregator spec")
			}
			if parens == 0 {
				if !haveAggName {
					return nil, fmt.Errorf("unmatched parenthesis in aggregator spec")
				}
				d, ok := aggr.Lookup(aggName)
				if !ok {
					return nil, fmt.Errorf("unknown aggregator function %q", aggName)
				}
				name := outname.String()
				if name == "" {
					name = spec[itemStart : i+1]
				}
				cols = append(cols, Column{
					OutName:    name,
					InName:     tmp.String(),
					Slot:       len(cols),
					Descriptor: d,
					InputIndex: -1,
				})
				outname.Reset()
				tmp.Reset()
				haveAggName = false
			}
		case c == ',' && parens == 0:
			if tmp.Len() > 0 {
				if err := flushBareOrBoundary(i); err != nil {
					return nil, err
				}
			}
			outname.Reset()
			tmp.Reset()
			itemStart = i + 1
		default:
			// Whitespace is skipped only while leading (tmp still
			// empty); once a token has begun, inner whitespace joins
			// it verbatim.
			if c != ' ' || tmp.Len() > 0 {
				tmp.WriteByte(c)
			}
		}
	}

	if parens != 0 {
		return nil, fmt.Errorf("unmatched parenthesis in aggregator spec")
	}
	if tmp.Len() > 0 {
		if err := flushBareOrBoundary(len(spec)); err != nil {
			return nil, err
		}
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("empty aggregator spec")
	}

	return &Plan{Columns: cols}, nil
}
