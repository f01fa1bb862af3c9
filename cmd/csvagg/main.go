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

// Command csvagg is a streaming CSV group-by aggregation tool: it reads
// one or more CSV files, groups rows by a plan's key columns, computes
// the plan's aggregates, and writes the result as CSV.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/csvagg/csvagg/internal/engine"
	"github.com/csvagg/csvagg/internal/plan"
	"github.com/csvagg/csvagg/internal/scratch"
)

const version = "csvagg 1.0.0"

var (
	dasho string
	dashL int
	dashm bool
	dashd string
	dashV bool

	flagDefaultUsage func()
)

func init() {
	flagDefaultUsage = flag.CommandLine.Usage
	flag.CommandLine.Usage = printHelp

	flag.StringVar(&dasho, "o", "", "output file path (standard output if absent)")
	flag.IntVar(&dashL, "L", 0, "maximum line length in bytes (default 65536)")
	flag.BoolVar(&dashm, "m", false, "merge mode: ingest prior aggregation output instead of raw rows")
	flag.StringVar(&dashd, "d", "", "scratch directory for spilled pages (default: OS temp dir)")
	flag.BoolVar(&dashV, "V", false, "print version and exit")
}

func main() {
	flag.Parse()

	if dashV {
		fmt.Println(version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 1 {
		printHelp()
		os.Exit(1)
	}
	spec := args[0]
	files := args[1:]

	p, err := plan.Parse(spec)
	if err != nil {
		exitf("bad spec: %s", err)
	}

	dir, err := scratch.Open(dashd)
	if err != nil {
		exitf("scratch directory: %s", err)
	}
	defer dir.Close()

	e := engine.New(p, dir, dashL)
	defer e.Close()

	if len(files) == 0 {
		runOne(e, "")
	} else {
		for _, f := range files {
			runOne(e, f)
		}
	}

	out := os.Stdout
	if dasho != "" {
		f, err := os.Create(dasho)
		if err != nil {
			exitf("opening -o %s: %s", dasho, err)
		}
		defer f.Close()
		out = f
	}
	if err := e.Emit(out); err != nil {
		exitf("writing output: %s", err)
	}
}

func runOne(e *engine.Engine, path string) {
	if dashm {
		e.Merge(path)
	} else {
		e.Aggregate(path)
	}
}

func exitf(f string, args ...interface{}) {
	exit(fmt.Errorf(f, args...))
}

func exit(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func printHelp() {
	fmt.Fprintln(os.Stderr, "usage: csvagg [options] <spec> [<file>...]")
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "  <spec>   aggregation spec, e.g. \"downcase(city),count()\"")
	fmt.Fprintln(os.Stderr, "  <file>   one or more input CSV files; reads standard input if none given")
	fmt.Fprintln(os.Stderr)
	flagDefaultUsage()
}
