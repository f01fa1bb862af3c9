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

// Package arena implements the scoped byte allocator that backs group-by
// key storage: allocations are never freed individually and the whole
// arena is released in one shot at shutdown.
package arena

import (
	"fmt"
	"os"

	"github.com/csvagg/csvagg/internal/scratch"
)

// DefaultPageSize is the size of a heap-backed page before the arena
// switches to scratch-file-backed mmap pages.
const DefaultPageSize = 1 << 20 // 1 MiB

// DefaultMmapThreshold is the total arena size at which new pages are
// backed by a scratch file instead of the Go heap.
const DefaultMmapThreshold = 64 << 20 // 64 MiB

// Arena is an append-only byte allocator. Pointers returned by Alloc
// remain valid for the lifetime of the Arena.
type Arena struct {
	dir       *scratch.Dir
	pageSize  int
	mmapAt    int64
	total     int64
	pages     []*page
	cur       *page
	pageCount int
}

type page struct {
	buf    []byte // usable region; fixed capacity, never regrown
	used   int
	file   *os.File
	mapped []byte // raw mmap region to unmap, nil for heap pages
}

// New creates an Arena. dir may be nil, in which case the arena never
// spills to disk regardless of size (suitable for tests and small runs).
func New(dir *scratch.Dir) *Arena {
	return &Arena{dir: dir, pageSize: DefaultPageSize, mmapAt: DefaultMmapThreshold}
}

// SetMmapThreshold overrides the total-bytes threshold past which new
// pages are backed by the scratch directory rather than the heap.
func (a *Arena) SetMmapThreshold(n int64) {
	a.mmapAt = n
}

// Alloc returns n zeroed, aligned bytes with a stable address for the
// life of the Arena.
func (a *Arena) Alloc(n, align int) []byte {
	if align <= 0 {
		align = 1
	}
	if a.cur != nil {
		if b, ok := a.cur.take(n, align); ok {
			return b
		}
	}
	sz := a.pageSize
	if n+align > sz {
		sz = n + align
	}
	p := a.newPage(sz)
	a.pages = append(a.pages, p)
	a.cur = p
	b, ok := p.take(n, align)
	if !ok {
		panic("arena: fresh page too small for allocation")
	}
	return b
}

func (p *page) take(n, align int) ([]byte, bool) {
	off := (p.used + align - 1) &^ (align - 1)
	if off+n > len(p.buf) {
		return nil, false
	}
	b := p.buf[off : off+n : off+n]
	p.used = off + n
	for i := range b {
		b[i] = 0
	}
	return b, true
}

func (a *Arena) newPage(size int) *page {
	a.total += int64(size)
	a.pageCount++
	if a.dir == nil || a.total <= a.mmapAt {
		return &page{buf: make([]byte, size)}
	}
	f, err := a.dir.NewFile(fmt.Sprintf("arena-%d", a.pageCount))
	if err != nil {
		// Allocation failure is fatal per spec; the caller is expected
		// to propagate this panic as a tier-1 fatal error.
		panic(fmt.Errorf("arena: spill page: %w", err))
	}
	buf, err := mmapPage(f, int64(size))
	if err != nil {
		f.Close()
		panic(fmt.Errorf("arena: mmap spill page: %w", err))
	}
	return &page{buf: buf, file: f, mapped: buf}
}

// Close releases any file-backed pages. Heap pages are left for the
// garbage collector.
func (a *Arena) Close() error {
	var firstErr error
	for _, p := range a.pages {
		if p.file == nil {
			continue
		}
		if err := unmapPage(p.file, p.mapped); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats reports how many bytes and pages have been allocated, for
// diagnostics only.
func (a *Arena) Stats() (bytes int64, pages int) {
	return a.total, a.pageCount
}
