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

// Package scratch manages the temporary-directory lifecycle shared by the
// byte arena and the paged hash table: both spill to files here once their
// in-memory footprint crosses a threshold, and both expect the files to be
// removed again on shutdown.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Dir is a scratch directory that mints uniquely-named temporary files
// and removes every file it created when closed.
type Dir struct {
	path string

	mu    sync.Mutex
	files []string
}

// Open validates that path exists and is writable. An empty path means
// "use the OS default temp directory" (os.TempDir()).
func Open(path string) (*Dir, error) {
	if path == "" {
		path = os.TempDir()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scratch directory %q: %w", path, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scratch directory %q is not a directory", path)
	}
	probe, err := os.CreateTemp(path, ".csvagg-probe-*")
	if err != nil {
		return nil, fmt.Errorf("scratch directory %q is not writable: %w", path, err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return &Dir{path: path}, nil
}

// NewFile creates a new scratch file named "prefix-<uuid>.tmp" and
// registers it for removal on Close.
func (d *Dir) NewFile(prefix string) (*os.File, error) {
	name := filepath.Join(d.path, fmt.Sprintf("%s-%s.tmp", prefix, uuid.NewString()))
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("scratch: create %q: %w", name, err)
	}
	d.mu.Lock()
	d.files = append(d.files, name)
	d.mu.Unlock()
	return f, nil
}

// Close removes every file minted by NewFile. It is safe to call even if
// some files were already removed by their owner.
func (d *Dir) Close() error {
	d.mu.Lock()
	files := d.files
	d.files = nil
	d.mu.Unlock()

	var firstErr error
	for _, name := range files {
		if err := os.Remove(name); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
