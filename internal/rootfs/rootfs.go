// Copyright 2021 Tetrate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rootfs assembles an ordered sequence of OCI image layers into a
// single in-memory filesystem tree, applying OverlayFS-style whiteout and
// opaque-whiteout semantics, then superimposes user exclusions, injections
// and an /init override (spec.md §4.3).
package rootfs

import (
	"fmt"
	"io"
	"os"
	pathutil "path"
	"strings"
	"time"

	"github.com/tetratelabs/carinit/internal/exclude"
	"github.com/tetratelabs/carinit/internal/payload"
	"github.com/tetratelabs/carinit/internal/tarlayer"
)

// Kind tags the variant carried by an Entry, mirroring spec.md §3's
// filesystem entry kinds.
type Kind int

const (
	Directory Kind = iota
	Regular
	Symlink
	HardLink
	CharDevice
	BlockDevice
	FIFO
)

// Entry is one node of the assembled tree, keyed by its canonical Path.
type Entry struct {
	Path               string
	Kind               Kind
	Mode               os.FileMode
	UID, GID           int
	MTime              time.Time
	Content            payload.Handle // set only for Regular
	LinkTarget         string         // set only for Symlink
	HardLinkTo         string         // set only for HardLink: path of the canonical entry
	DevMajor, DevMinor int64
}

// Tree is the mutable assembled filesystem, indexed by canonical path
// (never containing a leading slash; the root directory is the empty
// string).
type Tree struct {
	entries map[string]*Entry
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{entries: map[string]*Entry{}}
}

// Get returns the entry at path, or nil.
func (t *Tree) Get(path string) *Entry {
	return t.entries[normalize(path)]
}

// Len returns the number of entries currently in the tree.
func (t *Tree) Len() int { return len(t.entries) }

// Range calls fn once per entry in unspecified order. fn must not mutate
// the tree.
func (t *Tree) Range(fn func(*Entry)) {
	for _, e := range t.entries {
		fn(e)
	}
}

func normalize(p string) string {
	if p == "" {
		return ""
	}
	p = pathutil.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// toKey maps path.Dir's "." (meaning "no parent left but the root") to the
// empty string this tree uses as the root's key.
func toKey(dir string) string {
	if dir == "." {
		return ""
	}
	return dir
}

// put inserts or replaces the entry at e.Path. Replacing a directory with a
// non-directory, or vice versa, is permitted and discards anything
// previously recorded beneath the old directory's path prefix, per
// spec.md §4.3 step 1. Replacing a directory with a directory keeps any
// children already recorded, which ApplyLayer relies on when a later layer
// lists a directory that an earlier layer already filled.
func (t *Tree) put(e *Entry) {
	e.Path = normalize(e.Path)
	prev, existed := t.entries[e.Path]
	if existed && prev.Kind == Directory && e.Kind != Directory {
		t.deletePrefix(e.Path)
	}
	t.entries[e.Path] = e
}

// delete removes the entry at path and, if it is a directory, every entry
// beneath it.
func (t *Tree) delete(path string) {
	path = normalize(path)
	delete(t.entries, path)
	t.deletePrefix(path)
}

// deletePrefix removes every entry whose path is a strict descendant of
// dir, but leaves dir itself (if present) untouched. Used directly for
// opaque whiteouts, and via delete for ordinary whiteouts.
func (t *Tree) deletePrefix(dir string) {
	prefix := dir + "/"
	if dir == "" {
		prefix = ""
	}
	for p := range t.entries {
		if p != dir && strings.HasPrefix(p, prefix) {
			delete(t.entries, p)
		}
	}
}

// ApplyLayer applies one decoded layer's entries in order, honoring
// whiteout and opaque-whiteout markers against the tree state accumulated
// so far (earlier layers plus this layer's own prior entries), per
// spec.md §4.3.
func (t *Tree) ApplyLayer(entries []tarlayer.Entry) error {
	for _, e := range entries {
		switch e.Kind {
		case tarlayer.OpaqueWhiteout:
			t.deletePrefix(e.Path)
		case tarlayer.Whiteout:
			t.delete(e.Path)
		default:
			converted, err := fromTarEntry(e)
			if err != nil {
				return err
			}
			t.put(converted)
		}
	}
	return nil
}

func fromTarEntry(e tarlayer.Entry) (*Entry, error) {
	out := &Entry{
		Path:     e.Path,
		Mode:     e.Mode,
		UID:      e.UID,
		GID:      e.GID,
		MTime:    e.MTime,
		DevMajor: e.DevMajor,
		DevMinor: e.DevMinor,
	}
	switch e.Kind {
	case tarlayer.Directory:
		out.Kind = Directory
	case tarlayer.Regular:
		out.Kind = Regular
		out.Content = &deferredContent{size: e.Size}
	case tarlayer.Symlink:
		out.Kind = Symlink
		out.LinkTarget = e.LinkName
	case tarlayer.HardLink:
		out.Kind = HardLink
		out.HardLinkTo = normalize(e.LinkName)
	case tarlayer.CharDevice:
		out.Kind = CharDevice
	case tarlayer.BlockDevice:
		out.Kind = BlockDevice
	case tarlayer.FIFO:
		out.Kind = FIFO
	default:
		return nil, fmt.Errorf("assembly: unrepresentable tar entry kind %d at %s", e.Kind, e.Path)
	}
	return out, nil
}

// deferredContent is a placeholder payload.Handle used between ApplyLayer
// decoding the header and the caller (internal/driver) filling in the real
// content via SetContent once the tar reader has streamed the body. It
// exists because tarlayer.Entry's Reader is only valid inside the
// VisitFunc callback, before the tree insertion has happened.
type deferredContent struct {
	size int64
	real payload.Handle
}

func (d *deferredContent) Size() int64 { return d.size }

func (d *deferredContent) Open() (io.ReadCloser, error) {
	if d.real == nil {
		return nil, fmt.Errorf("content not yet materialized")
	}
	return d.real.Open()
}

// SetContent backs a Regular entry's deferred placeholder with its real
// payload.Handle. Called by internal/driver once ApplyLayer has returned,
// with the handle it buffered while the tar body was streamed.
func SetContent(e *Entry, h payload.Handle) {
	if d, ok := e.Content.(*deferredContent); ok {
		d.real = h
	} else {
		e.Content = h
	}
}

// Exclude removes every entry whose path matches any pattern in m, per
// spec.md §4.3 step 1.
func (t *Tree) Exclude(m *exclude.Matcher) {
	var victims []string
	for p := range t.entries {
		if m.Matches(p) {
			victims = append(victims, p)
		}
	}
	for _, p := range victims {
		delete(t.entries, p)
	}
}

// Inject adds or overwrites a regular file entry at targetPath with the
// given content, mode 0755, uid/gid 0 and the given mtime, per spec.md
// §4.3 step 2 and §9's mandate to strip setuid/setgid on injected files.
func (t *Tree) Inject(targetPath string, content payload.Handle, mtime time.Time) {
	t.put(&Entry{
		Path:    targetPath,
		Kind:    Regular,
		Mode:    0o755,
		Content: content,
		MTime:   mtime,
	})
}

// SetInit places script bytes at /init with mode 0755, uid/gid 0, removing
// any prior entry there regardless of kind, per spec.md §4.3 step 3.
func (t *Tree) SetInit(content payload.Handle, mtime time.Time) {
	delete(t.entries, "init")
	t.put(&Entry{
		Path:    "init",
		Kind:    Regular,
		Mode:    0o755,
		Content: content,
		MTime:   mtime,
	})
}

// requiredDirectories are added by Finalize as empty directories (mode
// 0755) when the image did not supply them, because the kernel needs them
// mounted over before any other mount succeeds (spec.md §4.3). An entry the
// image already supplied at one of these paths is kept as it is, contents
// included.
var requiredDirectories = []string{"proc", "sys", "dev"}

// Finalize synthesizes any missing parent directory for every path
// currently in the tree (mode 0755, uid/gid 0), guarantees proc/sys/dev
// exist, and confirms /init is present as a mode-0755 regular file. It
// must be the last mutation before CPIO emission.
func (t *Tree) Finalize() error {
	for _, d := range requiredDirectories {
		if _, ok := t.entries[d]; !ok {
			t.entries[d] = &Entry{Path: d, Kind: Directory, Mode: 0o755}
		}
	}

	// Root always exists, emitted as "." per scenario 1 of spec.md §8.
	if _, ok := t.entries[""]; !ok {
		t.entries[""] = &Entry{Path: "", Kind: Directory, Mode: 0o755}
	}

	// Collect current paths first: synthesizing parents must not be
	// affected by directories added during this same pass being treated
	// as already-covered originals, though in practice that's harmless
	// since synthesized directories carry no further descendants.
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}

	for _, p := range paths {
		dir := toKey(pathutil.Dir(p))
		for dir != p {
			existing, ok := t.entries[dir]
			if !ok {
				existing = &Entry{Path: dir, Kind: Directory, Mode: 0o755}
				t.entries[dir] = existing
			} else if existing.Kind != Directory {
				return fmt.Errorf("assembly: %s must be a directory because %s is beneath it", dir, p)
			}
			if dir == "" {
				break
			}
			p, dir = dir, toKey(pathutil.Dir(dir))
		}
	}

	init, ok := t.entries["init"]
	if !ok {
		return fmt.Errorf("assembly: /init is required but was never supplied by the image or --init")
	}
	if init.Kind != Regular {
		return fmt.Errorf("assembly: /init must be a regular file")
	}
	init.Mode = 0o755

	return nil
}
