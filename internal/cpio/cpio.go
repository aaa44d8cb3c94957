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

// Package cpio serializes an assembled rootfs.Tree into the SVR4 "new
// ASCII" (newc) CPIO format the Linux kernel expects for an initramfs, per
// spec.md §4.4. No third-party module in the retrieved corpus implements
// this format (it is a narrow, well-specified binary layout the Linux
// kernel itself documents in Documentation/early-userspace), so this
// writer is hand-rolled against the standard library the way the teacher
// hand-rolls its own tar classification.
package cpio

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/tetratelabs/carinit/internal/rootfs"
)

const (
	magic        = "070701"
	trailerName  = "TRAILER!!!"
	headerFields = 13 // everything after the magic, each 8 hex chars
	headerLen    = len(magic) + headerFields*8
)

// mode type nibbles, per spec.md §4.4.
const (
	modeRegular   = 0x8000
	modeDirectory = 0x4000
	modeSymlink   = 0xA000
	modeCharDev   = 0x2000
	modeBlockDev  = 0x6000
	modeFIFO      = 0x1000
)

// Write encodes every entry of t as a newc CPIO stream to w, in the
// deterministic order spec.md §4.4 mandates: lexicographic by full path,
// which for a tree whose every entry has an explicit parent directory
// entry (rootfs.Tree.Finalize guarantees this) automatically places every
// directory before its contents, because a prefix string always sorts
// before any string it is a strict prefix of.
func Write(w io.Writer, t *rootfs.Tree) error {
	paths := make([]string, 0, t.Len())
	t.Range(func(e *rootfs.Entry) { paths = append(paths, e.Path) })
	sort.Strings(paths)

	groups, err := hardLinkGroups(t, paths)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	var ino uint32
	inodeOf := make(map[string]uint32, len(paths))
	for _, p := range paths {
		e := t.Get(p)
		if e.Kind == rootfs.HardLink {
			continue // shares its target's inode, assigned below
		}
		ino++
		inodeOf[p] = ino
	}
	for alias, canonical := range groups.aliasToCanonical {
		inodeOf[alias] = inodeOf[canonical]
	}

	for _, p := range paths {
		e := t.Get(p)
		if err := writeEntry(cw, e, inodeOf[p], groups.nlink(p)); err != nil {
			return fmt.Errorf("writing cpio entry %q: %w", p, err)
		}
	}

	if err := writeHeader(cw, record{name: trailerName}); err != nil {
		return fmt.Errorf("writing cpio trailer: %w", err)
	}

	return bw.Flush()
}

type hardLinkInfo struct {
	// aliasToCanonical maps each HardLink entry's path to the path of the
	// Regular entry holding its content.
	aliasToCanonical map[string]string
	// groupSize maps a canonical path to the total number of paths
	// (itself plus all aliases) sharing its inode.
	groupSize map[string]int
}

func (h *hardLinkInfo) nlink(path string) uint32 {
	canonical := path
	if c, ok := h.aliasToCanonical[path]; ok {
		canonical = c
	}
	if n, ok := h.groupSize[canonical]; ok {
		return uint32(n)
	}
	return 1
}

func hardLinkGroups(t *rootfs.Tree, paths []string) (*hardLinkInfo, error) {
	h := &hardLinkInfo{
		aliasToCanonical: map[string]string{},
		groupSize:        map[string]int{},
	}
	for _, p := range paths {
		e := t.Get(p)
		if e.Kind != rootfs.HardLink {
			continue
		}
		target := t.Get(e.HardLinkTo)
		if target == nil || target.Kind == rootfs.HardLink {
			return nil, fmt.Errorf("hard link %q targets missing path %q", p, e.HardLinkTo)
		}
		h.aliasToCanonical[p] = e.HardLinkTo
		h.groupSize[e.HardLinkTo]++
	}
	for canonical, aliases := range h.groupSize {
		h.groupSize[canonical] = aliases + 1 // plus the canonical entry itself
	}
	return h, nil
}

type record struct {
	ino                                  uint32
	mode                                 uint32
	uid, gid                             uint32
	nlink                                uint32
	mtime                                uint32
	filesize                             uint32
	devmajor, devminor                   uint32
	rdevmajor, rdevminor                 uint32
	name                                 string
}

func writeEntry(w *countingWriter, e *rootfs.Entry, ino, nlink uint32) error {
	name := e.Path
	if name == "" {
		name = "."
	}

	r := record{
		ino:   ino,
		nlink: nlink,
		uid:   uint32(e.UID),
		gid:   uint32(e.GID),
		mtime: uint32(e.MTime.Unix()),
		name:  name,
	}

	var body io.Reader
	switch e.Kind {
	case rootfs.Directory:
		r.mode = modeDirectory | uint32(e.Mode.Perm())
	case rootfs.Regular:
		r.mode = modeRegular | uint32(e.Mode.Perm())
		r.filesize = uint32(e.Content.Size())
	case rootfs.HardLink:
		r.mode = modeRegular | uint32(e.Mode.Perm())
		r.filesize = 0
	case rootfs.Symlink:
		r.mode = modeSymlink | uint32(e.Mode.Perm())
		r.filesize = uint32(len(e.LinkTarget))
	case rootfs.CharDevice:
		r.mode = modeCharDev | uint32(e.Mode.Perm())
		r.rdevmajor, r.rdevminor = uint32(e.DevMajor), uint32(e.DevMinor)
	case rootfs.BlockDevice:
		r.mode = modeBlockDev | uint32(e.Mode.Perm())
		r.rdevmajor, r.rdevminor = uint32(e.DevMajor), uint32(e.DevMinor)
	case rootfs.FIFO:
		r.mode = modeFIFO | uint32(e.Mode.Perm())
	default:
		return fmt.Errorf("assembly: unrepresentable entry kind %d", e.Kind)
	}

	if err := writeHeader(w, r); err != nil {
		return err
	}

	switch e.Kind {
	case rootfs.Regular:
		rc, err := e.Content.Open()
		if err != nil {
			return fmt.Errorf("opening content: %w", err)
		}
		defer rc.Close() //nolint
		body = rc
	case rootfs.Symlink:
		body = stringsReader(e.LinkTarget)
	}

	if body != nil {
		n, err := io.Copy(w, body)
		if err != nil {
			return fmt.Errorf("writing data: %w", err)
		}
		if uint32(n) != r.filesize {
			return fmt.Errorf("content length %d did not match declared size %d", n, r.filesize)
		}
	}
	return w.padTo4()
}

func writeHeader(w *countingWriter, r record) error {
	nameSize := uint32(len(r.name) + 1) // including the trailing NUL
	if _, err := fmt.Fprintf(w, "%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		magic, r.ino, r.mode, r.uid, r.gid, r.nlink, r.mtime, r.filesize,
		r.devmajor, r.devminor, r.rdevmajor, r.rdevminor, nameSize, uint32(0) /* check */); err != nil {
		return err
	}
	if _, err := io.WriteString(w, r.name); err != nil {
		return err
	}
	if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return w.padTo4()
}

func stringsReader(s string) io.Reader {
	return &stringReader{s: s}
}

type stringReader struct {
	s string
	i int
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.i >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.i:])
	r.i += n
	return n, nil
}

// countingWriter tracks total bytes written so padTo4 can align to the
// next 4-byte boundary from the start of the stream, as newc requires.
type countingWriter struct {
	w     io.Writer
	total int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.total += int64(n)
	return n, err
}

var zeroes = make([]byte, 4)

func (c *countingWriter) padTo4() error {
	if n := c.total % 4; n != 0 {
		pad := int(4 - n)
		if _, err := c.Write(zeroes[:pad]); err != nil {
			return err
		}
	}
	return nil
}
