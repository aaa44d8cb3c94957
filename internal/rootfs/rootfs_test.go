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

package rootfs

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/carinit/internal/exclude"
	"github.com/tetratelabs/carinit/internal/payload"
	"github.com/tetratelabs/carinit/internal/tarlayer"
)

func dirEntry(path string) tarlayer.Entry {
	return tarlayer.Entry{Path: path, Kind: tarlayer.Directory, Mode: 0o755}
}

func regEntry(path string, content []byte) tarlayer.Entry {
	return tarlayer.Entry{Path: path, Kind: tarlayer.Regular, Mode: 0o644, Size: int64(len(content))}
}

func applyRegular(t *testing.T, tree *Tree, scope *payload.Scope, path string, content []byte) {
	t.Helper()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{regEntry(path, content)}))
	h, err := scope.New(bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	SetContent(tree.Get(path), h)
}

func TestApplyLayer_whiteoutRemovesSiblingSubtree(t *testing.T) {
	tree := New()
	scope, err := payload.NewScope()
	require.NoError(t, err)
	defer scope.Close()

	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		dirEntry("a/b/c"),
	}))
	applyRegular(t, tree, scope, "a/b/c/d", []byte("x"))
	require.NotNil(t, tree.Get("a/b/c/d"))

	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		{Path: "a/b/c", Kind: tarlayer.Whiteout},
	}))

	require.Nil(t, tree.Get("a/b/c"))
	require.Nil(t, tree.Get("a/b/c/d"))
}

func TestApplyLayer_opaqueWhiteoutKeepsDirectoryDropsChildren(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		dirEntry("etc"),
		dirEntry("etc/ssl"),
		regEntry("etc/passwd", nil),
	}))

	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		{Path: "etc", Kind: tarlayer.OpaqueWhiteout},
	}))

	require.NotNil(t, tree.Get("etc"))
	require.Equal(t, Directory, tree.Get("etc").Kind)
	require.Nil(t, tree.Get("etc/ssl"))
	require.Nil(t, tree.Get("etc/passwd"))
}

func TestApplyLayer_laterLayerReplacesDirectoryWithFile(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		dirEntry("opt/app"),
		regEntry("opt/app/config", nil),
	}))
	require.NotNil(t, tree.Get("opt/app/config"))

	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		regEntry("opt/app", []byte("now a file")),
	}))

	entry := tree.Get("opt/app")
	require.Equal(t, Regular, entry.Kind)
	require.Nil(t, tree.Get("opt/app/config"))
}

func TestApplyLayer_symlinkAndHardLink(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		regEntry("bin/busybox", []byte("elf")),
		{Path: "bin/sh", Kind: tarlayer.Symlink, LinkName: "busybox"},
		{Path: "bin/alias", Kind: tarlayer.HardLink, LinkName: "bin/busybox"},
	}))

	link := tree.Get("bin/sh")
	require.Equal(t, Symlink, link.Kind)
	require.Equal(t, "busybox", link.LinkTarget)

	alias := tree.Get("bin/alias")
	require.Equal(t, HardLink, alias.Kind)
	require.Equal(t, "bin/busybox", alias.HardLinkTo)
}

func TestExclude_removesMatchingPaths(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		dirEntry("var/cache"),
		regEntry("var/cache/a.tmp", nil),
		regEntry("var/cache/b.tmp", nil),
		regEntry("var/keep", nil),
	}))

	m, err := exclude.New([]string{"var/cache/*.tmp"})
	require.NoError(t, err)
	tree.Exclude(m)

	require.Nil(t, tree.Get("var/cache/a.tmp"))
	require.Nil(t, tree.Get("var/cache/b.tmp"))
	require.NotNil(t, tree.Get("var/keep"))
}

func TestInject_addsRegularFileWithFixedOwnership(t *testing.T) {
	tree := New()
	mtime := time.Unix(1000, 0)
	tree.Inject("usr/bin/agent", payload.FromBytes([]byte("bin")), mtime)

	e := tree.Get("usr/bin/agent")
	require.NotNil(t, e)
	require.Equal(t, Regular, e.Kind)
	require.EqualValues(t, 0o755, e.Mode)
	require.Zero(t, e.UID)
	require.Zero(t, e.GID)
}

func TestSetInit_overridesPriorEntryRegardlessOfKind(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		{Path: "init", Kind: tarlayer.Symlink, LinkName: "/sbin/init"},
	}))
	require.Equal(t, Symlink, tree.Get("init").Kind)

	tree.SetInit(payload.FromBytes([]byte("#!/bin/sh\n")), time.Unix(0, 0))

	e := tree.Get("init")
	require.Equal(t, Regular, e.Kind)
	require.EqualValues(t, 0o755, e.Mode)
}

func TestFinalize_synthesizesMissingParentsAndRequiredDirs(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		regEntry("deep/nested/path/file", nil),
	}))
	tree.SetInit(payload.FromBytes([]byte("x")), time.Unix(0, 0))

	require.NoError(t, tree.Finalize())

	for _, dir := range []string{"deep", "deep/nested", "deep/nested/path", "proc", "sys", "dev", ""} {
		e := tree.Get(dir)
		require.NotNilf(t, e, "expected synthesized directory %q", dir)
		require.Equal(t, Directory, e.Kind)
	}
}

func TestFinalize_errorsWhenInitMissing(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		dirEntry("etc"),
	}))
	require.Error(t, tree.Finalize())
}

func TestFinalize_errorsWhenInitIsNotRegular(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		{Path: "init", Kind: tarlayer.Symlink, LinkName: "/sbin/init"},
	}))
	require.Error(t, tree.Finalize())
}

func TestFinalize_forcesInitModeExecutable(t *testing.T) {
	tree := New()
	tree.SetInit(payload.FromBytes([]byte("x")), time.Unix(0, 0))
	tree.Get("init").Mode = 0o600
	require.NoError(t, tree.Finalize())
	require.EqualValues(t, 0o755, tree.Get("init").Mode)
}

func TestFinalize_conflictWhenFileBeneathAnotherFile(t *testing.T) {
	tree := New()
	require.NoError(t, tree.ApplyLayer([]tarlayer.Entry{
		regEntry("a", []byte("x")),
	}))
	// Force an impossible shape directly: a regular file masquerading as a
	// parent directory for another entry, bypassing put's own
	// directory-replacement handling.
	tree.entries["a/b"] = &Entry{Path: "a/b", Kind: Regular, Mode: 0o644}
	tree.SetInit(payload.FromBytes([]byte("x")), time.Unix(0, 0))

	require.Error(t, tree.Finalize())
}
