// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mirror_test

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/must"
	"github.com/grailbio/testutil"
	"github.com/grailbio/trainlaunch/mirror"
)

func writeTree(t *testing.T, dir string, n int) map[string][]byte {
	t.Helper()
	fz := fuzz.New()
	fz.NumElements(1, 1e4)
	files := make(map[string][]byte)
	for i := 0; i < n; i++ {
		var data []byte
		fz.Fuzz(&data)
		name := filepath.Join(fmt.Sprintf("d%d", i%3), fmt.Sprintf("f%03d", i))
		path := filepath.Join(dir, name)
		must.Nil(os.MkdirAll(filepath.Dir(path), 0777))
		must.Nil(ioutil.WriteFile(path, data, 0644))
		files[filepath.ToSlash(name)] = data
	}
	return files
}

func TestSync(t *testing.T) {
	const N = 20
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")
	files := writeTree(t, src, N)

	m, err := mirror.Sync(ctx, src, dst, mirror.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(m.Entries), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := m.Copied, N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for name, data := range files {
		path := filepath.Join(dst, filepath.FromSlash(name))
		got, err := ioutil.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: contents differ", name)
		}
		srcInfo, err := os.Stat(filepath.Join(src, filepath.FromSlash(name)))
		must.Nil(err)
		dstInfo, err := os.Stat(path)
		must.Nil(err)
		if got, want := dstInfo.ModTime(), srcInfo.ModTime(); !got.Equal(want) {
			t.Errorf("%s: got mtime %v, want %v", name, got, want)
		}
	}

	// A second sync transfers nothing.
	again, err := mirror.Sync(ctx, src, dst, mirror.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := again.Copied, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := again.Skipped, N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := again.Fingerprint(), m.Fingerprint(); got != want {
		t.Errorf("got %x, want %x", got, want)
	}

	// Changing a file transfers only that file.
	changed := filepath.Join(src, "d0", "f000")
	must.Nil(ioutil.WriteFile(changed, []byte("a checkpoint that grew"), 0644))
	future := time.Now().Add(time.Hour)
	must.Nil(os.Chtimes(changed, future, future))
	third, err := mirror.Sync(ctx, src, dst, mirror.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := third.Copied, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if third.Fingerprint() == m.Fingerprint() {
		t.Error("fingerprint did not change")
	}
	got, err := ioutil.ReadFile(filepath.Join(dst, "d0", "f000"))
	must.Nil(err)
	if want := "a checkpoint that grew"; string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSyncNotDirectory(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "file")
	must.Nil(ioutil.WriteFile(path, nil, 0644))
	if _, err := mirror.Sync(context.Background(), path, filepath.Join(dir, "dst"), mirror.Options{}); err == nil {
		t.Error("expected error")
	}
}

func TestArchive(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	src, dst := filepath.Join(dir, "checkpoints"), filepath.Join(dir, "durable")
	writeTree(t, src, 5)

	for _, c := range []struct{ src, dst string }{{"", dst}, {src, ""}, {"", ""}} {
		m, err := mirror.Archive(ctx, c.src, c.dst, mirror.Options{})
		if err != nil {
			t.Errorf("archive(%q, %q): %v", c.src, c.dst, err)
		}
		if got, want := len(m.Entries), 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("skipped archive created %s: %v", dst, err)
	}

	m, err := mirror.Archive(ctx, src, dst, mirror.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := m.Copied, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	paths, err := mirror.List(ctx, dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Error("empty destination listing")
	}
}

func TestListRecursive(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	files := writeTree(t, dir, 6)
	paths, err := mirror.List(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(paths), len(files); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := files[filepath.ToSlash(rel)]; !ok {
			t.Errorf("unexpected path %s", path)
		}
	}
}
