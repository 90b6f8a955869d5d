// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/testutil"
)

// testDataset writes a small dataset directory under dir and returns
// a staging of it into dir/node.
func testDataset(t *testing.T, dir string) Staging {
	t.Helper()
	src := filepath.Join(dir, "shared", "flowers")
	for _, name := range []string{"train/rose/1.jpg", "val/rose/2.jpg"} {
		path := filepath.Join(src, filepath.FromSlash(name))
		must.Nil(os.MkdirAll(filepath.Dir(path), 0777))
		must.Nil(ioutil.WriteFile(path, []byte("rose"), 0644))
	}
	dataRoot := filepath.Join(dir, "node")
	return Staging{
		Identifier: src,
		Root:       filepath.Join(dataRoot, "flowers"),
		DataRoot:   dataRoot,
	}
}

func TestStagingEnsure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	s := testDataset(t, dir)
	if err := s.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "train", "rose", "1.jpg")); err != nil {
		t.Error(err)
	}
	// Present roots are left alone.
	must.Nil(os.Remove(filepath.Join(s.Root, "val", "rose", "2.jpg")))
	if err := s.Ensure(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.Root, "val", "rose", "2.jpg")); !os.IsNotExist(err) {
		t.Errorf("present dataset was restaged: %v", err)
	}

	if err := (Staging{Root: "/nonexistent"}).Ensure(ctx); err != nil {
		t.Errorf("staging without identifier: %v", err)
	}

	s.Root = filepath.Join(dir, "elsewhere", "flowers")
	if err := s.Ensure(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}
