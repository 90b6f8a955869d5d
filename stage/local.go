// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/trainlaunch/archive/untar"
	"github.com/grailbio/trainlaunch/mirror"
)

func stageDirectory(ctx context.Context, s *Stager, src Source) (Location, error) {
	root := filepath.Join(s.DataRoot, src.Name())
	m, err := mirror.Sync(ctx, src.Path, root, mirror.Options{Retry: s.retryPolicy()})
	atomic.AddInt64(&s.transferred, m.CopiedBytes)
	if err != nil {
		return Location{}, err
	}
	return Location{Root: root, Source: src}, nil
}

func stageArchive(ctx context.Context, s *Stager, src Source) (Location, error) {
	archive := filepath.Join(s.DataRoot, filepath.Base(src.Path))
	if sameFile(src.Path, archive) {
		log.Printf("archive %s is already in the data root", src.Path)
	} else if err := s.Fetch(ctx, src.Path, archive); err != nil {
		return Location{}, err
	}
	if _, err := untar.File(archive, s.DataRoot); err != nil {
		return Location{}, err
	}
	root := filepath.Join(s.DataRoot, src.Name())
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return Location{}, errors.E(errors.NotExist,
			fmt.Sprintf("archive %s did not unpack into %s/", src.Path, src.Name()))
	}
	return Location{Root: root, Source: src}, nil
}

// sameFile tells whether the local paths a and b name the same file.
func sameFile(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
