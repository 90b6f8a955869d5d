// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/testutil"
)

func TestFetchCountsSuccessfulAttempt(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	src, dst := filepath.Join(dir, "src"), filepath.Join(dir, "dst")
	must.Nil(ioutil.WriteFile(src, []byte("0123456789"), 0644))

	attempts := 0
	fetchFile = func(ctx context.Context, src, dst string) (int64, error) {
		attempts++
		if attempts == 1 {
			return 100, errors.E(errors.Temporary, "connection reset")
		}
		return fetch(ctx, src, dst)
	}
	defer func() { fetchFile = fetch }()

	s := &Stager{Retry: retry.MaxTries(retry.Backoff(time.Millisecond, time.Millisecond, 1), 3)}
	if err := s.Fetch(context.Background(), src, dst); err != nil {
		t.Fatal(err)
	}
	if got, want := attempts, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := s.Transferred(), int64(10); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
