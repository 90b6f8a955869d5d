// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stage stages datasets onto fast local storage. A dataset is
// named by an identifier: the name of a well-known corpus, a directory,
// or a tar archive. Parse resolves the identifier into a Source, and
// the Stager dispatches it to the Strategy registered for its form.
package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
)

// Location is a dataset that has been staged to local storage.
type Location struct {
	// Root is the local directory containing the dataset.
	Root string
	// Source is the source from which the dataset was staged.
	Source Source
}

// Kind returns the kind of source from which the location was staged.
func (l Location) Kind() Kind {
	return l.Source.Kind
}

// Train returns the training split of a corpus.
func (l Location) Train() string {
	return filepath.Join(l.Root, "train")
}

// Val returns the validation split of a corpus.
func (l Location) Val() string {
	return filepath.Join(l.Root, "val")
}

// A Strategy stages one form of dataset source.
type Strategy interface {
	// Stage stages src using the stager's remote and local roots.
	Stage(ctx context.Context, s *Stager, src Source) (Location, error)
}

// StrategyFunc adapts a func to a Strategy.
type StrategyFunc func(ctx context.Context, s *Stager, src Source) (Location, error)

// Stage implements Strategy.
func (f StrategyFunc) Stage(ctx context.Context, s *Stager, src Source) (Location, error) {
	return f(ctx, s, src)
}

var (
	mu         sync.Mutex
	strategies = map[string]Strategy{} // protected by mu
)

// Register registers a staging strategy under the given name. Sources
// are dispatched to the strategy named by Source.Strategy.
func Register(name string, strategy Strategy) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := strategies[name]; present {
		log.Panicf("staging strategy %s is already registered", name)
	}
	strategies[name] = strategy
}

func lookup(name string) (Strategy, bool) {
	mu.Lock()
	defer mu.Unlock()
	strategy, ok := strategies[name]
	return strategy, ok
}

func init() {
	Register(ImageNet, StrategyFunc(stageImageNet))
	Register(ImageNette, StrategyFunc(stageImageNette))
	Register(Directory.String(), StrategyFunc(stageDirectory))
	Register(Archive.String(), StrategyFunc(stageArchive))
}

// RetryPolicy is the default policy used to retry transfers.
var RetryPolicy = retry.MaxTries(retry.Backoff(time.Second, 30*time.Second, 2), 5)

// A Stager stages datasets from a remote root into a local data root.
type Stager struct {
	// RemoteRoot is the directory or URL (e.g., s3://bucket/datasets)
	// from which named corpora are transferred.
	RemoteRoot string
	// DataRoot is the local directory into which datasets are staged.
	// Callers should use a fresh root per job: staging the same name
	// twice into one root is not guaranteed to be idempotent.
	DataRoot string
	// RelabelURL is where the validation relabeling script for the
	// imagenet corpus is fetched from when it is not found in the
	// remote root. It may be an http(s) URL.
	RelabelURL string
	// Retry is the policy for retrying transient transfer failures.
	// RetryPolicy is used if nil.
	Retry retry.Policy
	// Status, if non-nil, receives staging progress.
	Status *status.Group

	transferred int64
}

// Transferred returns the number of bytes the stager has transferred.
func (s *Stager) Transferred() int64 {
	return atomic.LoadInt64(&s.transferred)
}

// Stage resolves identifier and stages it into the data root,
// returning the dataset's location. Identifiers are validated before
// anything is transferred, so an unsupported identifier leaves the
// data root untouched.
func (s *Stager) Stage(ctx context.Context, identifier string) (Location, error) {
	src, err := Parse(identifier)
	if err != nil {
		return Location{}, err
	}
	strategy, ok := lookup(src.Strategy())
	if !ok {
		return Location{}, errors.E(errors.NotSupported, fmt.Sprintf("no staging strategy for %s", src))
	}
	if s.DataRoot == "" {
		return Location{}, errors.E(errors.Invalid, "stage: no data root")
	}
	task := s.start(src)
	defer task.Done()
	start := time.Now()
	log.Printf("staging %s into %s", src, s.DataRoot)
	if err := os.MkdirAll(s.DataRoot, 0777); err != nil {
		return Location{}, errors.E(fmt.Sprintf("stage %s", src), err)
	}
	loc, err := strategy.Stage(ctx, s, src)
	if err != nil {
		task.Printf("failed: %v", err)
		return Location{}, errors.E(fmt.Sprintf("stage %s", src), err)
	}
	if info, err := os.Stat(loc.Root); err != nil || !info.IsDir() {
		return Location{}, errors.E(errors.NotExist, fmt.Sprintf("stage %s: dataset root %s is not a directory", src, loc.Root))
	}
	log.Printf("staged %s at %s (%s transferred in %s)", src, loc.Root,
		humanize.IBytes(uint64(s.Transferred())), time.Since(start).Round(time.Second))
	task.Printf("staged at %s", loc.Root)
	return loc, nil
}

func (s *Stager) start(src Source) *status.Task {
	if s.Status == nil {
		return nil
	}
	return s.Status.Startf("stage %s", src)
}

func (s *Stager) retryPolicy() retry.Policy {
	if s.Retry == nil {
		return RetryPolicy
	}
	return s.Retry
}

// Fetch transfers the file at src, which may be any path supported
// by package github.com/grailbio/base/file, to the local path dst.
// Transient failures are retried according to the stager's policy; a
// missing source is returned immediately as an errors.NotExist error.
func (s *Stager) Fetch(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return err
	}
	for retries := 0; ; retries++ {
		n, err := fetchFile(ctx, src, dst)
		if err == nil {
			atomic.AddInt64(&s.transferred, n)
			log.Debug.Printf("fetched %s to %s (%s)", src, dst, humanize.IBytes(uint64(n)))
			return nil
		}
		if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
			return errors.E(errors.NotExist, fmt.Sprintf("fetch %s", src), err)
		}
		log.Error.Printf("fetch %s: attempt %d: %v", src, retries+1, err)
		if werr := retry.Wait(ctx, s.retryPolicy(), retries); werr != nil {
			return errors.E(fmt.Sprintf("fetch %s", src), err)
		}
	}
}

// fetchFile is replaced in tests.
var fetchFile = fetch

func fetch(ctx context.Context, src, dst string) (n int64, err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer in.Close(ctx) // nolint: errcheck
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err = io.Copy(out, in.Reader(ctx))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return n, err
	}
	if info, err := in.Stat(ctx); err == nil {
		_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return n, nil
}
