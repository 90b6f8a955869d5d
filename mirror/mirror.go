// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mirror implements an idempotent, one-way directory sync. A
// sync first scans the source tree into a manifest, then diffs the
// manifest against the destination, and finally copies the entries
// that are missing or stale. Files whose destination copy has the same
// size and is at least as new as the source are not transferred again.
//
// Sources are local directories; destinations may be any path
// supported by github.com/grailbio/base/file, including S3 URLs.
package mirror

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/spaolacci/murmur3"
)

// RetryPolicy is the default policy for retrying transient copy
// failures.
var RetryPolicy = retry.MaxTries(retry.Backoff(time.Second, 20*time.Second, 2), 4)

// Options configures a sync.
type Options struct {
	// Retry is the retry policy applied to each file copy. RetryPolicy
	// is used if nil.
	Retry retry.Policy
}

// Entry is a regular file in a manifest.
type Entry struct {
	// Path is the file's path relative to the manifest's root, using
	// forward slashes.
	Path    string
	Size    int64
	ModTime time.Time
}

// Manifest describes a sync: the entries of the source tree, and what
// was done with them.
type Manifest struct {
	// Src and Dst are the roots of the sync.
	Src, Dst string
	// Entries are the source's regular files, sorted by path.
	Entries []Entry
	// Copied and Skipped count the entries that were transferred and
	// those that were already up to date.
	Copied, Skipped int
	// CopiedBytes is the number of bytes transferred.
	CopiedBytes int64
}

// Fingerprint returns a hash of the manifest's entries, identifying
// the state of the source tree that was synced.
func (m Manifest) Fingerprint() uint64 {
	h := murmur3.New64()
	var b [8]byte
	for _, e := range m.Entries {
		io.WriteString(h, e.Path)
		binary.LittleEndian.PutUint64(b[:], uint64(e.Size))
		h.Write(b[:])
		binary.LittleEndian.PutUint64(b[:], uint64(e.ModTime.Unix()))
		h.Write(b[:])
	}
	return h.Sum64()
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s -> %s: %d entries, %d copied (%d bytes), %d unchanged, fingerprint %016x",
		m.Src, m.Dst, len(m.Entries), m.Copied, m.CopiedBytes, m.Skipped, m.Fingerprint())
}

// Scan returns the regular files under the local directory dir,
// sorted by path.
func Scan(dir string) ([]Entry, error) {
	var entries []Entry
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, errors.E(fmt.Sprintf("scan %s", dir), err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Diff returns the entries that are missing or stale at dst. An entry
// is up to date if dst holds a file of the same size whose
// modification time is not older than the entry's.
func Diff(ctx context.Context, entries []Entry, dst string) ([]Entry, error) {
	var stale []Entry
	for _, e := range entries {
		info, err := file.Stat(ctx, file.Join(dst, e.Path))
		switch {
		case err == nil:
			if info.Size() == e.Size && !info.ModTime().Before(e.ModTime.Truncate(time.Second)) {
				continue
			}
		case errors.Is(errors.NotExist, err) || os.IsNotExist(err):
		default:
			return nil, errors.E(fmt.Sprintf("stat %s", file.Join(dst, e.Path)), err)
		}
		stale = append(stale, e)
	}
	return stale, nil
}

// Sync mirrors the local directory src into dst. Sync is idempotent:
// rerunning it after success transfers nothing.
func Sync(ctx context.Context, src, dst string, opts Options) (Manifest, error) {
	m := Manifest{Src: src, Dst: dst}
	info, err := os.Stat(src)
	if err != nil {
		return m, errors.E(fmt.Sprintf("mirror %s", src), err)
	}
	if !info.IsDir() {
		return m, errors.E(errors.Invalid, fmt.Sprintf("mirror %s: not a directory", src))
	}
	if m.Entries, err = Scan(src); err != nil {
		return m, err
	}
	stale, err := Diff(ctx, m.Entries, dst)
	if err != nil {
		return m, err
	}
	m.Skipped = len(m.Entries) - len(stale)
	policy := opts.Retry
	if policy == nil {
		policy = RetryPolicy
	}
	if local(dst) {
		if err := os.MkdirAll(dst, 0777); err != nil {
			return m, err
		}
	}
	for _, e := range stale {
		var (
			from = filepath.Join(src, filepath.FromSlash(e.Path))
			to   = file.Join(dst, e.Path)
		)
		for retries := 0; ; retries++ {
			n, err := copyFile(ctx, from, to, e.ModTime)
			if err == nil {
				m.Copied++
				m.CopiedBytes += n
				break
			}
			if errors.Is(errors.NotExist, err) || os.IsNotExist(err) {
				return m, errors.E(fmt.Sprintf("copy %s", from), err)
			}
			log.Error.Printf("mirror: copy %s to %s: attempt %d: %v", from, to, retries+1, err)
			if werr := retry.Wait(ctx, policy, retries); werr != nil {
				return m, errors.E(fmt.Sprintf("copy %s to %s", from, to), err)
			}
		}
	}
	return m, nil
}

func copyFile(ctx context.Context, src, dst string, modTime time.Time) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if local(dst) {
		if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
			return 0, err
		}
	}
	out, err := file.Create(ctx, dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out.Writer(ctx), in)
	if err != nil {
		out.Discard(ctx)
		return n, err
	}
	if err := out.Close(ctx); err != nil {
		return n, err
	}
	// Object stores set their own modification times, which are
	// always newer than the source's.
	if local(dst) {
		if err := os.Chtimes(dst, modTime, modTime); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Archive mirrors the checkpoint directory src into the durable
// directory dst and then lists dst as a confirmation. If either
// directory is undefined, Archive logs that archival was skipped and
// returns without error.
func Archive(ctx context.Context, src, dst string, opts Options) (Manifest, error) {
	if src == "" || dst == "" {
		log.Printf("archive skipped: checkpoint directory %q or durable directory %q is undefined", src, dst)
		return Manifest{Src: src, Dst: dst}, nil
	}
	log.Printf("archiving %s to %s", src, dst)
	m, err := Sync(ctx, src, dst, opts)
	if err != nil {
		return m, err
	}
	log.Printf("archived %s", m)
	paths, err := List(ctx, dst)
	if err != nil {
		return m, err
	}
	for _, path := range paths {
		log.Printf("archive: %s", path)
	}
	return m, nil
}

// List returns the paths of the files under dir.
func List(ctx context.Context, dir string) ([]string, error) {
	var paths []string
	lst := file.List(ctx, dir, true)
	for lst.Scan() {
		paths = append(paths, lst.Path())
	}
	if err := lst.Err(); err != nil {
		return nil, errors.E(fmt.Sprintf("list %s", dir), err)
	}
	sort.Strings(paths)
	return paths, nil
}

func local(path string) bool {
	return !strings.Contains(path, "://")
}
