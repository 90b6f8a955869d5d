// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
	shellwords "github.com/mattn/go-shellwords"
)

// Relabel sorts the flat directory of validation images dir into
// per-class subdirectories as directed by the relabeling script at
// path. The script is not executed: Relabel interprets its "mkdir -p
// <class>" and "mv <image> <class>/" lines and ignores everything
// else. Images that were already moved are skipped, so Relabel may be
// rerun on a partially sorted directory. Relabel returns the number of
// images it moved.
func Relabel(path, dir string) (moved int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	scan := bufio.NewScanner(f)
	for lineno := 1; scan.Scan(); lineno++ {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args, err := shellwords.Parse(line)
		if err != nil {
			return moved, errors.E(errors.Invalid, fmt.Sprintf("%s:%d", path, lineno), err)
		}
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "mkdir":
			for _, arg := range args[1:] {
				if strings.HasPrefix(arg, "-") {
					continue
				}
				class, err := relabelTarget(dir, arg)
				if err != nil {
					return moved, errors.E(fmt.Sprintf("%s:%d", path, lineno), err)
				}
				if err := os.MkdirAll(class, 0777); err != nil {
					return moved, err
				}
			}
		case "mv":
			if len(args) != 3 {
				return moved, errors.E(errors.Invalid, fmt.Sprintf("%s:%d: malformed mv: %s", path, lineno, line))
			}
			src, err := relabelTarget(dir, args[1])
			if err != nil {
				return moved, errors.E(fmt.Sprintf("%s:%d", path, lineno), err)
			}
			dst, err := relabelTarget(dir, args[2])
			if err != nil {
				return moved, errors.E(fmt.Sprintf("%s:%d", path, lineno), err)
			}
			if strings.HasSuffix(args[2], "/") {
				dst = filepath.Join(dst, filepath.Base(src))
			}
			if _, err := os.Stat(src); os.IsNotExist(err) {
				if _, err := os.Stat(dst); err == nil {
					continue
				}
				return moved, errors.E(errors.NotExist, fmt.Sprintf("%s:%d: validation image %s", path, lineno, args[1]))
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
				return moved, err
			}
			if err := os.Rename(src, dst); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, scan.Err()
}

func relabelTarget(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.E(errors.Invalid, fmt.Sprintf("path %s escapes %s", name, dir))
	}
	return path, nil
}

// fetchHTTP fetches url into the local path dst.
func (s *Stager) fetchHTTP(ctx context.Context, url, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0777); err != nil {
		return err
	}
	for retries := 0; ; retries++ {
		n, err := fetchHTTP(ctx, url, dst)
		atomic.AddInt64(&s.transferred, n)
		if err == nil || errors.Is(errors.NotExist, err) {
			return err
		}
		if werr := retry.Wait(ctx, s.retryPolicy(), retries); werr != nil {
			return errors.E(fmt.Sprintf("fetch %s", url), err)
		}
	}
}

func fetchHTTP(ctx context.Context, url, dst string) (int64, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return 0, errors.E(errors.Invalid, err)
	}
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		return 0, errors.E(errors.Net, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, errors.E(errors.NotExist, fmt.Sprintf("GET %s: %s", url, resp.Status))
	case resp.StatusCode != http.StatusOK:
		return 0, errors.E(errors.Temporary, fmt.Sprintf("GET %s: %s", url, resp.Status))
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
	}
	return n, err
}
