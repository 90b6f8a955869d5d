// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package untar extracts tar archives, optionally gzip-compressed,
// onto local storage.
package untar

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/klauspost/compress/gzip"
)

// Stats summarizes an extraction.
type Stats struct {
	// Files and Dirs count the regular files and directories
	// extracted.
	Files, Dirs int
	// Bytes is the total size of the regular files extracted.
	Bytes int64
}

// File extracts the archive at path into dir, which is created if
// it does not exist. Gzip compression is detected from the stream.
func File(path, dir string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, errors.E(fmt.Sprintf("untar %s", path), err)
	}
	defer f.Close()
	stats, err := Reader(f, dir)
	if err != nil {
		return stats, errors.E(fmt.Sprintf("untar %s", path), err)
	}
	return stats, nil
}

// Reader extracts the tar stream r into dir, which is created if it
// does not exist. If r is gzip-compressed, it is decompressed. Entries
// whose names would escape dir, and entries that would be created
// through a symbolic link, are rejected with an errors.Invalid error;
// entries other than regular files, directories, and symbolic
// links are skipped.
func Reader(r io.Reader, dir string) (Stats, error) {
	var stats Stats
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return stats, err
		}
		defer gz.Close()
		r = gz
	} else {
		r = br
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return stats, err
	}
	tr := tar.NewReader(r)
	for {
		head, err := tr.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		path, err := target(dir, head.Name)
		if err != nil {
			return stats, err
		}
		if err := noSymlinks(dir, path); err != nil {
			return stats, err
		}
		switch head.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, 0777); err != nil {
				return stats, err
			}
			stats.Dirs++
		case tar.TypeReg, tar.TypeRegA:
			if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
				return stats, err
			}
			n, err := write(path, tr, head.FileInfo().Mode().Perm())
			if err != nil {
				return stats, err
			}
			stats.Files++
			stats.Bytes += n
			if !head.ModTime.IsZero() {
				_ = os.Chtimes(path, head.ModTime, head.ModTime)
			}
		case tar.TypeSymlink:
			link := head.Linkname
			if !filepath.IsAbs(link) {
				link = filepath.Join(filepath.Dir(path), link)
			}
			if !within(dir, link) {
				return stats, errors.E(errors.Invalid, fmt.Sprintf("symlink %s escapes %s", head.Name, dir))
			}
			if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
				return stats, err
			}
			if err := os.Symlink(head.Linkname, path); err != nil {
				return stats, err
			}
		}
	}
}

func write(path string, r io.Reader, perm os.FileMode) (int64, error) {
	if perm == 0 {
		perm = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// target returns the path at which an entry named name is extracted
// in dir.
func target(dir, name string) (string, error) {
	path := filepath.Join(dir, filepath.FromSlash(name))
	if !within(dir, path) {
		return "", errors.E(errors.Invalid, fmt.Sprintf("entry %s escapes %s", name, dir))
	}
	return path, nil
}

// noSymlinks returns an errors.Invalid error if any existing path
// component between dir and path is a symbolic link. Links are only
// ever created as leaves, so a link extracted earlier cannot redirect
// a later entry outside of dir.
func noSymlinks(dir, path string) error {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return errors.E(errors.Invalid, err)
	}
	p := dir
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		if elem == "." || elem == "" {
			continue
		}
		p = filepath.Join(p, elem)
		info, err := os.Lstat(p)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("entry %s is created through symlink %s", rel, p))
		}
	}
	return nil
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
