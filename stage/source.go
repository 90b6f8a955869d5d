// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
)

// Kind tags the form of a dataset source.
type Kind int

const (
	// NamedCorpus is a well-known, full-size corpus fetched from the
	// remote dataset root.
	NamedCorpus Kind = iota
	// SampleCorpus is a small, well-known sample corpus fetched from
	// the remote dataset root.
	SampleCorpus
	// Directory is an existing directory tree.
	Directory
	// Archive is an existing tar archive, possibly compressed.
	Archive
)

func (k Kind) String() string {
	switch k {
	case NamedCorpus:
		return "named"
	case SampleCorpus:
		return "sample"
	case Directory:
		return "directory"
	case Archive:
		return "archive"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Format is the format of an archive source.
type Format int

const (
	// Tar is an uncompressed tar archive.
	Tar Format = iota
	// TarGzip is a gzip-compressed tar archive.
	TarGzip
)

// Extensions maps recognized archive file extensions to their format.
// Longer extensions are matched first.
var extensions = []struct {
	ext    string
	format Format
}{
	{".tar.gz", TarGzip},
	{".tgz", TarGzip},
	{".tar", Tar},
}

// Corpus names recognized by Parse.
const (
	ImageNet       = "imagenet"
	ImageNette     = "imagenette"
	ImageNette2160 = "imagenette2-160"
)

// Source is a parsed dataset identifier. Exactly one of its variants
// is described by Kind: a named corpus (Corpus), a directory (Path),
// or an archive (Path and Format).
type Source struct {
	Kind   Kind
	Corpus string
	Path   string
	Format Format
}

// Strategy returns the name of the staging strategy registered for
// the source.
func (s Source) Strategy() string {
	switch s.Kind {
	case NamedCorpus:
		return s.Corpus
	case SampleCorpus:
		return ImageNette
	default:
		return s.Kind.String()
	}
}

// Name returns the name of the directory that the source is staged
// into: the corpus name, the directory's base name, or the archive's
// base name without its extension.
func (s Source) Name() string {
	switch s.Kind {
	case NamedCorpus, SampleCorpus:
		return s.Corpus
	case Archive:
		base := filepath.Base(s.Path)
		for _, e := range extensions {
			if strings.HasSuffix(base, e.ext) {
				return strings.TrimSuffix(base, e.ext)
			}
		}
		return base
	default:
		return filepath.Base(filepath.Clean(s.Path))
	}
}

// Identifier returns the dataset identifier that Parse resolves to
// the source.
func (s Source) Identifier() string {
	switch s.Kind {
	case NamedCorpus, SampleCorpus:
		return s.Corpus
	default:
		return s.Path
	}
}

func (s Source) String() string {
	switch s.Kind {
	case NamedCorpus, SampleCorpus:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Corpus)
	default:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Path)
	}
}

// Parse resolves a dataset identifier into a Source. Parse only
// inspects the local filesystem; it never transfers data. An existing
// file that is not a recognized archive is an errors.NotSupported
// error; an identifier that is neither a known corpus nor an existing
// path is an errors.Invalid error.
func Parse(identifier string) (Source, error) {
	switch identifier {
	case "":
		return Source{}, errors.E(errors.Invalid, "empty dataset identifier")
	case ImageNet:
		return Source{Kind: NamedCorpus, Corpus: ImageNet}, nil
	case ImageNette, ImageNette2160:
		return Source{Kind: SampleCorpus, Corpus: ImageNette2160}, nil
	}
	info, err := os.Stat(identifier)
	if err != nil {
		if os.IsNotExist(err) {
			return Source{}, errors.E(errors.Invalid,
				fmt.Sprintf("invalid dataset identifier %q: not a known corpus (%s, %s, %s) nor an existing path",
					identifier, ImageNet, ImageNette, ImageNette2160))
		}
		return Source{}, errors.E(fmt.Sprintf("stat %s", identifier), err)
	}
	if info.IsDir() {
		return Source{Kind: Directory, Path: identifier}, nil
	}
	for _, e := range extensions {
		if strings.HasSuffix(identifier, e.ext) {
			return Source{Kind: Archive, Path: identifier, Format: e.format}, nil
		}
	}
	return Source{}, errors.E(errors.NotSupported,
		fmt.Sprintf("unsupported extension %q for dataset file %s: want one of .tar, .tgz, .tar.gz",
			filepath.Ext(identifier), identifier))
}
