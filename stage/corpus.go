// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stage

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/trainlaunch/archive/untar"
)

// Files of the imagenet corpus, relative to <remote root>/imagenet.
const (
	ImageNetTrainArchive  = "ILSVRC2012_img_train.tar"
	ImageNetValArchive    = "ILSVRC2012_img_val.tar"
	ImageNetDevkitArchive = "ILSVRC2012_devkit_t12.tar.gz"
	ImageNetRelabelScript = "valprep.sh"

	// ImageNetteArchive is the sample corpus archive, relative to the
	// remote root.
	ImageNetteArchive = "imagenette2-160.tgz"
)

// ImageNetArchives is the archive set transferred for the imagenet
// corpus.
var ImageNetArchives = []string{ImageNetTrainArchive, ImageNetValArchive, ImageNetDevkitArchive}

// DefaultRelabelURL is the default location of the script that sorts
// the imagenet validation images into per-class directories.
const DefaultRelabelURL = "https://raw.githubusercontent.com/soumith/imagenetloader.torch/master/valprep.sh"

func stageImageNet(ctx context.Context, s *Stager, src Source) (Location, error) {
	var (
		remote = file.Join(s.RemoteRoot, ImageNet)
		local  = filepath.Join(s.DataRoot, ImageNet)
		loc    = Location{Root: local, Source: src}
	)
	if s.RemoteRoot == "" {
		return Location{}, errors.E(errors.Invalid, "imagenet: no remote dataset root")
	}
	err := traverse.Each(len(ImageNetArchives), func(i int) error {
		name := ImageNetArchives[i]
		return s.Fetch(ctx, file.Join(remote, name), filepath.Join(local, name))
	})
	if err != nil {
		return Location{}, err
	}

	log.Printf("imagenet: extracting training set")
	if _, err := untar.File(filepath.Join(local, ImageNetTrainArchive), loc.Train()); err != nil {
		return Location{}, err
	}
	if err := explode(loc.Train()); err != nil {
		return Location{}, err
	}

	log.Printf("imagenet: extracting validation set")
	if _, err := untar.File(filepath.Join(local, ImageNetValArchive), loc.Val()); err != nil {
		return Location{}, err
	}
	script := filepath.Join(local, ImageNetRelabelScript)
	if _, err := os.Stat(script); os.IsNotExist(err) {
		if err := s.fetchRelabel(ctx, file.Join(remote, ImageNetRelabelScript), script); err != nil {
			return Location{}, err
		}
	}
	moved, err := Relabel(script, loc.Val())
	if err != nil {
		return Location{}, err
	}
	log.Printf("imagenet: sorted %d validation images into class directories", moved)
	return loc, nil
}

// explode replaces each per-class archive <dir>/<class>.tar with the
// directory <dir>/<class> holding its contents. Archives are extracted
// in parallel and deleted once unpacked.
func explode(dir string) error {
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		return err
	}
	var archives []string
	for _, info := range infos {
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".tar") {
			archives = append(archives, info.Name())
		}
	}
	log.Printf("imagenet: unpacking %d class archives", len(archives))
	return traverse.Each(len(archives), func(i int) error {
		path := filepath.Join(dir, archives[i])
		class := strings.TrimSuffix(archives[i], ".tar")
		if _, err := untar.File(path, filepath.Join(dir, class)); err != nil {
			return err
		}
		return os.Remove(path)
	})
}

// fetchRelabel fetches the relabeling script, first from the remote
// root, then from the stager's RelabelURL.
func (s *Stager) fetchRelabel(ctx context.Context, remote, script string) error {
	err := s.Fetch(ctx, remote, script)
	if err == nil || !errors.Is(errors.NotExist, err) {
		return err
	}
	url := s.RelabelURL
	if url == "" {
		url = DefaultRelabelURL
	}
	log.Printf("imagenet: %s not in remote root; fetching %s", ImageNetRelabelScript, url)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return s.fetchHTTP(ctx, url, script)
	}
	return s.Fetch(ctx, url, script)
}

func stageImageNette(ctx context.Context, s *Stager, src Source) (Location, error) {
	if s.RemoteRoot == "" {
		return Location{}, errors.E(errors.Invalid, "imagenette: no remote dataset root")
	}
	archive := filepath.Join(s.DataRoot, ImageNetteArchive)
	if err := s.Fetch(ctx, file.Join(s.RemoteRoot, ImageNetteArchive), archive); err != nil {
		return Location{}, err
	}
	if _, err := untar.File(archive, s.DataRoot); err != nil {
		return Location{}, err
	}
	root := filepath.Join(s.DataRoot, ImageNette2160)
	if _, err := os.Stat(root); err != nil {
		return Location{}, errors.E(errors.NotExist, fmt.Sprintf("%s does not contain %s/", ImageNetteArchive, ImageNette2160))
	}
	return Location{Root: root, Source: src}, nil
}
