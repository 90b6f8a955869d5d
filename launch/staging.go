// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/trainlaunch/stage"
)

// Staging tells the node of a rank how to stage the job's dataset
// when the node does not share the launching host's data root. Ranks
// expect the dataset at Root, so a node must stage it into the same
// DataRoot as the launching host.
type Staging struct {
	// Identifier is the dataset identifier, as resolved by stage.Parse.
	Identifier string
	// Root is the dataset directory passed to the training program.
	Root string
	// DataRoot, RemoteRoot and RelabelURL configure the node's stager.
	DataRoot, RemoteRoot, RelabelURL string
}

// ensureMu serializes staging among the ranks of one process, which
// share a filesystem.
var ensureMu sync.Mutex

// Ensure stages the dataset onto the local node unless its root is
// already present, as it is on the launching host or on a shared
// filesystem. A staging without an identifier is a no-op. Ensure
// fails with an errors.Invalid error if the dataset is staged
// somewhere other than Root.
func (s Staging) Ensure(ctx context.Context) error {
	if s.Identifier == "" || s.Root == "" || s.DataRoot == "" {
		return nil
	}
	ensureMu.Lock()
	defer ensureMu.Unlock()
	if info, err := os.Stat(s.Root); err == nil && info.IsDir() {
		return nil
	}
	stager := &stage.Stager{
		RemoteRoot: s.RemoteRoot,
		DataRoot:   s.DataRoot,
		RelabelURL: s.RelabelURL,
	}
	loc, err := stager.Stage(ctx, s.Identifier)
	if err != nil {
		return errors.E(fmt.Sprintf("stage %s on node", s.Identifier), err)
	}
	if loc.Root != s.Root {
		return errors.E(errors.Invalid, fmt.Sprintf("dataset %s staged at %s, ranks expect %s", s.Identifier, loc.Root, s.Root))
	}
	log.Printf("staged %s at %s on node", s.Identifier, loc.Root)
	return nil
}
