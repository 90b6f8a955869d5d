// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package launchconfig provides a mechanism to create a trainlaunch
// session from a shared configuration. Launchconfig uses the
// configuration mechanism in package
// github.com/grailbio/base/config, and reads a default profile from
// $HOME/.trainlaunch/config. Configurations may be provisioned
// using the trainlaunch command.
package launchconfig

import (
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/trainlaunch/exec"
)

// Path determines the location of the trainlaunch profile.
var Path = os.ExpandEnv("$HOME/.trainlaunch/config")

// RegisterFlags registers the configuration flags, reading the
// default profile from Path.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Session returns the session configured by the profile and by any
// configuration flags. The flags must have been registered and
// parsed. Session panics if session creation fails.
func Session() (sess *exec.Session) {
	must.Nil(config.ProcessFlags())
	config.Must("trainlaunch", &sess)
	return sess
}
