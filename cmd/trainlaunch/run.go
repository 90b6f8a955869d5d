// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/log"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/exec"
	"github.com/grailbio/trainlaunch/launch"
	"github.com/grailbio/trainlaunch/launchcmd"
	"github.com/grailbio/trainlaunch/launchconfig"
	"github.com/grailbio/trainlaunch/mirror"
	"github.com/grailbio/trainlaunch/stage"
)

func runCmd(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: trainlaunch [flags] run <dataset> [args...]")
		os.Exit(2)
	}
	var sess *exec.Session
	if *useProfile {
		sess = launchconfig.Session()
		launchcmd.DisplayStatus(flags, sess)
	} else {
		var err error
		if sess, err = launchcmd.Init(flags); err != nil {
			log.Fatal(err)
		}
	}
	res, err := sess.Run(context.Background(), trainlaunch.Spec{Dataset: args[0], Args: args[1:]})
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	if res.Archive != nil {
		log.Printf("done: %s", res.Archive)
	} else {
		log.Printf("done")
	}
}

func workerCmd(args []string) {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: trainlaunch worker")
		os.Exit(2)
	}
	if err := launch.Worker(context.Background(), os.Getenv); err != nil {
		log.Fatal(err)
	}
}

func stageCmd(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: trainlaunch [flags] stage <dataset>")
		os.Exit(2)
	}
	job, err := trainlaunch.FromEnv(os.Getenv)
	if err != nil {
		log.Fatal(err)
	}
	stager := &stage.Stager{
		RemoteRoot: flags.RemoteRoot,
		DataRoot:   job.DataRoot,
		RelabelURL: flags.RelabelURL,
	}
	loc, err := stager.Stage(context.Background(), args[0])
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("staged %s (%s transferred)", loc.Source, humanize.IBytes(uint64(stager.Transferred())))
	fmt.Println(loc.Root)
}

func archiveCmd(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: trainlaunch archive <src> <dst>")
		os.Exit(2)
	}
	m, err := mirror.Archive(context.Background(), args[0], args[1], mirror.Options{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%s fingerprint %016x\n", m, m.Fingerprint())
}

func systemHelpCmd() {
	launchcmd.PrintSystemHelp(flags)
}
