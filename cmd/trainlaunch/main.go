// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command trainlaunch launches a two-phase distributed training job
// from within a scheduler allocation.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/trainlaunch/launchconfig"
	"github.com/grailbio/trainlaunch/launchflags"
)

var (
	flags      launchflags.Flags
	useProfile = flag.Bool("use-profile", false, "configure the session from the profile at "+launchconfig.Path+" instead of the launch flags")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Trainlaunch stages a dataset, launches the pretrain and lincls phases of
a distributed training job, and archives the job's checkpoints.

Usage:

	trainlaunch [flags] <command> [arguments]

The commands are:

	run <dataset> [args...]  run both phases of a job; args are passed to the training program
	worker                   run this node's rank of a multi-node launch (invoked by srun)
	stage <dataset>          stage a dataset into the data root
	archive <src> <dst>      mirror a checkpoint directory to durable storage
	setup-ec2                configure EC2 for use with trainlaunch

The flags are:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("trainlaunch: ")
	must.Func = log.Fatal
	launchflags.RegisterFlags(flag.CommandLine, &flags, "")
	launchconfig.RegisterFlags()
	flag.Usage = usage
	flag.Parse()
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	if flags.SystemHelp {
		systemHelpCmd()
		return
	}
	if flag.NArg() == 0 {
		flag.Usage()
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(args)
	case "worker":
		workerCmd(args)
	case "stage":
		stageCmd(args)
	case "archive":
		archiveCmd(args)
	case "setup-ec2":
		setupEc2Cmd(args)
	}
}
