// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package launchcmd provides utilities for implementing trainlaunch
// command line tools. Init derives the job from the scheduler's
// environment and configures a session according to a common set of
// flags:
//
//	var fl launchflags.Flags
//	launchflags.RegisterFlags(flag.CommandLine, &fl, "")
//	flag.Parse()
//	sess, err := launchcmd.Init(fl)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sess.Shutdown()
//
// Init starts a diagnostic web server (default address :3333), using
// http.DefaultServeMux, which includes pprof handlers.
package launchcmd

import (
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is included to be exposed on the local diagnostic web server.
	"os"
	"sort"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/exec"
	"github.com/grailbio/trainlaunch/launchflags"
)

// Init initializes a session according to the supplied flags and
// the scheduler's environment.
func Init(lf launchflags.Flags) (*exec.Session, error) {
	if lf.SystemHelp {
		PrintSystemHelp(lf)
		os.Exit(0)
	}
	job, err := trainlaunch.FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	options, err := lf.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(job, options...)
	DisplayStatus(lf, sess)
	return sess, nil
}

// PrintSystemHelp prints the available launch systems and profiles.
func PrintSystemHelp(lf launchflags.Flags) {
	providers, profiles := launchflags.ProvidersAndProfiles()
	sort.Strings(providers)
	wr := lf.Output()
	str := []string{}
	fmt.Fprintf(wr, "%s\n\n", launchflags.SystemHelpLong)
	fmt.Fprintf(wr, "The available providers are: %v\n",
		strings.Join(providers, ", "))
	for k, v := range profiles {
		str = append(str, fmt.Sprintf("%v is shorthand for: %v\n", k, v))
	}
	sort.Strings(str)
	for _, s := range str {
		wr.Write([]byte(s))
	}
}

// DisplayStatus arranges for the launch status to be displayed on the
// console and/or a web page depending on the flags specified on the
// command line. The web page is hosted at /debug/status on
// http.DefaultServeMux.
func DisplayStatus(lf launchflags.Flags, sess *exec.Session) {
	if sess.Status() == nil {
		return
	}
	if lf.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(lf.HTTPAddress.Address) > 0 {
		sess.HandleDebug(http.DefaultServeMux)
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP Status at: %v\n", lf.HTTPAddress)
			err := http.ListenAndServe(lf.HTTPAddress.Address, nil)
			if err != nil {
				log.Error.Printf("Failed to start HTTP at: %v: %v\n", lf.HTTPAddress, err)
			}
		}()
	}
}
