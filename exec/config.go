// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/trainlaunch"
	"github.com/grailbio/trainlaunch/launch"
	"github.com/grailbio/trainlaunch/stage"
)

func init() {
	config.Register("trainlaunch", func(inst *config.Constructor) {
		var (
			system                   bigmachine.System
			pretrain, lincls         string
			remoteRoot, relabelURL   string
			stagger, srun, tracePath string
		)
		inst.InstanceVar(&system, "system", "", "the bigmachine system on which ranks run; slurm if empty")
		inst.StringVar(&srun, "srun", "srun", "the srun binary, when ranks run on slurm")
		inst.StringVar(&pretrain, "pretrain", "python main_simsiam.py", "command line of the pre-training program")
		inst.StringVar(&lincls, "lincls", "python main_lincls.py", "command line of the linear-classification program")
		inst.StringVar(&remoteRoot, "remote-root", "", "directory or URL from which named datasets are staged")
		inst.StringVar(&relabelURL, "relabel-url", stage.DefaultRelabelURL, "location of the imagenet validation relabeling script")
		inst.StringVar(&stagger, "stagger", "delay", "startup policy of multi-node launches: delay or probe")
		inst.StringVar(&tracePath, "trace", "", "path to which a trace of the launch steps is written")
		inst.Doc = "trainlaunch configures a training job launch from the scheduler's environment"
		inst.New = func() (interface{}, error) {
			job, err := trainlaunch.FromEnv(os.Getenv)
			if err != nil {
				return nil, err
			}
			pretrainCmd, err := launch.ParseCommand(pretrain)
			if err != nil {
				return nil, err
			}
			linclsCmd, err := launch.ParseCommand(lincls)
			if err != nil {
				return nil, err
			}
			var s launch.Stagger
			if err := s.Set(stagger); err != nil {
				return nil, err
			}
			options := []Option{
				Commands(pretrainCmd, linclsCmd),
				Stagger(s),
				RemoteRoot(remoteRoot),
				RelabelURL(relabelURL),
				TracePath(tracePath),
				Status(new(status.Status)),
			}
			if system != nil {
				options = append(options, Bigmachine(system))
			} else {
				options = append(options, SlurmSystem(&launch.Slurm{Srun: srun}))
			}
			return Start(job, options...), nil
		}
	})
}
