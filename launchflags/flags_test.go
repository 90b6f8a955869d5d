// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launchflags_test

import (
	"flag"
	"testing"

	"github.com/grailbio/trainlaunch/launch"
	"github.com/grailbio/trainlaunch/launchflags"
)

func TestProvider(t *testing.T) {
	local := &launchflags.Local{}
	if got, want := local.Name(), "local"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := local.Set("a=b"); err == nil {
		t.Errorf("expected an error")
	}
	slurm := &launchflags.Slurm{}
	if err := slurm.Set("flag=--exclusive"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := slurm.Set("flag=--qos=high"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := len(slurm.Flags), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := slurm.Flags[1], "--qos=high"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := slurm.Set("nodes=3"); err == nil {
		t.Errorf("expected an error")
	}
	ec2 := &launchflags.EC2{}
	if got, want := ec2.Name(), "ec2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := ec2.Set("x=y"); err == nil {
		t.Errorf("expected an error")
	}
	if err := ec2.Set("dataspace=122"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ec2.Set("instance=p3.8xlarge"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	sys := ec2.System()
	if got, want := sys.InstanceType, "p3.8xlarge"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sys.Dataspace, uint(122); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlags(t *testing.T) {
	tf := &launchflags.Flags{}
	if err := tf.System.Set("local"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := tf.System.Set("local:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	tf = &launchflags.Flags{}
	if err := tf.System.Set("slurm:srun=/opt/slurm/bin/srun,flag=--exclusive"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "slurm:srun=/opt/slurm/bin/srun,flag=--exclusive"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tf.System.Provider.(*launchflags.Slurm).Srun, "/opt/slurm/bin/srun"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	tf = &launchflags.Flags{}
	if err := tf.System.Set("ec2:an=option"); err == nil {
		t.Errorf("expected an error")
	}
	if err := tf.System.Set("ec2:dataspace=200,rootsize=10"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got, want := tf.System.String(), "ec2:dataspace=200,rootsize=10"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := tf.System.Set("kubernetes"); err == nil {
		t.Errorf("expected an error")
	}
}

func TestProfile(t *testing.T) {
	launchflags.RegisterSystemProfile("test-cluster", "slurm:flag=--exclusive")
	var tf launchflags.Flags
	if err := tf.System.Set("test-cluster:flag=--qos=high"); err != nil {
		t.Fatal(err)
	}
	slurm := tf.System.Provider.(*launchflags.Slurm)
	if got, want := len(slurm.Flags), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, profiles := launchflags.ProvidersAndProfiles()
	if got, want := profiles["test-cluster"], "slurm:flag=--exclusive"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRegisterFlags(t *testing.T) {
	var lf launchflags.Flags
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	launchflags.RegisterFlags(fs, &lf, "")
	if got, want := lf.System.String(), "slurm"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if lf.System.Specified {
		t.Errorf("default system reported as specified")
	}
	if got, want := lf.Pretrain, "python main_simsiam.py"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	err := fs.Parse([]string{
		"-system=local",
		"-stagger=probe",
		"-pretrain=python pretrain.py --arch resnet50",
		"-remote-root=s3://datasets",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := lf.Stagger, launch.StaggerProbe; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !lf.System.Specified {
		t.Errorf("system not reported as specified")
	}
	options, err := lf.ExecOptions()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(options), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	lf.Lincls = ""
	if _, err := lf.ExecOptions(); err == nil {
		t.Errorf("expected an error")
	}
}
