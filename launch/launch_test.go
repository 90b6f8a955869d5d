// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package launch

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/testutil"
	"github.com/grailbio/trainlaunch"
)

// echo is a training command that records its rank, world size and
// arguments in its output.
var echo = Command{Program: "sh", Args: []string{"-c", `echo "rank=$RANK world=$WORLD_SIZE $*"`, "sh"}}

func testPlan(t *testing.T, cmd Command, nodes int, logDir string) []Assignment {
	t.Helper()
	req := testRequest(nodes, 1)
	req.Job.LogDir = logDir
	plan, err := Plan(cmd, req, StaggerDelay)
	if err != nil {
		t.Fatal(err)
	}
	for i := range plan {
		plan[i].Task.Delay = 0
	}
	return plan
}

func checkLogs(t *testing.T, plan []Assignment) {
	t.Helper()
	for _, a := range plan {
		b, err := ioutil.ReadFile(a.Task.LogPath)
		if err != nil {
			t.Fatal(err)
		}
		want := "rank=" + strconv.Itoa(a.Rank) + " world=" + strconv.Itoa(len(plan)) + " "
		if got := string(b); !strings.HasPrefix(got, want) {
			t.Errorf("rank %d: got %q, want prefix %q", a.Rank, got, want)
		}
		if got := string(b); !strings.HasSuffix(strings.TrimSpace(got), "/data/imagenet") {
			t.Errorf("rank %d: dataset is not the last argument: %q", a.Rank, got)
		}
	}
}

func TestLocal(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	plan := testPlan(t, echo, 3, dir)
	if err := (Local{}).Run(context.Background(), plan); err != nil {
		t.Fatal(err)
	}
	checkLogs(t, plan)
}

func TestLocalFailure(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	fail := Command{Program: "sh", Args: []string{"-c", `[ "$RANK" = 1 ] && exit 3; exit 0`}}
	plan := testPlan(t, fail, 2, dir)
	err := (Local{}).Run(context.Background(), plan)
	if err == nil {
		t.Fatal("expected error")
	}
	if !TrainingFailed(err) {
		t.Errorf("got %v, want training failure", err)
	}
	if !strings.Contains(err.Error(), "rank 1") {
		t.Errorf("error does not name the failed rank: %v", err)
	}
}

type recordingSystem struct {
	Local
	plans [][]Assignment
}

func (s *recordingSystem) Run(ctx context.Context, plan []Assignment) error {
	s.plans = append(s.plans, plan)
	return s.Local.Run(ctx, plan)
}

func TestLauncher(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	out := filepath.Join(dir, "out")
	system := new(recordingSystem)
	l := &Launcher{
		Commands: map[trainlaunch.Phase]Command{
			trainlaunch.Pretrain: {Program: "sh", Args: []string{"-c", `echo "$*" > ` + out, "sh"}},
		},
		System: system,
	}
	if err := l.Launch(context.Background(), testRequest(1, 4)); err != nil {
		t.Fatal(err)
	}
	if got, want := len(system.plans), 0; got != want {
		t.Errorf("single-node launch dispatched to system: got %v, want %v", got, want)
	}
	b, err := ioutil.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "--batch-size 192"; !strings.Contains(got, want) {
		t.Errorf("got %q, want it to contain %q", got, want)
	}

	req := testRequest(2, 4)
	req.Job.LogDir = dir
	l.Stagger = StaggerProbe
	req.Endpoint.Host = "127.0.0.1"
	// Rank 1 probes the endpoint; nothing listens on it in this
	// test, so only check that the launch is dispatched.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Launch(ctx, req); err == nil {
		t.Error("expected error")
	}
	if got, want := len(system.plans), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(system.plans[0]), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	req.Phase = trainlaunch.Lincls
	if err := l.Launch(context.Background(), req); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestLauncherFailure(t *testing.T) {
	l := &Launcher{
		Commands: map[trainlaunch.Phase]Command{
			trainlaunch.Pretrain: {Program: "sh", Args: []string{"-c", "exit 1"}},
		},
	}
	err := l.Launch(context.Background(), testRequest(1, 1))
	if !TrainingFailed(err) {
		t.Errorf("got %v, want training failure", err)
	}
}

func TestSlurmCommand(t *testing.T) {
	plan := testPlan(t, echo, 4, "/logs")
	s := &Slurm{Worker: []string{"/bin/trainlaunch", "worker"}, Flags: []string{"--exclusive"}}
	cmd, err := s.Command(context.Background(), plan)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"srun", "--nodes=4", "--ntasks=4", "--ntasks-per-node=1", "--kill-on-bad-exit=1", "--exclusive", "/bin/trainlaunch", "worker"}
	if got := cmd.Args; strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("got %v, want %v", got, want)
	}
	var encoded string
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, EnvPlan+"=") {
			encoded = strings.TrimPrefix(kv, EnvPlan+"=")
		}
	}
	var decoded []Assignment
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		t.Fatal(err)
	}
	if got, want := len(decoded), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := decoded[3].Task.String(), plan[3].Task.String(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWorker(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	plan := testPlan(t, echo, 2, dir)
	encoded, err := json.Marshal(plan)
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]string{
		EnvPlan:                string(encoded),
		trainlaunch.EnvNodes:   "2",
		trainlaunch.EnvNodeID:  "1",
		trainlaunch.EnvJobName: "simsiam",
		trainlaunch.EnvJobID:   "1234",
	}
	if err := Worker(context.Background(), func(k string) string { return env[k] }); err != nil {
		t.Fatal(err)
	}
	b, err := ioutil.ReadFile(plan[1].Task.LogPath)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(b), "rank=1 world=2"; !strings.HasPrefix(got, want) {
		t.Errorf("got %q, want prefix %q", got, want)
	}
	if _, err := ioutil.ReadFile(plan[0].Task.LogPath); err == nil {
		t.Error("worker ran another node's assignment")
	}

	delete(env, EnvPlan)
	if err := Worker(context.Background(), func(k string) string { return env[k] }); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestAssign(t *testing.T) {
	plan := testPlan(t, echo, 2, "/logs")
	a, err := Assign(plan, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := a.Rank, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := Assign(plan, 2); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not exist", err)
	}
}

func TestBigmachine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	system := &Bigmachine{System: testsystem.New()}
	defer system.Shutdown()
	ctx := context.Background()

	master, err := system.Master(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	host, port, err := master.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if host == "" || port <= 0 {
		t.Errorf("bad master %s:%d", host, port)
	}

	plan := testPlan(t, echo, 2, dir)
	if err := system.Run(ctx, plan); err != nil {
		t.Fatal(err)
	}
	checkLogs(t, plan)

	// Machines stage the dataset before running their ranks.
	staging := testDataset(t, dir)
	plan = testPlan(t, echo, 2, dir)
	for i := range plan {
		plan[i].Staging = staging
	}
	if err := system.Run(ctx, plan); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(staging.Root, "train", "rose", "1.jpg")); err != nil {
		t.Errorf("dataset not staged on machine: %v", err)
	}

	fail := Command{Program: "sh", Args: []string{"-c", "exit 2"}}
	if err := system.Run(ctx, testPlan(t, fail, 2, dir)); !TrainingFailed(err) {
		t.Errorf("got %v, want training failure", err)
	}
	if _, err := system.Master(ctx, 3); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}
