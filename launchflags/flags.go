// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package launchflags provides flag support for use by trainlaunch
// command line applications.
package launchflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/trainlaunch/exec"
	"github.com/grailbio/trainlaunch/launch"
	"github.com/grailbio/trainlaunch/stage"
)

var (
	mu        sync.Mutex
	providers = map[string]func() Provider{} // protected by mu
	profiles  = map[string]string{}          // protected by mu
)

// Provider represents a launch system that can be configured by
// setting some set of options via Set.
type Provider interface {
	// Name returns the name of a provider instance.
	Name() string
	// Set sets one or more options for the system to be provided. The
	// options may be specified as key=val.
	Set(string) error
	// ExecOption returns the appropriate exec.Option to request a
	// system as configured by the currently set options.
	ExecOption() exec.Option
}

// RegisterSystemProvider registers a 'system' provider: any service
// that can run the ranks of a multi-node job. Each use of the system
// flag configures a fresh provider returned by newProvider.
func RegisterSystemProvider(name string, newProvider func() Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = newProvider
}

// RegisterSystemProfile registers a system 'profile' which is a named
// shorthand for a system and any associated options. For example an
// application that registers a profile of:
//   launchflags.RegisterSystemProfile("gpu-cluster", "slurm:flag=--exclusive")
// can accept
//   --system=gpu-cluster
// as a synonym for
//   --system=slurm:flag=--exclusive
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, present := providers[name]; present {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, present := profiles[name]; present {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// ProvidersAndProfiles returns the supported providers and profiles.
func ProvidersAndProfiles() ([]string, map[string]string) {
	mu.Lock()
	defer mu.Unlock()
	prv := make([]string, 0, len(providers))
	for k := range providers {
		prv = append(prv, k)
	}
	prf := make(map[string]string, len(profiles))
	for k, v := range profiles {
		prf[k] = v
	}
	return prv, prf
}

// Local runs the ranks of a job as processes on the local host.
type Local struct{}

// Name implements Provider.Name.
func (*Local) Name() string {
	return "local"
}

// Set implements Provider.Set.
func (*Local) Set(_ string) error {
	return fmt.Errorf("the local system provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Local) ExecOption() exec.Option {
	return exec.Local
}

// Slurm runs the ranks of a job with srun, one per allocated node.
type Slurm struct {
	Srun  string
	Flags []string
}

// Name implements Provider.Name.
func (*Slurm) Name() string {
	return "slurm"
}

// Set implements Provider.Set.
func (s *Slurm) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "srun":
		s.Srun = val
	case "flag":
		s.Flags = append(s.Flags, val)
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// ExecOption implements Provider.ExecOption.
func (s *Slurm) ExecOption() exec.Option {
	return exec.SlurmSystem(&launch.Slurm{Srun: s.Srun, Flags: s.Flags})
}

// Bigmachine runs each rank of a job on a bigmachine machine in a
// separate process on the local host.
type Bigmachine struct{}

// Name implements Provider.Name.
func (*Bigmachine) Name() string {
	return "bigmachine"
}

// Set implements Provider.Set.
func (*Bigmachine) Set(_ string) error {
	return fmt.Errorf("the bigmachine system provider does not support any configuration")
}

// ExecOption implements Provider.ExecOption.
func (*Bigmachine) ExecOption() exec.Option {
	return exec.Bigmachine(bigmachine.Local)
}

// EC2 runs each rank of a job on an AWS EC2 bigmachine instance.
type EC2 struct {
	Options map[string]interface{}
}

// Name implements Provider.Name.
func (*EC2) Name() string {
	return "ec2"
}

// Set implements Provider.Set.
func (ec2 *EC2) Set(v string) error {
	if ec2.Options == nil {
		ec2.Options = make(map[string]interface{}, 5)
	}
	parts := strings.Split(v, "=")
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "dataspace", "rootsize":
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("not an int: %v", val)
		}
		ec2.Options[key] = uint(i)
	case "instance", "profile":
		ec2.Options[key] = val
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("not a bool: %v", val)
		}
		ec2.Options[key] = b
	default:
		return fmt.Errorf("unsupported option: %v", key)
	}
	return nil
}

// System returns the EC2 system configured by the provider's options.
func (ec2 *EC2) System() *ec2system.System {
	instance := &ec2system.System{
		Username: "unknown",
	}
	u, err := user.Current()
	if err == nil {
		instance.Username = u.Username
	} else {
		log.Printf("newec2: get current user: %v", err)
	}
	for key, val := range ec2.Options {
		switch key {
		case "instance":
			instance.InstanceType = val.(string)
		case "dataspace":
			instance.Dataspace = val.(uint)
		case "rootsize":
			instance.Diskspace = val.(uint)
		case "profile":
			instance.InstanceProfile = val.(string)
		case "ondemand":
			instance.OnDemand = val.(bool)
		}
	}
	return instance
}

// ExecOption implements Provider.ExecOption.
func (ec2 *EC2) ExecOption() exec.Option {
	return exec.Bigmachine(ec2.System())
}

func init() {
	RegisterSystemProvider("local", func() Provider { return new(Local) })
	RegisterSystemProvider("slurm", func() Provider { return new(Slurm) })
	RegisterSystemProvider("bigmachine", func() Provider { return new(Bigmachine) })
	RegisterSystemProvider("ec2", func() Provider { return new(EC2) })
}

// SystemHelpShort is a short explanation of the allowed SystemFlag values.
func SystemHelpShort(prefix string) string {
	const format = `a launch system is specified as follows: {local,slurm:[key=val,],bigmachine,ec2:[key=val,],name}, use -%s for more information.`
	return fmt.Sprintf(format, prefix+"system-help")
}

// SystemHelpLong is a complete explanation of the allowed SystemFlag values.
const SystemHelpLong = `A launch system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The system runs the ranks of multi-node jobs; single-node jobs always
run in the launching process. The currently supported systems and their
options are as follows:

local: every rank is a process on this host.
slurm: one srun task per allocated node, the default. The supported options are:
	srun=<path> - the srun binary
	flag=<flag> - an additional srun flag; may be repeated
bigmachine: every rank runs on a bigmachine machine on this host.
ec2: every rank runs on an AWS EC2 bigmachine instance. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. p3.8xlarge
	dataspace=<number> - size of the data volume in GiB, typically /mnt/data.
	rootsize=<number> - size of the root volume in GiB.
	ondemand - true to use on-demand rather than spot instances
	profile - the aws instance profile to use instead of a default

In addition, an application may register 'profiles' that are shorthand
for the above, eg. "gpu-cluster" can be configured as a synonym for
slurm:flag=--exclusive.
`

// SystemFlag represents a flag that can be used to specify a launch
// system.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.String
func (sys *SystemFlag) String() string {
	if sys.Provider == nil {
		return ""
	}
	if len(sys.Options) == 0 {
		return sys.Provider.Name()
	}
	return fmt.Sprintf("%v:%v", sys.Provider.Name(), strings.Join(sys.Options, ","))
}

// Set implements flag.Value.Set
func (sys *SystemFlag) Set(v string) error {
	parse := func(s string) (name string, options []string) {
		parts := strings.SplitN(s, ":", 2)
		name = parts[0]
		if len(parts) > 1 {
			options = strings.Split(parts[1], ",")
		}
		return
	}

	name, options := parse(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parse(profile)
		options = append(profileOptions, options...)
	}
	newProvider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile type: %v", name)
	}
	provider := newProvider()
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	sys.Options = options
	sys.Provider = provider
	sys.Specified = true
	return nil
}

// Get implements flag.Getter.Get
func (sys *SystemFlag) Get() interface{} {
	return sys.String()
}

// Flags represents all of the flags that can be used to configure
// a trainlaunch command.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Stagger       launch.Stagger
	Pretrain      string
	Lincls        string
	RemoteRoot    string
	RelabelURL    string
	TracePath     string
	fs            *flag.FlagSet
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.Flagset.
func (lf *Flags) Output() io.Writer {
	if lf.fs == nil {
		return os.Stderr
	}
	if wr := lf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Stagger       string
	Pretrain      string
	Lincls        string
	RemoteRoot    string
	RelabelURL    string
}

// DefaultDefaults are the defaults used by RegisterFlags.
var DefaultDefaults = Defaults{
	System:      "slurm",
	HTTPAddress: ":3333",
	Stagger:     "delay",
	Pretrain:    "python main_simsiam.py",
	Lincls:      "python main_lincls.py",
	RelabelURL:  stage.DefaultRelabelURL,
}

// RegisterFlags registers the trainlaunch command line flags with the
// supplied flag set. The flag names will be prefixed with the
// supplied prefix.
func RegisterFlags(fs *flag.FlagSet, lf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, lf, prefix, DefaultDefaults)
}

// RegisterFlagsWithDefaults registers the trainlaunch command line
// flags with the supplied flag set and defaults. The flag names will
// be prefixed with the supplied prefix.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, lf *Flags, prefix string, defaults Defaults) {
	fs.Var(&lf.System, prefix+"system", SystemHelpShort(prefix))
	if err := lf.System.Set(defaults.System); err != nil {
		log.Panicf("launchflags: default system %q: %v", defaults.System, err)
	}
	lf.System.Specified = false
	fs.Var(&lf.HTTPAddress, prefix+"http", "address of http status server")
	lf.HTTPAddress.Set(defaults.HTTPAddress)
	lf.HTTPAddress.Specified = false
	fs.BoolVar(&lf.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.Var(&lf.Stagger, prefix+"stagger", "startup policy of multi-node launches: delay (rank×5s) or probe (wait for the master's port)")
	if err := lf.Stagger.Set(defaults.Stagger); err != nil {
		log.Panicf("launchflags: default stagger %q: %v", defaults.Stagger, err)
	}
	fs.StringVar(&lf.Pretrain, prefix+"pretrain", defaults.Pretrain, "command line of the pre-training program")
	fs.StringVar(&lf.Lincls, prefix+"lincls", defaults.Lincls, "command line of the linear-classification program")
	fs.StringVar(&lf.RemoteRoot, prefix+"remote-root", defaults.RemoteRoot, "directory or URL from which named datasets are staged")
	fs.StringVar(&lf.RelabelURL, prefix+"relabel-url", defaults.RelabelURL, "location of the imagenet validation relabeling script")
	fs.StringVar(&lf.TracePath, prefix+"trace", "", "path to which a trace of the launch steps is written")
	fs.BoolVar(&lf.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	lf.fs = fs
}

// ExecOptions parses the flag values and returns a slice of
// exec.Options that represent the actions specified by those flags.
func (lf *Flags) ExecOptions() ([]exec.Option, error) {
	pretrain, err := launch.ParseCommand(lf.Pretrain)
	if err != nil {
		return nil, err
	}
	lincls, err := launch.ParseCommand(lf.Lincls)
	if err != nil {
		return nil, err
	}
	var launchStatus status.Status
	// Ensure the session's group is displayed first.
	_ = launchStatus.Group("session")
	_ = launchStatus.Groups()

	options := []exec.Option{
		exec.Status(&launchStatus),
		lf.System.Provider.ExecOption(),
		exec.Stagger(lf.Stagger),
		exec.Commands(pretrain, lincls),
		exec.RelabelURL(lf.RelabelURL),
	}
	if lf.RemoteRoot != "" {
		options = append(options, exec.RemoteRoot(lf.RemoteRoot))
	}
	if lf.TracePath != "" {
		options = append(options, exec.TracePath(lf.TracePath))
	}
	return options, nil
}
