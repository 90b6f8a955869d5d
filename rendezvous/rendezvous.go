// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rendezvous selects the endpoint at which the ranks of a
// distributed training job find their coordinating (rank 0) process.
// An endpoint is established exactly once per job, before any rank is
// launched, and is handed unchanged to every rank.
package rendezvous

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/phayes/freeport"
)

// Backend is the collective-communication backend used by the
// training program. The endpoint only supplies its address.
const Backend = "nccl"

// Loopback is the master address of single-node jobs.
const Loopback = "127.0.0.1"

// Endpoint is the address of a job's rendezvous.
type Endpoint struct {
	Host    string
	Port    int
	Backend string
}

// IsZero tells whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" || e.Port == 0
}

// Addr returns the endpoint's host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the endpoint as a tcp:// URL, as accepted by the
// training program's distributed initialization.
func (e Endpoint) URL() string {
	return "tcp://" + e.Addr()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", e.URL(), e.Backend)
}

// A Master resolves the host of a multi-node job's master node, the
// node on which rank 0 runs, and a free port on that node.
type Master interface {
	Resolve(ctx context.Context) (host string, port int, err error)
}

// LocalMaster is a Master that runs on the master node itself: the
// scheduler runs the batch step of a job on its first node, which
// therefore also hosts rank 0.
type LocalMaster struct{}

// Resolve implements Master.
func (LocalMaster) Resolve(ctx context.Context) (string, int, error) {
	host, err := ShortHostname()
	if err != nil {
		return "", 0, err
	}
	port, err := FreePort()
	return host, port, err
}

// ShortHostname returns the host's name up to its first dot.
func ShortHostname() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		return "", errors.E(errors.Unavailable, "rendezvous: hostname", err)
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host, nil
}

// FreePort returns a free ephemeral TCP port on this host. The port
// is free when FreePort returns; nothing reserves it afterwards.
func FreePort() (int, error) {
	port, err := freeport.GetFreePort()
	if err != nil {
		return 0, errors.E(errors.Unavailable, "rendezvous: no free port", err)
	}
	return port, nil
}

// Establish selects the endpoint for a job of worldSize nodes. A
// single-node job rendezvouses on the loopback interface; a multi-node
// job on a free port of the master node, as resolved by master. If no
// endpoint can be established, Establish returns an errors.Unavailable
// error, which is fatal to the job.
func Establish(ctx context.Context, worldSize int, master Master) (Endpoint, error) {
	if worldSize < 1 {
		return Endpoint{}, errors.E(errors.Invalid, fmt.Sprintf("rendezvous: world size %d", worldSize))
	}
	var (
		ep  = Endpoint{Backend: Backend}
		err error
	)
	if worldSize == 1 {
		ep.Host = Loopback
		ep.Port, err = FreePort()
	} else {
		if master == nil {
			master = LocalMaster{}
		}
		ep.Host, ep.Port, err = master.Resolve(ctx)
	}
	if err != nil {
		return Endpoint{}, errors.E(errors.Unavailable, "rendezvous unavailable", err)
	}
	if ep.IsZero() {
		return Endpoint{}, errors.E(errors.Unavailable, fmt.Sprintf("rendezvous unavailable: incomplete endpoint %s:%d", ep.Host, ep.Port))
	}
	log.Printf("rendezvous: %d node(s) at %s", worldSize, ep)
	return ep, nil
}

// ProbePolicy is the default retry policy used by WaitReady.
var ProbePolicy = retry.MaxTries(retry.Backoff(500*time.Millisecond, 10*time.Second, 1.5), 40)

// WaitReady blocks until the endpoint accepts TCP connections, which
// signals that the master rank is listening. It retries according to
// policy (ProbePolicy if nil) and returns an errors.Unavailable error
// if the master never becomes ready.
func WaitReady(ctx context.Context, ep Endpoint, policy retry.Policy) error {
	if policy == nil {
		policy = ProbePolicy
	}
	var dialer net.Dialer
	for retries := 0; ; retries++ {
		conn, err := dialer.DialContext(ctx, "tcp", ep.Addr())
		if err == nil {
			return conn.Close()
		}
		log.Debug.Printf("rendezvous: %s not ready (attempt %d): %v", ep.Addr(), retries+1, err)
		if werr := retry.Wait(ctx, policy, retries); werr != nil {
			return errors.E(errors.Unavailable, fmt.Sprintf("rendezvous: master %s never became ready", ep.Addr()), err)
		}
	}
}
