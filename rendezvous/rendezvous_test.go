// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rendezvous

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	grailerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

type fixedMaster struct {
	host string
	port int
	err  error
}

func (m fixedMaster) Resolve(context.Context) (string, int, error) {
	return m.host, m.port, m.err
}

func TestEstablishSingleNode(t *testing.T) {
	ep, err := Establish(context.Background(), 1, fixedMaster{err: errors.New("unused")})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ep.Host, Loopback; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		t.Errorf("bad port %d", ep.Port)
	}
	if got, want := ep.Backend, "nccl"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.HasPrefix(ep.URL(), "tcp://127.0.0.1:") {
		t.Errorf("bad url %s", ep.URL())
	}
}

func TestEstablishMultiNode(t *testing.T) {
	ep, err := Establish(context.Background(), 2, fixedMaster{host: "node001", port: 29500})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ep, (Endpoint{"node001", 29500, Backend}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := ep.URL(), "tcp://node001:29500"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestEstablishLocalMaster(t *testing.T) {
	ep, err := Establish(context.Background(), 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	host, err := ShortHostname()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ep.Host, host; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if strings.Contains(ep.Host, ".") {
		t.Errorf("host %s is not short", ep.Host)
	}
}

func TestEstablishUnavailable(t *testing.T) {
	for _, m := range []Master{
		fixedMaster{err: errors.New("no ports left")},
		fixedMaster{host: "node001"},
	} {
		_, err := Establish(context.Background(), 2, m)
		if !grailerrors.Is(grailerrors.Unavailable, err) {
			t.Errorf("got %v, want unavailable", err)
		}
	}
	if _, err := Establish(context.Background(), 0, nil); !grailerrors.Is(grailerrors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestWaitReady(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	ep := Endpoint{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port, Backend: Backend}
	if err := WaitReady(context.Background(), ep, nil); err != nil {
		t.Fatal(err)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	port, err := FreePort()
	if err != nil {
		t.Fatal(err)
	}
	ep := Endpoint{Host: "127.0.0.1", Port: port, Backend: Backend}
	policy := retry.MaxTries(retry.Backoff(time.Millisecond, 5*time.Millisecond, 2), 3)
	if err := WaitReady(context.Background(), ep, policy); !grailerrors.Is(grailerrors.Unavailable, err) {
		t.Errorf("got %v, want unavailable", err)
	}
}
