// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// traceEvent is an event in the Chrome tracing format. The fields are
// mirrored exactly. For more details, see:
//	https://docs.google.com/document/d/1CvAClvFfyA5R-PhYUmn5OOQtYMH4h6I0nSsKchNAySU/preview
type traceEvent struct {
	Pid  int                    `json:"pid"`
	Tid  int                    `json:"tid"`
	Ts   int64                  `json:"ts"`
	Ph   string                 `json:"ph"`
	Dur  int64                  `json:"dur,omitempty"`
	Name string                 `json:"name"`
	Cat  string                 `json:"cat,omitempty"`
	Args map[string]interface{} `json:"args"`
}

// A tracer tracks the launch steps of a session. Trace events are
// logged in the Chrome tracing format and can be visualized using its
// built-in visualization tool (chrome://tracing). Begin and end
// events of a step are coalesced into a single "complete event" (X)
// at the time of rendering.
type tracer struct {
	mu     sync.Mutex
	events []traceEvent

	// firstEvent is used to store the time of the first observed
	// event so that the offsets in the trace are meaningful.
	firstEvent time.Time
}

func newTracer() *tracer {
	return new(tracer)
}

// Begin logs the beginning of the named step.
func (t *tracer) Begin(name string) {
	t.event(name, "B", nil)
}

// End logs the end of the named step, and its error if any.
func (t *tracer) End(name string, err error) {
	args := map[string]interface{}{"ok": err == nil}
	if err != nil {
		args["error"] = err.Error()
	}
	t.event(name, "E", args)
}

func (t *tracer) event(name, ph string, args map[string]interface{}) {
	if t == nil {
		return
	}
	if args == nil {
		args = make(map[string]interface{})
	}
	event := traceEvent{Name: name, Ph: ph, Cat: "step", Args: args}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.firstEvent.IsZero() {
		t.firstEvent = time.Now()
	} else {
		event.Ts = time.Since(t.firstEvent).Nanoseconds() / 1e3
	}
	t.events = append(t.events, event)
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := appendCoalesce(nil, t.events)
	t.mu.Unlock()
	envelope := struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}{events}
	return json.NewEncoder(w).Encode(envelope)
}

// appendCoalesce appends events to list, matching each "B" event with
// the next "E" event of the same name into a single "X" event.
// Unmatched events are dropped.
func appendCoalesce(list []traceEvent, events []traceEvent) []traceEvent {
	open := make(map[string]int)
	for _, event := range events {
		switch event.Ph {
		case "B":
			open[event.Name] = len(list)
			list = append(list, event)
		case "E":
			i, ok := open[event.Name]
			if !ok {
				break
			}
			delete(open, event.Name)
			list[i].Ph = "X"
			list[i].Dur = event.Ts - list[i].Ts
			if list[i].Dur == 0 {
				list[i].Dur = 1
			}
			for k, v := range event.Args {
				list[i].Args[k] = v
			}
		}
	}
	// Drop unmatched "B"s, which are steps still running.
	n := 0
	for _, event := range list {
		if event.Ph == "X" {
			list[n] = event
			n++
		}
	}
	return list[:n]
}
