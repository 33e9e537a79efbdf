// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"encoding/json"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/internal/stats"
)

// Daemonstats holds the statistics of every daemon in the process,
// keyed by partition and name.
var daemonstats = stats.Publish("bigcommd")

type sessionVar struct {
	Job        string
	State      string
	WorldSize  int
	Registered int
	Missing    []int `json:",omitempty"`
	Age        string
}

type sessionVars struct{ *Registry }

// String returns a JSON-formatted string describing the registry's live
// sessions, keyed by job id.
func (v sessionVars) String() string {
	vars := make(map[string]sessionVar)
	for _, sess := range v.Registry.Sessions() {
		vars[sess.ID] = sessionVar{
			Job:        sess.Job,
			State:      sess.State().String(),
			WorldSize:  sess.WorldSize,
			Registered: sess.Registered(),
			Missing:    sess.Missing(),
			Age:        time.Since(sess.Created).Round(time.Millisecond).String(),
		}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		log.Error.Printf("sessionVars marshal: %v", err)
		return `"error"`
	}
	return string(b)
}
