// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package daemon

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"text/tabwriter"
	"text/template"
	"time"

	"github.com/grailbio/base/data"
	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
	"golang.org/x/sync/errgroup"
)

// StatusPath is the path on which HandleDebug serves the daemon's
// status.
const StatusPath = "/debug/bigcommd/status"

var statusTemplate = template.Must(template.New("status").
	Funcs(template.FuncMap{
		"human": func(v interface{}) string {
			switch v := v.(type) {
			case int:
				return data.Size(v).String()
			case int64:
				return data.Size(v).String()
			case uint64:
				return data.Size(v).String()
			default:
				return fmt.Sprintf("(!%T)%v", v, v)
			}
		},
		"ints": func(v []int) string {
			s := make([]string, len(v))
			for i, n := range v {
				s[i] = fmt.Sprint(n)
			}
			return strings.Join(s, ",")
		},
	}).
	Parse(`{{.id}} {{.addr}}
	uptime:	{{.uptime}}
	memory:
		total:	{{human .mem.Total}}
		used:	{{human .mem.Used}}
		(percent):	{{printf "%.1f%%" .mem.UsedPercent}}
		available:	{{human .mem.Available}}
		runtime:	{{human .runtime.Sys}}
	load: {{printf "%.1f %.1f %.1f" .load.Load1 .load.Load5 .load.Load15}}
	sessions:	{{len .sessions}}
{{range .sessions}}	{{.ID}}	{{printf "%q" .Job}}	{{.State}}	{{.Registered}}/{{.WorldSize}}	{{.Age}}	{{with .Missing}}missing {{ints .}}{{end}}
{{end}}`))

type sessionStatus struct {
	ID, Job    string
	State      State
	Registered int
	WorldSize  int
	Missing    []int
	Age        time.Duration
}

// HandleDebug registers the daemon's status handler on the provided
// mux. Expvar statistics are published under "bigcommd".
func (d *Daemon) HandleDebug(mux *http.ServeMux) {
	mux.Handle(StatusPath, &statusHandler{d})
}

// StatusHandler implements an HTTP handler that displays the daemon's
// sessions together with the node's memory and load.
type statusHandler struct{ *Daemon }

func (s *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	var (
		vmem *mem.VirtualMemoryStat
		avg  *load.AvgStat
		rt   runtime.MemStats
	)
	var g errgroup.Group
	g.Go(func() (err error) {
		vmem, err = mem.VirtualMemory()
		return
	})
	g.Go(func() (err error) {
		avg, err = load.Avg()
		return
	})
	runtime.ReadMemStats(&rt)
	if err := g.Wait(); err != nil {
		http.Error(w, fmt.Sprint(err), 500)
		return
	}
	var sessions []sessionStatus
	for _, sess := range s.Registry().Sessions() {
		sessions = append(sessions, sessionStatus{
			ID:         sess.ID,
			Job:        sess.Job,
			State:      sess.State(),
			Registered: sess.Registered(),
			WorldSize:  sess.WorldSize,
			Missing:    sess.Missing(),
			Age:        time.Since(sess.Created).Round(time.Millisecond),
		})
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var tw tabwriter.Writer
	tw.Init(w, 4, 4, 1, ' ', 0)
	defer tw.Flush()
	err := statusTemplate.Execute(&tw, map[string]interface{}{
		"id":       s.Identity(),
		"addr":     s.Addr(),
		"uptime":   time.Since(started).Round(time.Second),
		"mem":      vmem,
		"runtime":  rt,
		"load":     avg,
		"sessions": sessions,
	})
	if err != nil {
		panic(err)
	}
}
