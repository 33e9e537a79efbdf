// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package regress

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/bigcomm/daemon"
	"github.com/grailbio/bigcomm/driver"
	"github.com/grailbio/testutil"
)

const np = 4

// TestRegress builds each program under tests/ and runs it as a job of
// np processes that bootstrap through an in-process daemon. Each
// program must exit successfully on every rank.
func TestRegress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping regression tests in short mode")
	}
	tests, err := filepath.Glob("tests/*")
	if err != nil {
		t.Fatal(err)
	}
	dir, cleanup := testutil.TempDir(t, "", "regress")
	defer cleanup()
	d, err := daemon.New(daemon.Config{
		Partition:   "regress",
		Name:        "local",
		Addr:        "localhost:0",
		NoAdvertise: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Shutdown()

	for _, test := range tests {
		test := test
		t.Run(test, func(t *testing.T) {
			bin := filepath.Join(dir, filepath.Base(test))
			cmd := exec.Command("go", "build", "-o", bin, "./"+test)
			if out, err := cmd.CombinedOutput(); err != nil {
				t.Fatalf("%s\n%s", err, string(out))
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			argv := []string{
				bin,
				"-partition", "regress",
				"-daemon", "local",
				"-daemonaddr", d.Addr(),
				"-np", fmt.Sprint(np),
				"-job", filepath.Base(test),
			}
			var out bytes.Buffer
			if err := driver.LaunchLocal(ctx, np, argv, &out); err != nil {
				t.Errorf("%s\n%s", err, out.String())
			}
			for rank := 0; rank < np; rank++ {
				if want := fmt.Sprintf("[%d] ok\n", rank); !strings.Contains(out.String(), want) {
					t.Errorf("rank %d did not complete:\n%s", rank, out.String())
				}
			}
		})
	}
}
