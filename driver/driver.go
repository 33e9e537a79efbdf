// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package driver provides a convenient API for bigcomm job binaries.
// It should be preferred over calling bigcomm.Init directly. Programs
// using the driver package should have the following form:
//
//	func main() {
//		flag.Parse()
//		// Other initialization
//		comm, shutdown := driver.Start()
//		defer shutdown()
//		// Job code
//	}
//
// The job is configured by the flags registered by this package; see
// Flags. Multiple ranks of a job may be started on the local machine
// with LaunchLocal, or with the bigcommrun command.
package driver

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/bigioutil"
	"golang.org/x/sync/errgroup"
)

// RankEnv is the environment variable that supplies the default rank
// of a process.
const RankEnv = "BIGCOMM_RANK"

// Flags holds the configuration of a job process.
type Flags struct {
	Partition        string
	Daemon           string
	WorldSize        int
	Rank             int
	Job              string
	DaemonAddr       string
	Interface        string
	BootstrapTimeout time.Duration
}

// DefaultFlags is the configuration registered with the default
// command line flag set.
var DefaultFlags Flags

func init() {
	DefaultFlags.Register(flag.CommandLine)
}

// Register registers the job flags in the provided flag set. The
// default rank is taken from $BIGCOMM_RANK when it is set; otherwise
// the daemon assigns one.
func (f *Flags) Register(fs *flag.FlagSet) {
	hostname, _ := os.Hostname()
	fs.StringVar(&f.Partition, "partition", "default", "partition of the bootstrap daemon")
	fs.StringVar(&f.Daemon, "daemon", hostname, "name of the bootstrap daemon")
	fs.IntVar(&f.WorldSize, "np", 1, "number of ranks in the job")
	fs.IntVar(&f.Rank, "rank", defaultRank(), "rank of this process; -1 lets the daemon assign one")
	fs.StringVar(&f.Job, "job", filepath.Base(os.Args[0]), "name of the job")
	fs.StringVar(&f.DaemonAddr, "daemonaddr", "", "address of the bootstrap daemon; looked up from its advertisement if empty")
	fs.StringVar(&f.Interface, "interface", "", "network interface on which to listen for peers")
	fs.DurationVar(&f.BootstrapTimeout, "bootstrap-timeout", 30*time.Second, "time to wait for the job to bootstrap")
}

func defaultRank() int {
	v := os.Getenv(RankEnv)
	if v == "" {
		return bigcomm.AnyRank
	}
	rank, err := strconv.Atoi(v)
	if err != nil {
		log.Error.Printf("ignoring invalid $%s %q", RankEnv, v)
		return bigcomm.AnyRank
	}
	return rank
}

// Spec returns the job spec described by the flags, with the provided
// rank-local arguments.
func (f *Flags) Spec(args []string) bigcomm.JobSpec {
	return bigcomm.JobSpec{
		Partition:  f.Partition,
		Daemon:     f.Daemon,
		WorldSize:  f.WorldSize,
		Rank:       f.Rank,
		Job:        f.Job,
		DaemonAddr: f.DaemonAddr,
		Interface:  f.Interface,
		Args:       args,
	}
}

// Init bootstraps the job described by the flags.
func (f *Flags) Init(ctx context.Context, args []string, opts ...bigcomm.Option) (*bigcomm.Comm, error) {
	opts = append([]bigcomm.Option{bigcomm.WithRegisterTimeout(f.BootstrapTimeout)}, opts...)
	return bigcomm.Init(ctx, f.Spec(args), opts...)
}

// Start bootstraps the job as configured by the command line flags
// registered by this package, and returns the process's communicator.
// Start exits the process if the job cannot be bootstrapped. The
// returned shutdown function finalizes the communicator and should be
// called when the process exits.
func Start(opts ...bigcomm.Option) (comm *bigcomm.Comm, shutdown func()) {
	comm, err := DefaultFlags.Init(context.Background(), flag.Args(), opts...)
	if err != nil {
		log.Fatalf("bootstrap %s: %v", DefaultFlags.Job, err)
	}
	return comm, func() {
		if err := comm.Finalize(context.Background()); err != nil {
			log.Error.Printf("%s: finalize: %v", comm, err)
		}
	}
}

// LaunchLocal runs n copies of the command argv on the local machine,
// each with $BIGCOMM_RANK set to its rank. The output of each process
// is copied to stdout, with each line prefixed by the process's rank.
// LaunchLocal returns when all processes have exited, or kills them
// when the context is done. It returns the first failure.
func LaunchLocal(ctx context.Context, n int, argv []string, stdout io.Writer) error {
	if len(argv) == 0 {
		return errors.E(errors.Invalid, "no command to launch")
	}
	if n < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid number of ranks %d", n))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	out := bigioutil.SyncWriter(stdout)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Env = os.Environ()
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", RankEnv, i))
		w := bigioutil.PrefixWriter(out, fmt.Sprintf("[%d] ", i))
		cmd.Stdout = w
		cmd.Stderr = w
		if err := cmd.Start(); err != nil {
			cancel()
			g.Wait()
			return errors.E(fmt.Sprintf("start rank %d", i), err)
		}
		rank := i
		g.Go(func() error {
			err := cmd.Wait()
			w.Close()
			if err != nil {
				log.Printf("rank %d (pid %d) terminated with error: %v", rank, cmd.Process.Pid, err)
				return errors.E(fmt.Sprintf("rank %d", rank), err)
			}
			log.Debug.Printf("rank %d (pid %d) terminated", rank, cmd.Process.Pid)
			return nil
		})
	}
	return g.Wait()
}
