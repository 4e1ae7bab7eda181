// Command agent is the composition root of the mxf ingest agent: it wires
// together the Repository, State Machine, Event Bus, Scanner, Job Queue,
// Copy Engine, Space Arbiter, Error Classifier, Storage Monitor, Mount
// Adapter, Stats Tracker, and Presentation Adapter described by spec.md, and
// runs them until SIGINT/SIGTERM.
//
// Grounded on agent/agentmain/agentmain.go's flag-driven startup (flag
// parsing, a log-dir check, glog.Flush on exit) and on the signal-channel
// idiom used in cmd/onemount/main.go for graceful shutdown, adapted here
// since this agent has a single operator-edited config file rather than a
// set of launcher-supplied flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/clock"
	"github.com/onpremsync/mxfagent/config"
	"github.com/onpremsync/mxfagent/copyengine"
	"github.com/onpremsync/mxfagent/eventbus"
	"github.com/onpremsync/mxfagent/model"
	"github.com/onpremsync/mxfagent/mount"
	"github.com/onpremsync/mxfagent/presentation"
	"github.com/onpremsync/mxfagent/queue"
	"github.com/onpremsync/mxfagent/repository"
	"github.com/onpremsync/mxfagent/scanner"
	"github.com/onpremsync/mxfagent/spacearbiter"
	"github.com/onpremsync/mxfagent/stats"
	"github.com/onpremsync/mxfagent/statemachine"
	"github.com/onpremsync/mxfagent/storagemonitor"
)

var (
	configPath         string
	maxConcurrentReads int
	bandwidthLimit     float64
	printVersion       bool

	buildVersion = "v0.0.0-development"
)

func init() {
	flag.StringVar(&configPath, "config", "/etc/mxfagent/config.yaml",
		"Path to the agent's YAML configuration file.")
	flag.IntVar(&maxConcurrentReads, "max-concurrent-reads", 4,
		"Maximum number of concurrent source reads across normal (non-growing) copies. 0 means unlimited.")
	flag.Float64Var(&bandwidthLimit, "bandwidth-limit-bytes-per-sec", 0,
		"Caps aggregate throughput of normal (non-growing) copies in bytes/sec. 0 means unlimited.")
	flag.BoolVar(&printVersion, "version", false, "Print build/version info and exit.")
	flag.Parse()
}

func main() {
	defer glog.Flush()

	if printVersion {
		fmt.Printf("mxfagent %s\n", buildVersion)
		os.Exit(0)
	}

	loader, err := config.Load(configPath)
	if err != nil {
		glog.Fatalf("loading config %s: %v", configPath, err)
	}
	cfgFn := loader.Snapshot

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandler(cancel)

	c := clock.New()
	bus := eventbus.New()
	repo := repository.New()
	sm := statemachine.New(repo, bus, c)

	st := stats.New(c, bus)
	defer st.Close()
	go st.Run(ctx)

	presenter := presentation.New(bus, c, st)
	defer presenter.Close()

	go runRetentionSweeper(ctx, repo, c, cfgFn)

	mounter := mount.NewForHost(cfgFn().EnableAutoMount, cfgFn().WindowsDriveLetter, mount.NewCommandRunner)

	// monitor and q are referenced by closures below before they are
	// assigned; every closure only runs after main has finished wiring, so
	// by the time any of them fire both are non-nil.
	var monitor *storagemonitor.Monitor
	var q *queue.Queue

	destInfoFn := func() (model.StorageInfo, bool) {
		return monitor.DestinationInfo(), true
	}
	destStatusFn := func() model.StorageStatus {
		return monitor.DestinationInfo().Status
	}

	arbiter := spacearbiter.New(sm, destInfoFn, &requeuerHandle{get: func() spacearbiter.Requeuer { return q }}, cfgFn)
	engine := copyengine.New(sm, bus, c, arbiter, cfgFn, nil, destStatusFn, &failedRecorderHandle{get: func() copyengine.FailedJobRecorder { return q }}, maxConcurrentReads, bandwidthLimit)

	q = queue.New(ctx, sm, bus, engine.Handle,
		cfgFn().MaxConcurrentCopies, cfgFn().MaxConcurrentCopies*4, cfgFn().QueueSoftCap, cfgFn().FailedJobsCapacity)
	defer q.Close()

	monitor = storagemonitor.New(bus, c, cfgFn, mounter, repo, sm, q)
	go monitor.Run(ctx)

	sc := scanner.New(repo, sm, bus, c, cfgFn)
	go sc.Run(ctx)

	glog.Infof("mxfagent started, source=%s destination=%s", cfgFn().SourceDirectory, cfgFn().DestinationDirectory)

	<-ctx.Done()
	glog.Infof("mxfagent shutting down")
}

// requeuerHandle defers resolving the Job Queue until first use, breaking
// the Space Arbiter <-> Job Queue construction cycle (spec.md §9).
type requeuerHandle struct {
	get func() spacearbiter.Requeuer
}

func (h *requeuerHandle) Requeue(fileID uuid.UUID, filePath string, fileSize int64, isGrowing bool) {
	h.get().Requeue(fileID, filePath, fileSize, isGrowing)
}

// failedRecorderHandle defers resolving the Job Queue until first use,
// breaking the Copy Engine <-> Job Queue construction cycle.
type failedRecorderHandle struct {
	get func() copyengine.FailedJobRecorder
}

func (h *failedRecorderHandle) RecordFailed(job queue.Job) {
	h.get().RecordFailed(job)
}

// retentionSweepInterval is how often runRetentionSweeper checks the
// repository against the configured retention policy. The policy's own
// units (keep_completed_files_hours) are coarse enough that this does not
// need to be configurable itself.
const retentionSweepInterval = 15 * time.Minute

// runRetentionSweeper periodically evicts terminal TrackedFile records past
// the age/count retention policy of spec.md §4.1/§6
// (keep_completed_files_hours, max_completed_files_in_memory), so the
// Repository does not grow unbounded for the agent's lifetime.
func runRetentionSweeper(ctx context.Context, repo *repository.Repository, c clock.Clock, cfgFn func() config.Config) {
	ticker := clock.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	sweep := func() {
		cfg := cfgFn()
		cutoff := c.Now().Add(-time.Duration(cfg.KeepCompletedFilesHours) * time.Hour)
		if evicted := repo.EvictOlderThan(cutoff, cfg.MaxCompletedFilesInMemory); evicted > 0 {
			glog.Infof("retention sweep: evicted %d terminal record(s)", evicted)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.GetChannel():
			sweep()
		}
	}
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		glog.Infof("received signal %s, shutting down", sig)
		cancel()
	}()
}
