package scheduler

import (
	"context"
	log "log/slog"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/metastore"
	"github.com/pathforge/castore/pathlock"
	"github.com/pathforge/castore/substituter"
)

// childEvent is sent to Worker.events whenever a child process this Worker
// is tracking reaches EOF on its log pipe (or otherwise finishes), which is
// the "readable file descriptor" event the original select(2) loop reacts
// to. One reader goroutine per child funnels into this single channel,
// the Go-idiomatic substitute for select/poll multiplexing.
type childEvent struct {
	goal Goal
}

// Worker owns the population of top-level Goals and drives the cooperative
// scheduling loop described for the Scheduler.
type Worker struct {
	Config   castore.Config
	Store    *metastore.MetaStore
	Lockers  pathlock.Locker
	keepGoing bool

	topGoals map[Goal]bool

	mu    sync.Mutex
	awake map[Goal]bool
	queue []Goal

	events chan childEvent

	buildSlots     *errgroup.Group
	wantingToBuild []Goal

	pendingChildren int

	derivationGoals   map[castore.StorePath]Goal
	substitutionGoals map[castore.StorePath]Goal

	// goalSubmitted wakes Serve when AddTopGoal registers work after Run
	// has drained to empty, so a long-lived coordinator notices new goals
	// instead of only ever processing the batch it started with.
	goalSubmitted chan struct{}

	s3 *s3.Client
}

// NewWorker returns a Worker ready to run(). maxBuildJobs bounds how many
// children simultaneously count as occupied build slots; build-hook
// children never count against this limit.
func NewWorker(cfg castore.Config, store *metastore.MetaStore, locker pathlock.Locker) *Worker {
	eg := &errgroup.Group{}
	if cfg.MaxBuildJobs > 0 {
		eg.SetLimit(cfg.MaxBuildJobs)
	}
	return &Worker{
		Config:            cfg,
		Store:             store,
		Lockers:           locker,
		keepGoing:         cfg.KeepGoing,
		topGoals:          make(map[Goal]bool),
		awake:             make(map[Goal]bool),
		events:            make(chan childEvent, 16),
		buildSlots:        eg,
		derivationGoals:   make(map[castore.StorePath]Goal),
		substitutionGoals: make(map[castore.StorePath]Goal),
		goalSubmitted:     make(chan struct{}, 1),
	}
}

// wakeUp marks g ready to have its Work method invoked, deduplicating
// against goals already pending.
func (w *Worker) wakeUp(g Goal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.awake[g] {
		return
	}
	w.awake[g] = true
	w.queue = append(w.queue, g)
}

// removeGoal drops a finished goal from the worker's bookkeeping.
func (w *Worker) removeGoal(g Goal) {
	w.mu.Lock()
	delete(w.topGoals, g)
	delete(w.awake, g)
	w.mu.Unlock()
}

// watchChild registers done as a child completion signal that should wake g
// when it fires; it spawns exactly one goroutine per child, per the
// log-pipe-multiplexing design.
func (w *Worker) watchChild(g Goal, done <-chan struct{}) {
	w.mu.Lock()
	w.pendingChildren++
	w.mu.Unlock()

	go func() {
		<-done
		w.mu.Lock()
		w.pendingChildren--
		w.mu.Unlock()
		w.events <- childEvent{goal: g}
		w.wakeParkedBuilders()
	}()
}

// waitForBuildSlot parks g until any child exits, matching "goals
// requesting a slot when none is free are parked in wantingToBuild; on any
// child exit, parked goals are woken."
func (w *Worker) waitForBuildSlot(g Goal) {
	w.mu.Lock()
	w.wantingToBuild = append(w.wantingToBuild, g)
	w.mu.Unlock()
}

func (w *Worker) wakeParkedBuilders() {
	w.mu.Lock()
	parked := w.wantingToBuild
	w.wantingToBuild = nil
	w.mu.Unlock()
	for _, g := range parked {
		w.wakeUp(g)
	}
}

// acquireBuildSlot schedules task to run once a build slot is free, honoring
// maxBuildJobs via the errgroup's concurrency limit; build-hook children
// never call this, matching "build-hook children do not count as build
// slots." The wait for a free slot (errgroup.Group.Go blocks once SetLimit's
// cap is reached) happens on its own goroutine, mirroring the dispatcher
// goroutine JobProcessor interposes between callers and the errgroup, so
// the caller — always the single-threaded scheduling loop — never blocks.
func (w *Worker) acquireBuildSlot(task func() error) {
	go func() {
		w.buildSlots.Go(task)
	}()
}

// makeDerivationGoal returns the existing DerivationGoal for drvPath if one
// is already registered, or constructs and registers a new one, so that no
// two Goals within this Worker ever target the same derivation.
func (w *Worker) makeDerivationGoal(drvPath castore.StorePath) Goal {
	w.mu.Lock()
	g, ok := w.derivationGoals[drvPath]
	w.mu.Unlock()
	if ok && !g.IsDone() {
		return g
	}
	g = newDerivationGoal(w, drvPath)
	w.mu.Lock()
	w.derivationGoals[drvPath] = g
	w.mu.Unlock()
	return g
}

// makeSubstitutionGoal returns the existing SubstitutionGoal for path if one
// is already registered, or constructs and registers a new one.
func (w *Worker) makeSubstitutionGoal(path castore.StorePath) Goal {
	w.mu.Lock()
	g, ok := w.substitutionGoals[path]
	w.mu.Unlock()
	if ok && !g.IsDone() {
		return g
	}
	g = newSubstitutionGoal(w, path)
	w.mu.Lock()
	w.substitutionGoals[path] = g
	w.mu.Unlock()
	return g
}

// loadDerivation reads and parses the derivation term stored at drvPath.
func (w *Worker) loadDerivation(drvPath castore.StorePath) (castore.Derivation, error) {
	raw, err := os.ReadFile(string(drvPath))
	if err != nil {
		return castore.Derivation{}, castore.SysError("scheduler: reading derivation "+string(drvPath), err)
	}
	return castore.DecodeDerivation(string(raw))
}

// storeSubstitutes returns the registered substitutes for path using a fresh
// read snapshot.
func (w *Worker) storeSubstitutes(path castore.StorePath) ([]metastore.SubstituteRecord, error) {
	txn, err := w.Store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.GetSubstitutes(path)
}

// storeReferences returns the registered outgoing references for path using
// a fresh read snapshot.
func (w *Worker) storeReferences(path castore.StorePath) ([]castore.StorePath, error) {
	txn, err := w.Store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.GetReferences(path)
}

// s3Client lazily connects the S3 client used by the s3:// substituter
// backend, sharing one client across every SubstitutionGoal.
func (w *Worker) s3Client() *s3.Client {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.s3 == nil {
		w.s3 = substituter.Connect(substituter.S3Config{
			HostEndpointURL: w.Config.S3Endpoint,
			Region:          w.Config.S3Region,
			AccessKeyID:     w.Config.S3AccessKeyID,
			SecretAccessKey: w.Config.S3SecretAccessKey,
		})
	}
	return w.s3
}

// AddTopGoal registers g as a top-level goal the Run loop waits for. Safe to
// call concurrently with a running Serve loop, e.g. from an HTTP handler.
func (w *Worker) AddTopGoal(g Goal) {
	w.mu.Lock()
	w.topGoals[g] = true
	w.mu.Unlock()
	w.wakeUp(g)

	select {
	case w.goalSubmitted <- struct{}{}:
	default:
	}
}

// Realise registers a goal for path, picking a DerivationGoal for a .drv
// path and a SubstitutionGoal otherwise, and adds it as a top goal. Callers
// (the admin API's goal-submission endpoint) use this to hand new work to a
// persistently running coordinator.
func (w *Worker) Realise(path castore.StorePath) Goal {
	var g Goal
	if strings.HasSuffix(string(path), ".drv") {
		g = w.makeDerivationGoal(path)
	} else {
		g = w.makeSubstitutionGoal(path)
	}
	w.AddTopGoal(g)
	return g
}

// GoalStatus summarizes one top-level goal for status reporting.
type GoalStatus struct {
	Name      string
	Done      bool
	Succeeded bool
}

// TopGoalStatuses reports the current state of every top-level goal.
func (w *Worker) TopGoalStatuses() []GoalStatus {
	w.mu.Lock()
	goals := make([]Goal, 0, len(w.topGoals))
	for g := range w.topGoals {
		goals = append(goals, g)
	}
	w.mu.Unlock()

	out := make([]GoalStatus, 0, len(goals))
	for _, g := range goals {
		out = append(out, GoalStatus{Name: g.Name(), Done: g.IsDone(), Succeeded: g.Succeeded()})
	}
	return out
}

// Run drains awake goals, calling each one's Work method, and blocks on
// child-completion events when nothing is immediately runnable but children
// are still outstanding. It returns when the top-level goal set is empty.
func (w *Worker) Run() error {
	for {
		for {
			g := w.popAwake()
			if g == nil {
				break
			}
			if g.IsDone() {
				continue
			}
			if err := g.Work(); err != nil {
				return err
			}
		}

		if w.noTopGoals() {
			return nil
		}

		// A goal can have been queued concurrently (e.g. AddTopGoal from
		// an HTTP handler) in the gap between the inner loop finding the
		// queue empty and this check; go drain it rather than either
		// blocking on events that may never come or misreporting a
		// deadlock.
		if w.hasQueuedWork() {
			continue
		}

		if !w.anyGoalPending() {
			log.Warn("scheduler: no awake goals and nothing pending, stopping to avoid a hang")
			return castore.SysError("scheduler: deadlock detected, no progress possible", nil)
		}

		ev := <-w.events
		w.wakeUp(ev.goal)
	}
}

func (w *Worker) hasQueuedWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue) > 0
}

// Serve runs the scheduling loop until ctx is cancelled, restarting it
// whenever it drains to an empty top-goal set so that goals submitted later
// — e.g. through the admin API's goal-submission endpoint — are picked up
// by the same long-lived coordinator instead of requiring a fresh Run call.
func (w *Worker) Serve(ctx context.Context) error {
	for {
		if err := w.Run(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.goalSubmitted:
		}
	}
}

func (w *Worker) popAwake() Goal {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	g := w.queue[0]
	w.queue = w.queue[1:]
	delete(w.awake, g)
	return g
}

func (w *Worker) noTopGoals() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.topGoals) == 0
}

// anyGoalPending reports whether there is still a reason to keep waiting on
// events: either a build slot is occupied or a goal is parked wanting one.
func (w *Worker) anyGoalPending() bool {
	w.mu.Lock()
	parked := len(w.wantingToBuild) > 0
	pending := w.pendingChildren > 0
	w.mu.Unlock()
	return parked || pending
}
