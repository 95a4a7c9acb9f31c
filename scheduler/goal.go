// Package scheduler implements the single-threaded cooperative Goal loop:
// DerivationGoal and SubstitutionGoal state machines driven by a Worker that
// multiplexes child process output and rations build slots.
package scheduler

// Goal is a unit of work the Worker drives to completion. Concrete goals
// embed goalBase for the waitee/waiter bookkeeping and implement Work to
// advance their own state machine when woken.
type Goal interface {
	Name() string
	Work() error
	IsDone() bool
	Succeeded() bool
	Err() error

	registerWaiter(w Goal)
	removeWaiter(w Goal)
	waiteeDone(waitee Goal, success bool)
}

// goalBase implements the waitee/waiter/done bookkeeping shared by every
// Goal, mirroring the original's addWaitee/waiteeDone/amDone trio. self must
// be set by the concrete goal's constructor immediately after allocation
// (the same "upgrade a back-reference to yourself" trick the original
// expresses via enable_shared_from_this).
type goalBase struct {
	worker *Worker
	self   Goal
	name   string

	waitees  map[Goal]bool
	waiters  []Goal
	nrFailed int

	done    bool
	success bool
	err     error
}

func newGoalBase(w *Worker, name string) *goalBase {
	return &goalBase{
		worker:  w,
		name:    name,
		waitees: make(map[Goal]bool),
	}
}

func (g *goalBase) Name() string     { return g.name }
func (g *goalBase) IsDone() bool     { return g.done }
func (g *goalBase) Succeeded() bool  { return g.success }
func (g *goalBase) Err() error       { return g.err }

// addWaitee registers waitee as something self must wait for before resuming.
func (g *goalBase) addWaitee(waitee Goal) {
	g.waitees[waitee] = true
	waitee.registerWaiter(g.self)
}

func (g *goalBase) registerWaiter(w Goal) {
	g.waiters = append(g.waiters, w)
}

func (g *goalBase) removeWaiter(w Goal) {
	out := g.waiters[:0]
	for _, x := range g.waiters {
		if x != w {
			out = append(out, x)
		}
	}
	g.waiters = out
}

// waiteeDone is called on self when one of its waitees finishes. If that was
// the last outstanding waitee, or a failure arrived while keepGoing is off,
// self is woken; in the latter case self also detaches from any remaining
// waitees so it won't be notified again after giving up on them.
func (g *goalBase) waiteeDone(waitee Goal, success bool) {
	delete(g.waitees, waitee)
	if !success {
		g.nrFailed++
	}

	if len(g.waitees) == 0 || (!success && !g.worker.keepGoing) {
		if !success && !g.worker.keepGoing {
			for w := range g.waitees {
				w.removeWaiter(g.self)
			}
			g.waitees = make(map[Goal]bool)
		}
		g.worker.wakeUp(g.self)
	}
}

// amDone marks self finished, notifies every waiter, and tells the worker to
// drop it from its bookkeeping.
func (g *goalBase) amDone(success bool, err error) {
	g.done = true
	g.success = success
	g.err = err
	waiters := g.waiters
	g.waiters = nil
	for _, w := range waiters {
		w.waiteeDone(g.self, success)
	}
	g.worker.removeGoal(g.self)
}
