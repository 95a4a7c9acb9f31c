package scheduler

import "testing"

// countingGoal is a minimal Goal used to exercise goalBase's
// addWaitee/waiteeDone/amDone bookkeeping without any real work.
type countingGoal struct {
	*goalBase
	workCalls int
}

func newCountingGoal(w *Worker, name string) *countingGoal {
	g := &countingGoal{}
	g.goalBase = newGoalBase(w, name)
	g.goalBase.self = g
	return g
}

func (g *countingGoal) Work() error {
	g.workCalls++
	return nil
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	return &Worker{
		keepGoing: false,
		topGoals:  make(map[Goal]bool),
		awake:     make(map[Goal]bool),
		events:    make(chan childEvent, 4),
	}
}

func TestWaiteeDoneWakesWaiterOnceLastWaiteeFinishes(t *testing.T) {
	w := newTestWorker(t)
	parent := newCountingGoal(w, "parent")
	childA := newCountingGoal(w, "childA")
	childB := newCountingGoal(w, "childB")

	parent.addWaitee(childA)
	parent.addWaitee(childB)

	childA.amDone(true, nil)
	if w.awake[parent] {
		t.Fatal("parent should not wake until both waitees finish")
	}

	childB.amDone(true, nil)
	if !w.awake[parent] {
		t.Fatal("parent should wake once its last waitee finishes")
	}
	if parent.nrFailed != 0 {
		t.Fatalf("expected no failures, got %d", parent.nrFailed)
	}
}

func TestWaiteeDoneWakesImmediatelyOnFailureWithoutKeepGoing(t *testing.T) {
	w := newTestWorker(t)
	w.keepGoing = false
	parent := newCountingGoal(w, "parent")
	childA := newCountingGoal(w, "childA")
	childB := newCountingGoal(w, "childB")

	parent.addWaitee(childA)
	parent.addWaitee(childB)

	childA.amDone(false, nil)
	if !w.awake[parent] {
		t.Fatal("parent should wake immediately on a waitee failure when keepGoing is off")
	}
	if parent.nrFailed != 1 {
		t.Fatalf("expected nrFailed 1, got %d", parent.nrFailed)
	}
	if len(parent.waitees) != 0 {
		t.Fatal("parent should detach from remaining waitees after giving up")
	}

	// childB finishing afterwards must not double-count against parent,
	// since parent already detached from it.
	childB.amDone(true, nil)
	if parent.nrFailed != 1 {
		t.Fatalf("expected nrFailed to remain 1 after detached waitee finishes, got %d", parent.nrFailed)
	}
}

func TestWaiteeDoneKeepsWaitingOnFailureWithKeepGoing(t *testing.T) {
	w := newTestWorker(t)
	w.keepGoing = true
	parent := newCountingGoal(w, "parent")
	childA := newCountingGoal(w, "childA")
	childB := newCountingGoal(w, "childB")

	parent.addWaitee(childA)
	parent.addWaitee(childB)

	childA.amDone(false, nil)
	if w.awake[parent] {
		t.Fatal("parent should keep waiting on remaining waitees when keepGoing is on")
	}

	childB.amDone(true, nil)
	if !w.awake[parent] {
		t.Fatal("parent should wake once the remaining waitee also finishes")
	}
	if parent.nrFailed != 1 {
		t.Fatalf("expected nrFailed 1, got %d", parent.nrFailed)
	}
}

func TestAmDoneRemovesGoalFromTopGoals(t *testing.T) {
	w := newTestWorker(t)
	g := newCountingGoal(w, "top")
	w.AddTopGoal(g)

	if !w.topGoals[g] {
		t.Fatal("expected goal registered as a top goal")
	}

	g.amDone(true, nil)
	if w.topGoals[g] {
		t.Fatal("expected amDone to deregister the top goal")
	}
}

func TestRemoveWaiterDropsOnlyMatchingWaiter(t *testing.T) {
	w := newTestWorker(t)
	waitee := newCountingGoal(w, "waitee")
	waiterA := newCountingGoal(w, "waiterA")
	waiterB := newCountingGoal(w, "waiterB")

	waitee.registerWaiter(waiterA)
	waitee.registerWaiter(waiterB)
	waitee.removeWaiter(waiterA)

	if len(waitee.waiters) != 1 || waitee.waiters[0] != waiterB {
		t.Fatalf("expected only waiterB to remain, got %v", waitee.waiters)
	}
}
