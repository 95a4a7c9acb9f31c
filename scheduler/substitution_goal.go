package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/nar"
	"github.com/pathforge/castore/substituter"
)

type substitutionState int

const (
	subStateInit substitutionState = iota
	subStateReferencesValid
	subStateTryNext
	subStateTryToRun
	subStateFinished
)

// SubstitutionGoal realises a single store path by downloading or
// otherwise fetching its contents through a registered Substitute, trying
// each candidate in order until one succeeds.
type SubstitutionGoal struct {
	*goalBase

	path  castore.StorePath
	state substitutionState

	subs       []substituteCandidate
	references []castore.StorePath

	lockKeys []string
	proc     substituterProc
}

type substituteCandidate struct {
	deriver castore.StorePath
	program string
	args    []string
}

// substituterProc is the in-flight fetch started in tryToRun; done is
// closed once the program's Fetch call has returned and set log and err.
type substituterProc struct {
	done chan struct{}
	log  []string
	err  error
}

func newSubstitutionGoal(w *Worker, path castore.StorePath) *SubstitutionGoal {
	g := &SubstitutionGoal{path: path}
	g.goalBase = newGoalBase(w, "substitution "+string(path))
	g.goalBase.self = g
	w.wakeUp(g)
	return g
}

// Work advances the state machine as far as it can without suspending.
func (g *SubstitutionGoal) Work() error {
	for !g.done {
		advanced, err := g.step()
		if err != nil {
			return err
		}
		if !advanced {
			return nil
		}
	}
	return nil
}

func (g *SubstitutionGoal) step() (bool, error) {
	switch g.state {
	case subStateInit:
		return g.init()
	case subStateReferencesValid:
		return g.referencesValid()
	case subStateTryNext:
		return g.tryNext()
	case subStateTryToRun:
		return g.tryToRun()
	case subStateFinished:
		return g.finished()
	default:
		return false, castore.SysError("scheduler: unknown substitution goal state", nil)
	}
}

func (g *SubstitutionGoal) init() (bool, error) {
	valid, err := g.worker.Store.IsValidPath(g.path)
	if err != nil {
		return false, err
	}
	if valid {
		g.amDone(true, nil)
		return false, nil
	}

	recs, err := g.worker.storeSubstitutes(g.path)
	if err != nil {
		return false, err
	}
	for _, r := range recs {
		g.subs = append(g.subs, substituteCandidate{deriver: r.Deriver, program: r.Program, args: r.Args})
	}

	refs, err := g.worker.storeReferences(g.path)
	if err != nil {
		return false, err
	}
	g.references = refs

	// Closure-before-self: every referenced path must be realised before
	// this one is attempted, so a substituted output's dependencies are
	// always present on disk when it is fetched.
	for _, ref := range g.references {
		g.addWaitee(g.worker.makeSubstitutionGoal(ref))
	}

	g.state = subStateReferencesValid
	if len(g.waitees) == 0 {
		return true, nil
	}
	return false, nil
}

func (g *SubstitutionGoal) referencesValid() (bool, error) {
	if g.nrFailed > 0 {
		g.amDone(false, castore.SubstError(g.path, fmt.Errorf("a reference of %q could not be realised", g.path)))
		return false, nil
	}
	g.state = subStateTryNext
	return true, nil
}

func (g *SubstitutionGoal) tryNext() (bool, error) {
	if len(g.subs) == 0 {
		g.amDone(false, castore.SubstError(g.path, fmt.Errorf("no more substitutes for %q", g.path)))
		return false, nil
	}
	g.state = subStateTryToRun
	return true, nil
}

func (g *SubstitutionGoal) tryToRun() (bool, error) {
	cand := g.subs[0]

	g.lockKeys = []string{string(g.path)}
	if err := g.worker.Lockers.Acquire(context.Background(), g.lockKeys); err != nil {
		return false, err
	}

	valid, err := g.worker.Store.IsValidPath(g.path)
	if err != nil {
		g.worker.Lockers.Release(g.lockKeys)
		return false, err
	}
	if valid {
		g.worker.Lockers.Release(g.lockKeys)
		g.amDone(true, nil)
		return false, nil
	}

	if _, err := os.Lstat(string(g.path)); err == nil {
		os.RemoveAll(string(g.path))
	}

	program, err := substituter.Resolve(cand.program, g.worker.s3Client())
	if err != nil {
		g.worker.Lockers.Release(g.lockKeys)
		g.subs = g.subs[1:]
		g.state = subStateTryNext
		return true, nil
	}

	done := make(chan struct{})
	g.proc = substituterProc{done: done}

	destDir := filepath.Dir(string(g.path))
	g.worker.acquireBuildSlot(func() error {
		log, err := program.Fetch(context.Background(), g.path, destDir, cand.args)
		g.proc.log = log
		g.proc.err = err
		close(done)
		return nil
	})
	g.worker.watchChild(g.self, done)

	g.state = subStateFinished
	return false, nil
}

func (g *SubstitutionGoal) finished() (bool, error) {
	g.worker.Lockers.Release(g.lockKeys)

	if g.proc.err != nil {
		g.subs = g.subs[1:]
		g.state = subStateTryNext
		return true, nil
	}

	if _, err := os.Lstat(string(g.path)); err != nil {
		g.subs = g.subs[1:]
		g.state = subStateTryNext
		return true, nil
	}

	if err := nar.Canonicalise(string(g.path)); err != nil {
		return false, castore.SubstError(g.path, err)
	}
	sum, err := nar.HashPath(string(g.path))
	if err != nil {
		return false, castore.SubstError(g.path, err)
	}
	hash := fmt.Sprintf("sha256:%x", sum)

	cand := g.subs[0]
	txn, err := g.worker.Store.Begin()
	if err != nil {
		return false, err
	}
	if err := txn.RegisterValidPath(g.path, hash, g.references, cand.deriver); err != nil {
		txn.Rollback()
		g.amDone(false, err)
		return false, nil
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}

	g.amDone(true, nil)
	return false, nil
}
