package scheduler

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pathforge/castore"
	"github.com/pathforge/castore/builder"
	"github.com/pathforge/castore/closure"
	"github.com/pathforge/castore/nar"
	"github.com/pathforge/castore/scheduler/buildhook"
)

type derivationState int

const (
	drvStateInit derivationState = iota
	drvStateHaveStoreExpr
	drvStateOutputsSubstituted
	drvStateInputsRealised
	drvStateTryToBuild
	drvStateBuildDone
)

// DerivationGoal realises every output of one derivation, by substitution
// where possible and by forking its builder otherwise.
type DerivationGoal struct {
	*goalBase

	drvPath castore.StorePath
	state   derivationState

	drv            castore.Derivation
	invalidOutputs []string

	process       *builder.Process
	buildStartErr error
	buildDir      string
	lockKeys      []string

	hook       *buildhook.Hook
	usingHook  bool
}

func newDerivationGoal(w *Worker, drvPath castore.StorePath) *DerivationGoal {
	g := &DerivationGoal{drvPath: drvPath}
	g.goalBase = newGoalBase(w, "derivation "+string(drvPath))
	g.goalBase.self = g
	w.wakeUp(g)
	return g
}

// Work advances the state machine as far as it can without suspending.
func (g *DerivationGoal) Work() error {
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

func (g *DerivationGoal) step() (bool, error) {
	switch g.state {
	case drvStateInit:
		return g.init()
	case drvStateHaveStoreExpr:
		return g.haveStoreExpr()
	case drvStateOutputsSubstituted:
		return g.outputsSubstituted()
	case drvStateInputsRealised:
		return g.inputsRealised()
	case drvStateTryToBuild:
		return g.tryToBuild()
	case drvStateBuildDone:
		return g.buildDone()
	default:
		return false, castore.SysError("scheduler: unknown derivation goal state", nil)
	}
}

func (g *DerivationGoal) init() (bool, error) {
	valid, err := g.worker.Store.IsValidPath(g.drvPath)
	if err != nil {
		return false, err
	}
	if !valid {
		g.addWaitee(g.worker.makeSubstitutionGoal(g.drvPath))
		g.state = drvStateHaveStoreExpr
		return false, nil
	}
	g.state = drvStateHaveStoreExpr
	return true, nil
}

func (g *DerivationGoal) haveStoreExpr() (bool, error) {
	if g.nrFailed > 0 {
		g.amDone(false, castore.SysError("derivation file could not be realised: "+string(g.drvPath), nil))
		return false, nil
	}

	drv, err := g.worker.loadDerivation(g.drvPath)
	if err != nil {
		g.amDone(false, err)
		return false, nil
	}
	g.drv = drv

	g.invalidOutputs = g.invalidOutputs[:0]
	for _, name := range drv.OutputNames() {
		out := drv.Outputs[name]
		valid, err := g.worker.Store.IsValidPath(out.Path)
		if err != nil {
			return false, err
		}
		if !valid {
			g.invalidOutputs = append(g.invalidOutputs, name)
		}
	}
	if len(g.invalidOutputs) == 0 {
		g.amDone(true, nil)
		return false, nil
	}

	for _, name := range g.invalidOutputs {
		out := g.drv.Outputs[name]
		subs, err := g.worker.storeSubstitutes(out.Path)
		if err != nil {
			return false, err
		}
		if len(subs) > 0 {
			g.addWaitee(g.worker.makeSubstitutionGoal(out.Path))
		}
	}

	g.state = drvStateOutputsSubstituted
	if len(g.waitees) == 0 {
		return true, nil
	}
	return false, nil
}

func (g *DerivationGoal) outputsSubstituted() (bool, error) {
	if g.nrFailed > 0 && !g.worker.keepGoing {
		g.amDone(false, castore.SubstError(g.drvPath, fmt.Errorf("some outputs of %q could not be substituted", g.drvPath)))
		return false, nil
	}

	stillInvalid := g.invalidOutputs[:0]
	for _, name := range g.invalidOutputs {
		out := g.drv.Outputs[name]
		valid, err := g.worker.Store.IsValidPath(out.Path)
		if err != nil {
			return false, err
		}
		if !valid {
			stillInvalid = append(stillInvalid, name)
		}
	}
	g.invalidOutputs = stillInvalid
	if len(g.invalidOutputs) == 0 {
		g.amDone(true, nil)
		return false, nil
	}

	for drvPath := range g.drv.InputDrvs {
		g.addWaitee(g.worker.makeDerivationGoal(drvPath))
	}
	for src := range g.drv.InputSrcs {
		g.addWaitee(g.worker.makeSubstitutionGoal(src))
	}

	g.state = drvStateInputsRealised
	if len(g.waitees) == 0 {
		return true, nil
	}
	return false, nil
}

func (g *DerivationGoal) inputsRealised() (bool, error) {
	if g.nrFailed > 0 {
		g.amDone(false, castore.BuildError(g.drvPath, fmt.Errorf("%d dependencies of %q failed", g.nrFailed, g.drvPath)))
		return false, nil
	}
	g.state = drvStateTryToBuild
	return true, nil
}

func (g *DerivationGoal) tryToBuild() (bool, error) {
	if g.worker.Config.BuildHookPath != "" && !g.usingHook {
		return g.tryHook()
	}

	buildDir, err := os.MkdirTemp(g.worker.Config.StateDir, "build-")
	if err != nil {
		return false, castore.SysError("scheduler: creating build directory", err)
	}
	g.buildDir = buildDir

	g.lockKeys = outputPathStrings(g.drv)
	if err := g.worker.Lockers.Acquire(context.Background(), g.lockKeys); err != nil {
		return false, err
	}

	for _, name := range g.drv.OutputNames() {
		out := g.drv.Outputs[name]
		if _, err := os.Lstat(string(out.Path)); err == nil {
			os.RemoveAll(string(out.Path))
		}
	}

	env := make(map[string]string, len(g.drv.Env))
	for k, v := range g.drv.Env {
		env[k] = v
	}

	spec := builder.Spec{
		Builder:  g.drv.Builder,
		Args:     g.drv.Args,
		Env:      env,
		StoreDir: g.worker.Config.StoreDir,
		BuildDir: g.buildDir,
	}

	// The fork itself happens only once a build slot is granted, and the
	// slot stays held for the builder's whole run, not just until it
	// starts, mirroring substituterProc's write-then-signal handoff back
	// to buildDone across the done channel.
	done := make(chan struct{})
	g.worker.acquireBuildSlot(func() error {
		process, startErr := builder.Start(spec)
		if startErr != nil {
			g.buildStartErr = startErr
			close(done)
			return nil
		}
		g.process = process
		<-process.LogDone
		close(done)
		return nil
	})

	g.state = drvStateBuildDone
	g.worker.watchChild(g.self, done)
	return false, nil
}

// tryHook asks the configured build hook whether it will take this
// derivation before falling back to a local build.
func (g *DerivationGoal) tryHook() (bool, error) {
	canBuildLocally := true
	hook, err := buildhook.Start(g.worker.Config.BuildHookPath, canBuildLocally, g.worker.Config.Platform(), g.drv.Platform, string(g.drvPath))
	if err != nil {
		g.usingHook = true
		return true, nil
	}
	verdict, err := hook.ReadVerdict()
	if err != nil {
		hook.Kill()
		hook.Wait()
		g.usingHook = true
		return true, nil
	}

	switch verdict {
	case buildhook.Decline:
		hook.Wait()
		g.usingHook = true
		return true, nil
	case buildhook.Postpone:
		hook.Kill()
		hook.Wait()
		g.worker.waitForBuildSlot(g.self)
		return false, nil
	case buildhook.Accept:
		g.hook = hook
		return g.runHookAccepted(hook)
	default:
		hook.Kill()
		hook.Wait()
		return false, castore.UsageError("build hook gave inappropriate reply", verdict)
	}
}

func (g *DerivationGoal) runHookAccepted(hook *buildhook.Hook) (bool, error) {
	// A substitution that raced the hook's decision may have made every
	// output valid while it was deciding; tell it to stand down rather
	// than build something already present.
	allValid := true
	for _, name := range g.drv.OutputNames() {
		valid, err := g.worker.Store.IsValidPath(g.drv.Outputs[name].Path)
		if err != nil {
			return false, err
		}
		if !valid {
			allValid = false
			break
		}
	}
	if allValid {
		if err := hook.WriteCancel(); err != nil {
			return false, err
		}
		if err := hook.Wait(); err != nil {
			return false, err
		}
		g.amDone(true, nil)
		return false, nil
	}

	scratch, err := os.MkdirTemp(g.worker.Config.StateDir, "hook-")
	if err != nil {
		return false, castore.SysError("scheduler: creating hook scratch directory", err)
	}

	if err := writeLines(filepath.Join(scratch, "inputs"), inputPathStrings(g.drv)); err != nil {
		return false, err
	}
	if err := writeLines(filepath.Join(scratch, "outputs"), outputPathStrings(g.drv)); err != nil {
		return false, err
	}
	if err := writeLines(filepath.Join(scratch, "references"), nil); err != nil {
		return false, err
	}

	if err := hook.WriteOkay(); err != nil {
		return false, err
	}

	g.worker.watchChild(g.self, hook.LogDone)
	g.state = drvStateBuildDone
	return false, nil
}

func (g *DerivationGoal) buildDone() (bool, error) {
	if g.hook != nil {
		err := g.hook.Wait()
		if err != nil {
			g.amDone(false, castore.BuildError(g.drvPath, err))
			return false, nil
		}
		return g.registerOutputs()
	}

	defer g.worker.Lockers.Release(g.lockKeys)

	if g.buildStartErr != nil {
		g.amDone(false, castore.BuildError(g.drvPath, g.buildStartErr))
		return false, nil
	}

	exitCode, err := g.process.Wait()
	if err != nil {
		g.amDone(false, err)
		return false, nil
	}
	if exitCode != 0 {
		g.amDone(false, builder.DescribeFailure(builder.Spec{Builder: g.drv.Builder}, exitCode))
		return false, nil
	}

	return g.registerOutputs()
}

// registerOutputs canonicalizes, hashes, optionally verifies fixed-output
// hashes, scans for references, and registers every output in one
// transaction, per the single-transaction registration requirement.
func (g *DerivationGoal) registerOutputs() (bool, error) {
	allOutputs := outputPaths(g.drv)

	type registration struct {
		path       castore.StorePath
		hash       string
		references []castore.StorePath
	}
	var regs []registration

	for _, name := range g.drv.OutputNames() {
		out := g.drv.Outputs[name]
		path := out.Path

		if err := nar.Canonicalise(string(path)); err != nil {
			g.amDone(false, castore.BuildError(path, err))
			return false, nil
		}

		if out.IsFixedOutput() {
			if err := verifyFixedOutput(out); err != nil {
				g.amDone(false, err)
				return false, nil
			}
		}

		sum, err := nar.HashPath(string(path))
		if err != nil {
			g.amDone(false, castore.BuildError(path, err))
			return false, nil
		}
		hash := fmt.Sprintf("sha256:%x", sum)

		candidates := make([]castore.StorePath, 0, len(allOutputs))
		for _, p := range allOutputs {
			if p != path {
				candidates = append(candidates, p)
			}
		}
		for drvPath := range g.drv.InputDrvs {
			candidates = append(candidates, drvPath)
		}
		refs, err := closure.FilterReferences(string(path), candidates)
		if err != nil {
			g.amDone(false, err)
			return false, nil
		}

		regs = append(regs, registration{path: path, hash: hash, references: refs})
	}

	txn, err := g.worker.Store.Begin()
	if err != nil {
		return false, err
	}
	for _, r := range regs {
		if err := txn.RegisterValidPath(r.path, r.hash, r.references, g.drvPath); err != nil {
			txn.Rollback()
			g.amDone(false, err)
			return false, nil
		}
	}
	if err := txn.Commit(); err != nil {
		return false, err
	}

	g.amDone(true, nil)
	return false, nil
}

// verifyFixedOutput checks a fixed-output derivation's result against its
// declared hash. Unlike the content hash registered for every other output,
// which is always the NAR hash of the path, a fixed output is hashed in its
// raw, unwrapped form under the algorithm the derivation names (hashAlgo),
// matching how a fixed-output derivation's contents are meant to be
// independently reproducible and verifiable outside the store's own codec.
func verifyFixedOutput(out castore.Output) error {
	info, err := os.Lstat(string(out.Path))
	if err != nil {
		return castore.SysError("scheduler: stat fixed output", err)
	}
	if info.Mode()&os.ModeSymlink != 0 || info.IsDir() || info.Mode().Perm()&0111 != 0 {
		return castore.BuildError(out.Path, fmt.Errorf("fixed-output path %q must be a non-executable regular file", out.Path))
	}

	h, err := newFixedOutputHash(out.HashAlgo)
	if err != nil {
		return castore.BuildError(out.Path, err)
	}

	f, err := os.Open(string(out.Path))
	if err != nil {
		return castore.SysError("scheduler: opening fixed output", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return castore.SysError("scheduler: hashing fixed output", err)
	}

	got := fmt.Sprintf("%x", h.Sum(nil))
	if got != out.Hash {
		return castore.HashMismatchError(out.Path, fmt.Errorf("output path %q should have %s hash %q, instead has %q", out.Path, out.HashAlgo, out.Hash, got))
	}
	return nil
}

// newFixedOutputHash returns the hash.Hash implementation named by algo, the
// same set the original derivation format accepts for hashAlgo.
func newFixedOutputHash(algo string) (hash.Hash, error) {
	switch algo {
	case "sha256", "":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported fixed-output hash algorithm %q", algo)
	}
}

func outputPaths(d castore.Derivation) []castore.StorePath {
	var out []castore.StorePath
	for _, name := range d.OutputNames() {
		out = append(out, d.Outputs[name].Path)
	}
	return out
}

func outputPathStrings(d castore.Derivation) []string {
	var out []string
	for _, p := range outputPaths(d) {
		out = append(out, string(p))
	}
	return out
}

func inputPathStrings(d castore.Derivation) []string {
	var out []string
	for p := range d.InputDrvs {
		out = append(out, string(p))
	}
	for p := range d.InputSrcs {
		out = append(out, string(p))
	}
	return out
}

func writeLines(path string, lines []string) error {
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return castore.SysError("scheduler: writing "+path, err)
	}
	return nil
}
