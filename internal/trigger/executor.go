package trigger

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/aerynos/moss/internal/merr"
	"github.com/aerynos/moss/internal/tracelog"
)

// Scope determines where trigger handlers see the new filesystem and how
// tightly they are confined.
type Scope int

const (
	// ScopeTransaction runs before the atomic exchange, against the staged
	// tree, always sandboxed.
	ScopeTransaction Scope = iota

	// ScopeSystem runs after the atomic exchange, against the live tree.
	// Handlers run directly when the installation root is "/", sandboxed
	// otherwise.
	ScopeSystem
)

func (s Scope) String() string {
	if s == ScopeTransaction {
		return "transaction"
	}
	return "system"
}

// relative directories under <root>/usr/share/moss/triggers holding each
// scope's trigger files.
const (
	txTriggerDir  = "tx.d"
	sysTriggerDir = "sys.d"
)

// Runner loads, bakes, and executes triggers for one scope against one
// target root.
type Runner struct {
	// Scope selects transaction or system semantics.
	Scope Scope

	// TargetRoot is the tree the triggers operate on: the staging dir for
	// transaction scope, the installation root for system scope, the blit
	// root for ephemeral clients.
	TargetRoot string

	// InstallRoot is the installation root, used to decide whether system
	// triggers need a sandbox and to locate the host /etc bound into it.
	InstallRoot string

	// IsolationDir is the sandbox rootfs the confined handlers chroot
	// into; usr and etc are bind-mounted beneath it per scope.
	IsolationDir string

	// Sandbox overrides the default sandbox. Nil selects the namespace
	// sandbox when confinement is required.
	Sandbox Sandbox
}

// Load reads this scope's trigger files from the target root and bakes the
// given target paths into execution stages.
func (r *Runner) Load(paths []string) ([][]CompiledHandler, error) {
	sub := txTriggerDir
	if r.Scope == ScopeSystem {
		sub = sysTriggerDir
	}
	dir := filepath.Join(r.TargetRoot, "usr", "share", "moss", "triggers", sub)

	triggers, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return nil, nil
	}

	collection, err := NewCollection(triggers)
	if err != nil {
		return nil, err
	}
	collection.ProcessPaths(paths)
	return collection.BakeInStages()
}

// Execute runs the staged handlers. Stages run sequentially; handlers
// within one stage run concurrently. A handler's non-zero exit is logged
// and does not abort the run; a spawn failure does.
func (r *Runner) Execute(stages [][]CompiledHandler) error {
	if len(stages) == 0 {
		return nil
	}

	sandbox := r.sandbox()
	for _, stage := range stages {
		var wg sync.WaitGroup
		errs := make([]error, len(stage))
		sem := make(chan struct{}, runtime.NumCPU())
		for i, handler := range stage {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int, h CompiledHandler) {
				defer wg.Done()
				defer func() { <-sem }()
				errs[i] = r.executeOne(sandbox, h)
			}(i, handler)
		}
		wg.Wait()
		var multi merr.MultiError
		for _, err := range errs {
			multi.Append(err)
		}
		if err := multi.ErrorOrNil(); err != nil {
			return err
		}
	}
	return nil
}

// sandbox picks the confinement for this runner's scope: transaction scope
// is always sandboxed, with the staged usr at /usr and the host /etc
// read-only; system scope runs directly on a "/" root and otherwise
// sandboxes with both trees writable.
func (r *Runner) sandbox() Sandbox {
	if r.Scope == ScopeSystem && r.InstallRoot == "/" {
		return nil
	}
	if r.Sandbox != nil {
		return r.Sandbox
	}
	return &NamespaceSandbox{
		Root:        r.IsolationDir,
		UsrDir:      filepath.Join(r.TargetRoot, "usr"),
		EtcDir:      filepath.Join(r.InstallRoot, "etc"),
		EtcWritable: r.Scope == ScopeSystem,
		Networking:  false,
	}
}

func (r *Runner) executeOne(sandbox Sandbox, h CompiledHandler) error {
	switch h.Handler.Kind {
	case HandlerRun:
		var cmd *exec.Cmd
		if sandbox != nil {
			cmd = sandbox.Command(h.Handler.Run, h.Handler.Args)
		} else {
			cmd = exec.Command(h.Handler.Run, h.Handler.Args...)
			cmd.Dir = "/"
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			if _, isExit := err.(*exec.ExitError); isExit {
				tracelog.Warnf("trigger %s: %s exited non-zero: %s", h.TriggerName, h.Handler.Run, out)
				return nil
			}
			return merr.NewTriggerSpawn(h.TriggerName, h.Handler.Run, err)
		}
		tracelog.Tracef("trigger", "%s: ran %s %v", h.TriggerName, h.Handler.Run, h.Handler.Args)
		return nil

	case HandlerDelete:
		// Deletions resolve against the target tree in this process's own
		// namespace; no confinement is needed for a path removal.
		for _, p := range h.Handler.Paths {
			full := filepath.Join(r.TargetRoot, p)
			if err := os.RemoveAll(full); err != nil {
				tracelog.Warnf("trigger %s: delete %s: %v", h.TriggerName, full, err)
			}
		}
		return nil

	default:
		return fmt.Errorf("trigger %s: unknown handler kind %d", h.TriggerName, h.Handler.Kind)
	}
}
