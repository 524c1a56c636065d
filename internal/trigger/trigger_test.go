package trigger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ldconfigTrigger = `
trigger "ldconfig" {
    description "Rebuild dynamic linker cache"
    after "depmod"
    paths "/usr/lib/lib*.so*" {
        handler "ldconfig"
    }
    handlers {
        ldconfig {
            run "/usr/sbin/ldconfig"
        }
    }
}
`

const depmodTrigger = `
trigger "depmod" {
    paths "/usr/lib/modules/(version:*)/kernel" {
        handler "depmod"
    }
    handlers {
        depmod {
            run "/usr/sbin/depmod"
            args "-a" "$(version)"
        }
    }
}
`

func TestParseTrigger(t *testing.T) {
	trig, err := ParseTrigger(ldconfigTrigger)
	require.NoError(t, err)

	assert.Equal(t, "ldconfig", trig.Name)
	assert.Equal(t, "Rebuild dynamic linker cache", trig.Description)
	assert.Equal(t, "depmod", trig.After)
	require.Len(t, trig.Paths, 1)
	assert.Equal(t, "/usr/lib/lib*.so*", trig.Paths[0].Pattern)
	assert.Equal(t, []string{"ldconfig"}, trig.Paths[0].Handlers)
	require.Contains(t, trig.Handlers, "ldconfig")
	assert.Equal(t, "/usr/sbin/ldconfig", trig.Handlers["ldconfig"].Run)
}

func TestParseTriggerRejectsDanglingHandlerReference(t *testing.T) {
	_, err := ParseTrigger(`
trigger "broken" {
    paths "/usr/bin/*" {
        handler "nope"
    }
    handlers {
        other {
            run "/bin/true"
        }
    }
}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
}

func TestPatternPlainGlob(t *testing.T) {
	p, err := CompilePattern("/usr/lib/lib*.so*")
	require.NoError(t, err)

	_, ok := p.Match("/usr/lib/libfoo.so.6")
	assert.True(t, ok)
	_, ok = p.Match("/usr/lib/modules/foo")
	assert.False(t, ok)
	// `*` must not cross directory separators.
	_, ok = p.Match("/usr/lib/deep/libfoo.so")
	assert.False(t, ok)
}

func TestPatternDoubleStarCrossesDirectories(t *testing.T) {
	p, err := CompilePattern("/usr/share/**/*.gz")
	require.NoError(t, err)
	_, ok := p.Match("/usr/share/man/man1/ls.1.gz")
	assert.True(t, ok)
}

func TestPatternCaptures(t *testing.T) {
	p, err := CompilePattern("/usr/lib/modules/(version:*)/kernel")
	require.NoError(t, err)

	captures, ok := p.Match("/usr/lib/modules/6.8.1-fc/kernel")
	require.True(t, ok)
	assert.Equal(t, "6.8.1-fc", captures["version"])

	_, ok = p.Match("/usr/lib/modules/6.8.1/extra/kernel")
	assert.False(t, ok)
}

func TestCollectionCompilesAndDedupesHits(t *testing.T) {
	trig, err := ParseTrigger(ldconfigTrigger)
	require.NoError(t, err)

	c, err := NewCollection([]Trigger{trig})
	require.NoError(t, err)
	c.ProcessPaths([]string{
		"/usr/lib/libfoo.so.1",
		"/usr/lib/libbar.so.2",
		"/usr/bin/unrelated",
	})

	stages, err := c.BakeInStages()
	require.NoError(t, err)
	require.Len(t, stages, 1)
	// Two matches, one compiled handler: no captures means identical
	// compilations collapse.
	require.Len(t, stages[0], 1)
	assert.Equal(t, "/usr/sbin/ldconfig", stages[0][0].Handler.Run)
}

func TestCollectionSubstitutesCaptures(t *testing.T) {
	trig, err := ParseTrigger(depmodTrigger)
	require.NoError(t, err)

	c, err := NewCollection([]Trigger{trig})
	require.NoError(t, err)
	c.ProcessPaths([]string{
		"/usr/lib/modules/6.8.1/kernel",
		"/usr/lib/modules/6.9.0/kernel",
	})

	stages, err := c.BakeInStages()
	require.NoError(t, err)
	require.Len(t, stages, 1)
	require.Len(t, stages[0], 2, "distinct captures compile to distinct handlers")

	var versions []string
	for _, h := range stages[0] {
		require.Len(t, h.Handler.Args, 2)
		versions = append(versions, h.Handler.Args[1])
	}
	assert.ElementsMatch(t, []string{"6.8.1", "6.9.0"}, versions)
}

func TestBakeOrdersAfterRelation(t *testing.T) {
	ld, err := ParseTrigger(ldconfigTrigger)
	require.NoError(t, err)
	dm, err := ParseTrigger(depmodTrigger)
	require.NoError(t, err)

	c, err := NewCollection([]Trigger{ld, dm})
	require.NoError(t, err)
	c.ProcessPaths([]string{
		"/usr/lib/libfoo.so.1",
		"/usr/lib/modules/6.8.1/kernel",
	})

	stages, err := c.BakeInStages()
	require.NoError(t, err)
	require.Len(t, stages, 2, "ldconfig runs after depmod, two stages")
	assert.Equal(t, "depmod", stages[0][0].TriggerName)
	assert.Equal(t, "ldconfig", stages[1][0].TriggerName)
}

func TestLoadDirReadsSortedKDLFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-ldconfig.kdl"), []byte(ldconfigTrigger), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not kdl"), 0o644))

	triggers, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, "ldconfig", triggers[0].Name)

	missing, err := LoadDir(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestRunnerExecutesDirectlyOnLiveRoot(t *testing.T) {
	// Scope system on root "/" runs without a sandbox; use a handler that
	// always exists.
	stages := [][]CompiledHandler{{
		{TriggerName: "touch", Handler: Handler{Kind: HandlerRun, Run: "/bin/true"}},
	}}
	r := &Runner{Scope: ScopeSystem, TargetRoot: "/", InstallRoot: "/"}
	require.NoError(t, r.Execute(stages))
}

func TestRunnerLogsNonZeroExitWithoutFailing(t *testing.T) {
	stages := [][]CompiledHandler{{
		{TriggerName: "fail", Handler: Handler{Kind: HandlerRun, Run: "/bin/false"}},
	}}
	r := &Runner{Scope: ScopeSystem, TargetRoot: "/", InstallRoot: "/"}
	assert.NoError(t, r.Execute(stages), "non-zero exit is logged, not fatal")
}

func TestRunnerSpawnFailureIsFatal(t *testing.T) {
	stages := [][]CompiledHandler{{
		{TriggerName: "ghost", Handler: Handler{Kind: HandlerRun, Run: "/nonexistent/handler"}},
	}}
	r := &Runner{Scope: ScopeSystem, TargetRoot: "/", InstallRoot: "/"}
	assert.Error(t, r.Execute(stages))
}

func TestNamespaceSandboxCommandCarriesSpec(t *testing.T) {
	s := &NamespaceSandbox{
		Root:        "/scratch/.moss/root/isolation",
		UsrDir:      "/scratch/.moss/root/staging/usr",
		EtcDir:      "/scratch/etc",
		EtcWritable: false,
	}
	cmd := s.Command("/usr/sbin/ldconfig", []string{"-X"})

	assert.Equal(t, "/proc/self/exe", cmd.Path)
	require.NotNil(t, cmd.SysProcAttr)
	assert.NotZero(t, cmd.SysProcAttr.Cloneflags&syscall.CLONE_NEWNS)
	assert.NotZero(t, cmd.SysProcAttr.Cloneflags&syscall.CLONE_NEWNET)

	var raw string
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, sandboxSpecEnv+"=") {
			raw = strings.TrimPrefix(kv, sandboxSpecEnv+"=")
		}
	}
	require.NotEmpty(t, raw, "spec must travel to the re-executed child")

	var spec sandboxSpec
	require.NoError(t, json.Unmarshal([]byte(raw), &spec))
	assert.Equal(t, "/scratch/.moss/root/isolation", spec.Root)
	assert.Equal(t, "/scratch/.moss/root/staging/usr", spec.UsrDir)
	assert.Equal(t, "/scratch/etc", spec.EtcDir)
	assert.False(t, spec.EtcWritable)
	assert.Equal(t, "/usr/sbin/ldconfig", spec.Run)
	assert.Equal(t, []string{"-X"}, spec.Args)
}

func TestRunnerSandboxSelectionPerScope(t *testing.T) {
	tx := &Runner{
		Scope:        ScopeTransaction,
		TargetRoot:   "/scratch/.moss/root/staging",
		InstallRoot:  "/scratch",
		IsolationDir: "/scratch/.moss/root/isolation",
	}
	s := tx.sandbox()
	require.NotNil(t, s, "transaction scope is always sandboxed")
	ns, ok := s.(*NamespaceSandbox)
	require.True(t, ok)
	assert.Equal(t, "/scratch/.moss/root/isolation", ns.Root)
	assert.Equal(t, "/scratch/.moss/root/staging/usr", ns.UsrDir)
	assert.Equal(t, "/scratch/etc", ns.EtcDir)
	assert.False(t, ns.EtcWritable, "host /etc is read-only for transaction scope")

	sys := &Runner{
		Scope:        ScopeSystem,
		TargetRoot:   "/scratch",
		InstallRoot:  "/scratch",
		IsolationDir: "/scratch/.moss/root/isolation",
	}
	s = sys.sandbox()
	require.NotNil(t, s, "system scope on a non-/ root is sandboxed")
	ns, ok = s.(*NamespaceSandbox)
	require.True(t, ok)
	assert.True(t, ns.EtcWritable, "system scope binds /etc read-write")

	live := &Runner{Scope: ScopeSystem, TargetRoot: "/", InstallRoot: "/"}
	assert.Nil(t, live.sandbox(), "system scope on the live root runs directly")
}
