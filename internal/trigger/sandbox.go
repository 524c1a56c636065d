package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sandbox confines a handler process to a prepared rootfs.
type Sandbox interface {
	// Command builds the confined command for the given program and args.
	Command(run string, args []string) *exec.Cmd
}

// sandboxSpecEnv carries the serialized sandbox spec into the re-executed
// child that performs the mount setup.
const sandboxSpecEnv = "MOSS_TRIGGER_SANDBOX"

// sandboxSpec is what the parent hands the namespaced child: where the
// isolation rootfs lives, which trees to bind into it, and the handler to
// exec once confined.
type sandboxSpec struct {
	Root        string   `json:"root"`
	UsrDir      string   `json:"usr"`
	EtcDir      string   `json:"etc"`
	EtcWritable bool     `json:"etc_rw"`
	Run         string   `json:"run"`
	Args        []string `json:"args"`
}

// NamespaceSandbox confines handlers with Linux namespaces: a mount
// namespace holding the bind mounts below, a network namespace with no
// interfaces unless Networking is set, and a user namespace mapping the
// current user to root when not already root.
//
// Inside the mount namespace, UsrDir is bound at <Root>/usr (always
// writable) and EtcDir at <Root>/etc (read-only unless EtcWritable), then
// the child chroots into Root and execs the handler. The mounts must
// happen on the child side of the namespace boundary, so Command re-execs
// this binary and ExecSandboxChild finishes the setup there.
type NamespaceSandbox struct {
	// Root is the isolation rootfs the child chroots into.
	Root string

	// UsrDir is bound at /usr inside the sandbox: the staged usr tree for
	// transaction scope, the live one for system scope.
	UsrDir string

	// EtcDir is the host /etc, bound at /etc inside the sandbox.
	EtcDir string

	// EtcWritable binds /etc read-write (system scope) instead of
	// read-only (transaction scope).
	EtcWritable bool

	// Networking leaves the host network namespace shared.
	Networking bool
}

// Command builds the confined command: a re-exec of this binary carrying
// the spec, entering fresh namespaces. ExecSandboxChild picks it up on the
// other side.
func (s *NamespaceSandbox) Command(run string, args []string) *exec.Cmd {
	spec := sandboxSpec{
		Root:        s.Root,
		UsrDir:      s.UsrDir,
		EtcDir:      s.EtcDir,
		EtcWritable: s.EtcWritable,
		Run:         run,
		Args:        args,
	}
	encoded, _ := json.Marshal(spec)

	cmd := exec.Command("/proc/self/exe")
	cmd.Env = append(os.Environ(), sandboxSpecEnv+"="+string(encoded))

	flags := syscall.CLONE_NEWNS
	if os.Geteuid() != 0 {
		flags |= syscall.CLONE_NEWUSER
	}
	if !s.Networking {
		flags |= syscall.CLONE_NEWNET
	}
	attr := &syscall.SysProcAttr{Cloneflags: uintptr(flags)}
	if flags&syscall.CLONE_NEWUSER != 0 {
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	}
	cmd.SysProcAttr = attr
	return cmd
}

// ExecSandboxChild is the child half of the sandbox. The binary's main
// must call it before anything else: when the sandbox spec environment
// variable is present, this process is the namespaced child — it binds the
// configured trees, chroots, and execs the handler, never returning. With
// no spec present it is a no-op.
func ExecSandboxChild() {
	raw := os.Getenv(sandboxSpecEnv)
	if raw == "" {
		return
	}

	var spec sandboxSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox: bad spec:", err)
		os.Exit(125)
	}
	if err := enterSandbox(spec); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox:", err)
		os.Exit(125)
	}
}

// enterSandbox performs the mount setup inside the fresh namespaces, then
// replaces this process with the handler.
func enterSandbox(spec sandboxSpec) error {
	// Keep our binds from leaking back into the host mount table.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make / private: %w", err)
	}

	usrTarget := filepath.Join(spec.Root, "usr")
	etcTarget := filepath.Join(spec.Root, "etc")
	for _, dir := range []string{usrTarget, etcTarget} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	if err := unix.Mount(spec.UsrDir, usrTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s at /usr: %w", spec.UsrDir, err)
	}
	if err := unix.Mount(spec.EtcDir, etcTarget, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind %s at /etc: %w", spec.EtcDir, err)
	}
	if !spec.EtcWritable {
		// A bind mount ignores MS_RDONLY on creation; the read-only flag
		// takes effect on a remount of the bind.
		if err := unix.Mount("", etcTarget, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount /etc read-only: %w", err)
		}
	}

	if err := unix.Chroot(spec.Root); err != nil {
		return fmt.Errorf("chroot %s: %w", spec.Root, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %w", err)
	}

	env := []string{"PATH=/usr/bin:/usr/sbin"}
	run := spec.Run
	if !filepath.IsAbs(run) {
		os.Setenv("PATH", "/usr/bin:/usr/sbin")
		resolved, err := exec.LookPath(run)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", run, err)
		}
		run = resolved
	}
	argv := append([]string{run}, spec.Args...)
	return unix.Exec(run, argv, env)
}
