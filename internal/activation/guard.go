package activation

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/aerynos/moss/internal/tracelog"
)

// Guard covers the critical window between the start of a blit and the
// completion of the atomic exchange: SIGINT from the controlling terminal
// is ignored and a systemd inhibitor lock blocks shutdown, sleep, idle,
// and lid-switch handling. Release with Release on every exit path.
type Guard struct {
	inhibitFd *os.File
	conn      *dbus.Conn
}

// NewGuard masks SIGINT and acquires the inhibitor lock. Inhibitor
// acquisition is best-effort: on systems without a system bus (containers,
// test roots) the guard still masks signals.
func NewGuard(why string) *Guard {
	signal.Ignore(syscall.SIGINT)

	g := &Guard{}
	conn, err := dbus.SystemBus()
	if err != nil {
		tracelog.Tracef("activation", "no system bus, skipping inhibitor: %v", err)
		return g
	}

	var fd dbus.UnixFD
	obj := conn.Object("org.freedesktop.login1", "/org/freedesktop/login1")
	call := obj.Call("org.freedesktop.login1.Manager.Inhibit", 0,
		"shutdown:sleep:idle:handle-lid-switch", "moss", why, "block")
	if call.Err != nil || call.Store(&fd) != nil {
		tracelog.Tracef("activation", "inhibitor unavailable: %v", call.Err)
		conn.Close()
		return g
	}

	g.conn = conn
	g.inhibitFd = os.NewFile(uintptr(fd), "moss-inhibit")
	return g
}

// Release restores SIGINT delivery and drops the inhibitor lock. Safe to
// call more than once and on a nil receiver.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	signal.Reset(syscall.SIGINT)
	if g.inhibitFd != nil {
		g.inhibitFd.Close()
		g.inhibitFd = nil
	}
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
}
