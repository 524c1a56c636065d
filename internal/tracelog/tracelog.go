// Package tracelog is moss's switchable diagnostic logger: quiet by
// default, redirectable to a file or buffer for `moss` invocations run
// with tracing enabled. Single mutex-guarded writer, component-tagged
// lines.
package tracelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EnableTrace can be set at link time:
// go build -ldflags "-X github.com/aerynos/moss/internal/tracelog.EnableTrace=true"
var EnableTrace = "false"

var (
	mu     sync.Mutex
	output io.Writer
	file   *os.File
)

// SetOutput sets the writer tracelog writes to. Pass nil to disable.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// InitLogFile opens a timestamped trace log under os.TempDir()/moss-trace
// and directs output there. Returns the path. Call Close when done.
func InitLogFile() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Join(os.TempDir(), "moss-trace")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("tracelog: create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("trace-%s.log", time.Now().Format("2006-01-02T150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("tracelog: open log file: %w", err)
	}
	file = f
	output = f
	return path, nil
}

// Close closes the log file opened by InitLogFile, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	output = nil
	return err
}

// Enabled reports whether tracing is switched on.
func Enabled() bool {
	if EnableTrace == "true" {
		return true
	}
	v := os.Getenv("MOSS_TRACE")
	return v == "1" || v == "true"
}

func writer() io.Writer {
	mu.Lock()
	defer mu.Unlock()
	return output
}

// Tracef logs a trace-level line tagged with component, gated on Enabled().
// Used along the hot paths the core's suspension points touch: fetch,
// unpack, blit, trigger dispatch.
func Tracef(component, format string, args ...any) {
	if !Enabled() {
		return
	}
	w := writer()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[TRACE:%s] "+format+"\n", append([]any{component}, args...)...)
}

// Warnf always writes to the trace log if one is configured, regardless of
// Enabled() — used for non-fatal anomalies a user running without tracing
// should still be told about if they redirected output (e.g. skipped
// device-file layout records at blit time).
func Warnf(format string, args ...any) {
	w := writer()
	if w == nil {
		return
	}
	fmt.Fprintf(w, "[WARN] "+format+"\n", args...)
}
