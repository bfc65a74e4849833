package flock

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/projecteru2/core/log"
	coretypes "github.com/projecteru2/core/types"
)

// logTo points the global logger at a JSON file under level and returns a
// reader for what was written. The previous logger is restored on cleanup.
func logTo(t *testing.T, level string) func() string {
	t.Helper()
	saved := *log.GetGlobalLogger()
	t.Cleanup(func() { *log.GetGlobalLogger() = saved })

	file := filepath.Join(t.TempDir(), "flockd.log")
	if err := log.SetupLog(context.Background(), &coretypes.ServerLogConfig{Level: level, Filename: file}, ""); err != nil {
		t.Fatalf("setup log: %v", err)
	}
	return func() string {
		data, err := os.ReadFile(file)
		if err != nil && !os.IsNotExist(err) {
			t.Fatalf("read log: %v", err)
		}
		return string(data)
	}
}

func cycle(t *testing.T, path string) {
	t.Helper()
	l := New(path, WithDiagnostics(true))
	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l.Release()
}

// --- diagnostics ---

func TestDiagnostics_LoggedAtDebugLevel(t *testing.T) {
	p := lockPath(t)

	read := logTo(t, "info")
	cycle(t, p)
	if out := read(); strings.Contains(out, "lock acquired") {
		t.Errorf("trace lines must stay hidden at info level, got %q", out)
	}

	read = logTo(t, "debug")
	cycle(t, p)
	out := read()
	for _, want := range []string{"acquiring lock", "lock acquired", "lock released"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q at debug level, got %q", want, out)
		}
	}
	if !strings.Contains(out, `"level":"debug"`) {
		t.Errorf("trace lines must be debug level, got %q", out)
	}
}
