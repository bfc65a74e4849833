package cmd

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"unicode/utf8"

	"github.com/cocoonstack/flockd/queue"
)

func TestCommandHandler(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()
	job := &queue.Job{ID: "j1", Data: json.RawMessage(`{"n":2}`)}

	out, err := commandHandler([]string{"cat"})(ctx, job)
	if err != nil {
		t.Fatalf("cat: %v", err)
	}
	if string(out) != `{"n":2}` {
		t.Errorf("JSON output should pass through, got %s", out)
	}

	out, err = commandHandler([]string{"sh", "-c", `echo "done $FLOCKD_JOB_ID"`})(ctx, job)
	if err != nil {
		t.Fatalf("sh: %v", err)
	}
	if string(out) != `"done j1"` {
		t.Errorf("plain output should become a JSON string, got %s", out)
	}

	if _, err := commandHandler([]string{"sh", "-c", "echo bad >&2; exit 3"})(ctx, job); err == nil {
		t.Error("expected error from failing command")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("expected unchanged, got %q", got)
	}
	if got := truncate("0123456789abcdef", 10); got != "0123456..." {
		t.Errorf("unexpected truncation %q", got)
	}
	if got := truncate(`{"name":"日本語のデータです"}`, 13); got != `{"name":"日..." || !utf8.ValidString(got) {
		t.Errorf("multi-byte data must be cut on a rune boundary, got %q", got)
	}
}
