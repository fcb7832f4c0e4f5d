//go:build integration
// +build integration

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/internal/e2e/helpers_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func goBuild(t *testing.T, out, pkg string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), out)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Dir = projectRootFromThisFile(t)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s: %v\n%s", pkg, err, b)
	}
	return bin
}

// createTempModelsDir creates a directory holding empty checkpoints.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// proc is a running chatd speaking the line protocol.
type proc struct {
	t      *testing.T
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	stderr *bytes.Buffer
}

func startChatd(t *testing.T, args ...string) *proc {
	t.Helper()
	bin := goBuild(t, "chatd", "./cmd/chatd")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("stdout: %v", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start chatd: %v", err)
	}
	p := &proc{t: t, cmd: cmd, stdin: stdin, lines: bufio.NewScanner(stdout), stderr: &stderr}
	t.Cleanup(func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	})
	return p
}

func (p *proc) send(line string) {
	p.t.Helper()
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		p.t.Fatalf("write %q: %v", line, err)
	}
}

func (p *proc) next() string {
	p.t.Helper()
	if !p.lines.Scan() {
		p.t.Fatalf("chatd closed stdout: %v\nstderr:\n%s", p.lines.Err(), p.stderr.String())
	}
	return p.lines.Text()
}

func (p *proc) call(line string) string {
	p.t.Helper()
	p.send(line)
	return p.next()
}

func decode(t *testing.T, line string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return m
}

func contentOf(t *testing.T, line string) (string, bool) {
	t.Helper()
	res, ok := decode(t, line)["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result object in %s", line)
	}
	msg := res["message"].(map[string]any)
	return msg["content"].(string), res["done"].(bool)
}

func hasPrefix(line, prefix string) bool { return strings.HasPrefix(line, prefix) }
