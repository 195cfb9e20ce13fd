package launcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type browserRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (b *browserRecorder) open(url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, url)
	return nil
}

func (b *browserRecorder) opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

func newTestLauncher(cfg Config) (*Launcher, *bytes.Buffer, *browserRecorder) {
	l := New(cfg, zap.NewNop())
	out := &bytes.Buffer{}
	rec := &browserRecorder{}
	l.out = out
	l.openBrowser = rec.open
	return l, out, rec
}

// TestHelperProcess is not a real test; it stands in for the installer and the server.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 1 && args[1] == "install" {
		fmt.Println("dependencies installed")
		os.Exit(0)
	}
	fmt.Println("INFO Started server process")
	fmt.Fprintln(os.Stderr, "INFO Application startup complete addr=0.0.0.0:8000")
	fmt.Println("INFO Application startup complete (again)")
	os.Exit(0)
}

func helperCommand(args ...string) []string {
	return append([]string{os.Args[0], "-test.run=TestHelperProcess", "--"}, args...)
}

func TestScanOutputOpensBrowserOnce(t *testing.T) {
	l, out, rec := newTestLauncher(Config{Port: 8000})

	input := "INFO Waiting for application startup.\n" +
		"INFO Application startup complete\n" +
		"INFO Application startup complete\n"
	l.scanOutput(strings.NewReader(input), "http://10.0.0.5:8000")

	if got := rec.opened(); len(got) != 1 || got[0] != "http://10.0.0.5:8000" {
		t.Fatalf("expected one browser open, got %v", got)
	}
	if out.String() != input {
		t.Fatalf("expected output to be streamed verbatim, got %q", out.String())
	}
}

func TestScanOutputWithoutMarker(t *testing.T) {
	l, _, rec := newTestLauncher(Config{Port: 8000})

	l.scanOutput(strings.NewReader("panic: model file missing\nexit status 2\n"), "http://127.0.0.1:8000")

	if got := rec.opened(); len(got) != 0 {
		t.Fatalf("browser opened without readiness marker: %v", got)
	}
}

func TestRunWithoutReload(t *testing.T) {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")

	l, out, rec := newTestLauncher(Config{
		Port:           8123,
		InstallCommand: helperCommand("install"),
		ServerCommand:  helperCommand("serve"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := out.String()
	for _, want := range []string{"dependencies installed", "Launching server at http://", "Started server process"} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected %q in output:\n%s", want, output)
		}
	}

	got := rec.opened()
	if len(got) != 1 || !strings.HasSuffix(got[0], ":8123") {
		t.Fatalf("expected one browser open on port 8123, got %v", got)
	}
}

func TestRunMissingServerBinary(t *testing.T) {
	l, _, rec := newTestLauncher(Config{
		Port:          8000,
		ServerCommand: []string{filepath.Join(t.TempDir(), "no-such-binary")},
	})

	if err := l.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing server binary")
	}
	if len(rec.opened()) != 0 {
		t.Fatal("browser opened for a server that never started")
	}
}

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	if ip == nil {
		t.Fatalf("LocalIP returned unparseable address %q", LocalIP())
	}
}

func TestWatcherSignalsSourceChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "_ignored"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	w, err := newWatcher(dir, nil, 20*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-w.Changes():
		t.Fatal("unexpected change for unwatched extension")
	case <-time.After(200 * time.Millisecond):
	}

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification for .go file")
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()

	w, err := newWatcher(dir, nil, 20*time.Millisecond, zap.NewNop())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	pkg := filepath.Join(dir, "pkg")
	scratch := filepath.Join(dir, "_scratch")
	for _, d := range []string{pkg, scratch} {
		if err := os.Mkdir(d, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(w.fsw.WatchList(), pkg) {
		if time.Now().After(deadline) {
			t.Fatalf("new directory %s never watched: %v", pkg, w.fsw.WatchList())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if slices.Contains(w.fsw.WatchList(), scratch) {
		t.Fatalf("skipped directory %s should not be watched", scratch)
	}

	if err := os.WriteFile(filepath.Join(pkg, "pkg.go"), []byte("package pkg\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected change notification for file in new directory")
	}
}

func TestSkipDir(t *testing.T) {
	cases := map[string]bool{
		".git":      true,
		"_examples": true,
		"bin":       true,
		"internal":  false,
		"web":       false,
	}
	for name, want := range cases {
		if got := skipDir(name); got != want {
			t.Fatalf("skipDir(%q) = %v, want %v", name, got, want)
		}
	}
}
