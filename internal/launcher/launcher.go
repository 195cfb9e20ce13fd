package launcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/browser"
	"go.uber.org/zap"
)

const DefaultReadinessMarker = "Application startup complete"

type Config struct {
	Port            int
	InstallCommand  []string
	BuildCommand    []string
	ServerCommand   []string
	Reload          bool
	WatchDir        string
	WatchExtensions []string
	ReadinessMarker string
	StopTimeout     time.Duration
	Debounce        time.Duration
}

// Launcher runs the server as a child process and opens a browser tab once it is ready.
type Launcher struct {
	cfg         Config
	logger      *zap.Logger
	out         io.Writer
	openBrowser func(url string) error
	browserOnce sync.Once
}

func New(cfg Config, logger *zap.Logger) *Launcher {
	if cfg.ReadinessMarker == "" {
		cfg.ReadinessMarker = DefaultReadinessMarker
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	return &Launcher{
		cfg:         cfg,
		logger:      logger.Named("launcher"),
		out:         os.Stdout,
		openBrowser: browser.OpenURL,
	}
}

// URL is where the browser is pointed.
func (l *Launcher) URL(host string) string {
	return fmt.Sprintf("http://%s:%d", host, l.cfg.Port)
}

// Run installs dependencies, then keeps the server running until ctx is done or,
// without reload, until the child exits.
func (l *Launcher) Run(ctx context.Context) error {
	if len(l.cfg.InstallCommand) > 0 {
		if err := l.runStep(ctx, "install", l.cfg.InstallCommand); err != nil {
			l.logger.Warn("dependency install failed, continuing", zap.Error(err))
		}
	}

	url := l.URL(LocalIP())
	fmt.Fprintf(l.out, "Launching server at %s\n", url)

	var changes <-chan struct{}
	if l.cfg.Reload {
		w, err := newWatcher(l.cfg.WatchDir, l.cfg.WatchExtensions, l.cfg.Debounce, l.logger)
		if err != nil {
			return err
		}
		defer w.Close()
		go w.Run(ctx)
		changes = w.Changes()
	}

	for {
		proc, err := l.start(ctx, url)
		if err != nil {
			if !l.cfg.Reload {
				return err
			}
			l.logger.Error("server failed to start, waiting for changes", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return proc.stop(l.cfg.StopTimeout)
		case err := <-proc.exited:
			if !l.cfg.Reload {
				return err
			}
			l.logger.Warn("server exited, waiting for changes", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
			}
		case <-changes:
			l.logger.Info("change detected, restarting server")
			if err := proc.stop(l.cfg.StopTimeout); err != nil {
				l.logger.Warn("server did not stop cleanly", zap.Error(err))
			}
		}
	}
}

func (l *Launcher) runStep(ctx context.Context, name string, args []string) error {
	l.logger.Info("running "+name, zap.Strings("command", args))
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = l.out
	cmd.Stderr = l.out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

type child struct {
	cmd    *exec.Cmd
	exited chan error
}

func (l *Launcher) start(ctx context.Context, url string) (*child, error) {
	if len(l.cfg.BuildCommand) > 0 {
		if err := l.runStep(ctx, "build", l.cfg.BuildCommand); err != nil {
			return nil, err
		}
	}
	if len(l.cfg.ServerCommand) == 0 {
		return nil, errors.New("no server command configured")
	}

	pr, pw := io.Pipe()
	cmd := exec.Command(l.cfg.ServerCommand[0], l.cfg.ServerCommand[1:]...)
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("start server: %w", err)
	}
	l.logger.Debug("server started", zap.Int("pid", cmd.Process.Pid))

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		l.scanOutput(pr, url)
	}()

	c := &child{cmd: cmd, exited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		pw.Close()
		<-scanned
		c.exited <- err
	}()
	return c, nil
}

// stop interrupts the child and kills it if it outlives timeout.
func (c *child) stop(timeout time.Duration) error {
	if err := c.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = c.cmd.Process.Kill()
	}

	select {
	case err := <-c.exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	case <-time.After(timeout):
		_ = c.cmd.Process.Kill()
		<-c.exited
		return fmt.Errorf("server killed after %s", timeout)
	}
}

// scanOutput copies the child's output line by line and opens the browser the first
// time any line contains the readiness marker.
func (l *Launcher) scanOutput(r io.Reader, url string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(l.out, line)
		if strings.Contains(line, l.cfg.ReadinessMarker) {
			l.browserOnce.Do(func() {
				if err := l.openBrowser(url); err != nil {
					l.logger.Warn("failed to open browser", zap.String("url", url), zap.Error(err))
				}
			})
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Warn("reading server output", zap.Error(err))
	}
	// Drain so a child writing past an oversized line never blocks on the pipe.
	_, _ = io.Copy(io.Discard, r)
}
