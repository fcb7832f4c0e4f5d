package llm

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ProcessConfig configures llama-server subprocesses.
type ProcessConfig struct {
	Bin          string
	Host         string
	PortStart    int
	PortEnd      int
	CtxSize      int
	Threads      int
	GPULayers    int
	ExtraArgs    []string
	ReadyTimeout time.Duration
}

const (
	defaultReadyTimeout = 60 * time.Second
	stopGrace           = 2 * time.Second
	stderrTailBytes     = 4096
)

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.n {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.n:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// process is one running llama-server bound to a single model.
type process struct {
	cmd     *exec.Cmd
	baseURL string
	pid     int
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
	log     zerolog.Logger

	stopOnce sync.Once
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	lastColon := strings.LastIndex(addr, ":")
	if lastColon < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[lastColon+1:])
}

// serverArgs builds the llama-server command line for modelPath.
func (cfg ProcessConfig) serverArgs(modelPath, host string, port int, dev Device, dtype DType) []string {
	args := []string{
		"-m", modelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if cfg.CtxSize > 0 {
		args = append(args, "-c", strconv.Itoa(cfg.CtxSize))
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	args = append(args, dev.serverArgs(cfg.GPULayers)...)
	args = append(args, dtype.serverArgs()...)
	args = append(args, cfg.ExtraArgs...)
	return args
}

// startProcess spawns llama-server for modelPath and blocks until /health
// answers, the process exits, ctx ends, or the ready timeout elapses.
func startProcess(ctx context.Context, cfg ProcessConfig, modelPath string, dev Device, dtype DType, hc *http.Client, log zerolog.Logger) (*process, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	var port int
	var err error
	if cfg.PortStart > 0 && cfg.PortEnd >= cfg.PortStart {
		port, err = pickPortInRange(host, cfg.PortStart, cfg.PortEnd)
	} else {
		port, err = pickFreePort(host)
	}
	if err != nil {
		return nil, err
	}
	baseURL := "http://" + net.JoinHostPort(host, strconv.Itoa(port))

	bin := cfg.Bin
	if bin == "" {
		bin = "llama-server"
	}
	cmd := exec.Command(bin, cfg.serverArgs(modelPath, host, port, dev, dtype)...)
	tail := &tailBuffer{n: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	p := &process{
		cmd:     cmd,
		baseURL: baseURL,
		pid:     cmd.Process.Pid,
		stderr:  tail,
		exited:  make(chan struct{}),
		log:     log.With().Str("model", modelPath).Int("pid", cmd.Process.Pid).Logger(),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	p.log.Info().Str("event", "spawn_start").Str("url", baseURL).Str("device", dev.String()).Msg("llama-server started")

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = defaultReadyTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	cl := newClient(baseURL, hc)
	for {
		select {
		case <-p.exited:
			if p.waitErr != nil {
				p.log.Warn().Str("event", "spawn_exit").Err(p.waitErr).Msg("llama-server exited early")
				return nil, fmt.Errorf("llama-server exited early: %v; stderr tail: %s", p.waitErr, tail.String())
			}
			p.log.Warn().Str("event", "spawn_exit").Bool("before_ready", true).Msg("llama-server exited before ready")
			return nil, fmt.Errorf("llama-server exited before ready: %s", baseURL)
		case <-deadline.C:
			p.log.Warn().Str("event", "spawn_timeout").Dur("timeout", timeout).Msg("llama-server not ready")
			_ = p.stop()
			return nil, fmt.Errorf("llama-server not ready in %s: %s", timeout, baseURL)
		case <-ctx.Done():
			_ = p.stop()
			return nil, ctx.Err()
		default:
		}

		hctx, cancel := context.WithTimeout(ctx, time.Second)
		herr := cl.health(hctx)
		cancel()
		if herr == nil {
			p.log.Info().Str("event", "spawn_ready").Str("url", baseURL).Msg("llama-server ready")
			return p, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// alive reports whether the subprocess is still running.
func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// stop sends SIGTERM and falls back to kill after a grace period. Safe to
// call more than once.
func (p *process) stop() error {
	p.stopOnce.Do(func() {
		if p.cmd == nil || p.cmd.Process == nil || !p.alive() {
			return
		}
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.log.Info().Str("event", "spawn_stop").Msg("llama-server stopped")
	})
	return nil
}
