// Package worker bridges inference to a Python subprocess running
// onnxruntime. Requests and responses are msgpack frames on stdin/stdout.
package worker

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dyzen-server-go/internal/domain/model"
	"dyzen-server-go/internal/platform/errors"
	"dyzen-server-go/internal/utils"
)

// Config describes how to launch the worker process.
type Config struct {
	Command   string
	Args      []string
	Timeout   time.Duration
	InputName string
}

// Worker serialises forward passes over a single subprocess.
type Worker struct {
	cfg    Config
	logger *utils.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID uint64
	broken atomic.Bool
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Start spawns the worker process and waits for it to answer a ping.
func Start(ctx context.Context, cfg Config, logger *utils.Logger) (*Worker, error) {
	const op = "worker.start"
	if cfg.Command == "" {
		return nil, errors.New(errors.KindConfig, op, "worker command is required")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(errors.KindModelUnavailable, op, "failed to create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(errors.KindModelUnavailable, op, "failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(errors.KindModelUnavailable, op, "failed to create stderr pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errors.Wrap(errors.KindModelUnavailable, op, "failed to start worker process", err)
	}

	w := newWorker(cfg, stdin, bufio.NewReader(stdout), logger)
	w.cmd = cmd
	w.cancel = cancel
	logger.InfoTag("MODEL", "inference worker started pid=%d cmd=%s", cmd.Process.Pid, cfg.Command)

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess()

	if err := w.Ping(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

func newWorker(cfg Config, stdin io.WriteCloser, stdout io.Reader, logger *utils.Logger) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	return &Worker{cfg: cfg, logger: logger, stdin: stdin, stdout: stdout}
}

func (w *Worker) Name() string { return "worker" }

// Ping checks that the worker answers.
func (w *Worker) Ping(ctx context.Context) error {
	_, err := w.exchange(ctx, request{Op: opPing})
	return err
}

// Run sends one tensor to the worker. Once a request has been written it is
// not cancelled; a worker that exceeds the timeout is marked broken.
func (w *Worker) Run(ctx context.Context, artifact model.Artifact, input model.Tensor) (model.Tensor, error) {
	resp, err := w.exchange(ctx, request{
		Op:    opRun,
		Model: artifact.Path,
		Input: w.cfg.InputName,
		Dims:  input.Dims,
		Data:  encodeFloats(input.Data),
	})
	if err != nil {
		return model.Tensor{}, err
	}

	data, err := decodeFloats(resp.Data)
	if err != nil {
		return model.Tensor{}, errors.Wrap(errors.KindInference, "worker.run", "malformed tensor from worker", err)
	}
	return model.Tensor{Dims: resp.Dims, Data: data}, nil
}

func (w *Worker) exchange(ctx context.Context, req request) (response, error) {
	const op = "worker.exchange"
	if err := ctx.Err(); err != nil {
		return response{}, err
	}
	if w.closed.Load() || w.broken.Load() {
		return response{}, errors.New(errors.KindModelUnavailable, op, "inference worker is not running")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	req.ID = w.nextID

	type result struct {
		resp response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := writeFrame(w.stdin, req); err != nil {
			done <- result{err: err}
			return
		}
		var resp response
		err := readFrame(w.stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			w.broken.Store(true)
			return response{}, errors.Wrap(errors.KindInference, op, "worker i/o failed", res.err)
		}
		if res.resp.ID != req.ID {
			w.broken.Store(true)
			return response{}, errors.Newf(errors.KindInference, op, "response id %d does not match request %d", res.resp.ID, req.ID)
		}
		if res.resp.Error != "" {
			return response{}, errors.New(errors.KindInference, op, res.resp.Error)
		}
		return res.resp, nil
	case <-time.After(w.cfg.Timeout):
		w.broken.Store(true)
		w.logger.ErrorTag("MODEL", "inference worker timed out after %s, marking unavailable", w.cfg.Timeout)
		w.kill()
		return response{}, errors.Newf(errors.KindInference, op, "worker timed out after %s", w.cfg.Timeout)
	}
}

func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			w.logger.ErrorTag("MODEL", "worker: %s", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			w.logger.WarnTag("MODEL", "worker: %s", line)
		default:
			w.logger.DebugTag("MODEL", "worker: %s", line)
		}
	}
}

func (w *Worker) waitProcess() {
	defer w.wg.Done()

	err := w.cmd.Wait()
	if !w.closed.Load() {
		w.broken.Store(true)
		w.logger.ErrorTag("MODEL", "inference worker exited unexpectedly: %v", err)
		return
	}
	w.logger.InfoTag("MODEL", "inference worker exited")
}

func (w *Worker) kill() {
	if w.cancel != nil {
		w.cancel()
		return
	}
	// pipes without a process: unblock pending readers and writers
	_ = w.stdin.Close()
	if c, ok := w.stdout.(io.Closer); ok {
		_ = c.Close()
	}
}

// Close stops the worker. Closing stdin asks it to exit; it is killed if it
// has not exited within five seconds.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.stdin.Close()
	if w.cmd == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		w.logger.WarnTag("MODEL", "inference worker stop timeout, killing process")
		w.cancel()
		<-done
	}
	w.cancel()
	return nil
}

var _ model.Runtime = (*Worker)(nil)
