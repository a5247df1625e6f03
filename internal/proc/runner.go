package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
)

type StderrFunc func(ctx context.Context, line string)

// Runner supervises a single external process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Env     []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Start runs the underlying process; only one process per Runner may be active,
// a second call returns ErrInProgress. Start does NOT wait for the process to
// finish, use ResultsChan for that.
// A goroutine monitors the process and another one reads stderr when stderrFunc is set.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
		Env:  append([]string(nil), proto.Env...),
		Err:  nil,
	}

	if proto.Timeout == 0 {
		slog.DebugContext(ctx, "command has no timeout", "path", proto.Path)
		ctx, r.cancelFunc = context.WithCancel(ctx)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if len(r.result.Env) > 0 {
		cmd.Env = append(os.Environ(), r.result.Env...)
	}
	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			r.cancelFunc()
			return fmt.Errorf("stderr pipe: %w", err)
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.cancelFunc()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd

	var stderrDone chan struct{}
	if stderr != nil {
		stderrDone = make(chan struct{})
		go func() {
			defer close(stderrDone)
			processStderr(ctx, stderr, stderrFunc)
		}()
	}
	go r.wait(cmd, r.cancelFunc, stderrDone)
	return nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd, cancel context.CancelFunc, stderrDone <-chan struct{}) {
	// all reads from the stderr pipe must finish before Wait closes it
	if stderrDone != nil {
		<-stderrDone
	}
	err := cmd.Wait()
	cancel()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	r.cancelFunc = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// ResultsChan returns a channel receiving the result of the running process.
// The channel is closed after the result is sent. When nothing runs, the last
// result is delivered immediately.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the last process result
// or a result with ErrNotStarted if nothing has been executed yet.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

// Running reports whether a process is active.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

// Close kills a running process. It does not wait for it to exit.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}

// Output runs cmd to completion and returns its result. A non-zero exit is
// reported through Result.Err.
func Output(ctx context.Context, cmd Command) (Result, error) {
	r := NewRunner()
	if err := r.Start(ctx, cmd, nil); err != nil {
		return r.LastResult(), err
	}
	select {
	case res := <-r.ResultsChan():
		return res, res.Err
	case <-ctx.Done():
		r.Close()
		res := <-r.ResultsChan()
		return res, ctx.Err()
	}
}
