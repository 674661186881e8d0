package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one line of child output, without its trailing newline.
type Line struct {
	Stream Stream
	Text   string
}

type LaunchRequest struct {
	Command string
	Args    []string
	// Dir is the child's working directory.
	Dir string
	// PathDirs are prepended to PATH, so that binaries in them shadow system ones.
	PathDirs []string
	// Env holds KEY=VALUE overrides on top of the parent environment.
	Env []string
}

// Task is a supervised child process.
// Output lines must be drained from Lines, otherwise the child blocks once the buffer fills.
type Task struct {
	ID  string
	PID int

	lines    chan Line
	done     chan struct{}
	exitCode int
	err      error
}

// Lines returns the child's output. The channel is closed once the process has exited and its output is drained.
func (t *Task) Lines() <-chan Line { return t.lines }

// Done is closed when the process has exited.
func (t *Task) Done() <-chan struct{} { return t.done }

// ExitCode returns the exit code, or -1 if the process was killed by a signal. Only valid after Done is closed.
func (t *Task) ExitCode() int { return t.exitCode }

// Err returns a non-exit error from waiting on the process, if any. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Launch starts the process and returns immediately. The process is killed if ctx is canceled.
func Launch(ctx context.Context, req LaunchRequest) (*Task, error) {
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = Environ(os.Environ(), req.PathDirs, req.Env)
	cmd.WaitDelay = 5 * time.Second

	t := &Task{
		ID:       uuid.NewString(),
		lines:    make(chan Line, 64),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	stdout := &lineWriter{stream: Stdout, lines: t.lines}
	stderr := &lineWriter{stream: Stderr, lines: t.lines}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", req.Command, err)
	}
	t.PID = cmd.Process.Pid

	go func() {
		err := cmd.Wait()
		stdout.flush()
		stderr.flush()
		t.exitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				t.err = err
			}
		}
		close(t.lines)
		close(t.done)
	}()

	return t, nil
}

// Environ returns base with overrides applied and PATH prefixed by pathDirs.
func Environ(base []string, pathDirs []string, overrides []string) []string {
	env := make([]string, 0, len(base)+len(overrides)+1)
	index := map[string]int{}
	set := func(kv string) {
		k, _, _ := strings.Cut(kv, "=")
		if i, ok := index[k]; ok {
			env[i] = kv
			return
		}
		index[k] = len(env)
		env = append(env, kv)
	}
	for _, kv := range base {
		set(kv)
	}
	for _, kv := range overrides {
		set(kv)
	}
	if len(pathDirs) > 0 {
		dirs := append([]string{}, pathDirs...)
		if i, ok := index["PATH"]; ok {
			if cur := strings.TrimPrefix(env[i], "PATH="); cur != "" {
				dirs = append(dirs, cur)
			}
		}
		set("PATH=" + strings.Join(dirs, string(os.PathListSeparator)))
	}
	return env
}

// lineWriter splits written bytes into lines and sends them on a channel.
// Each instance is written to by a single goroutine (os/exec copies each stream separately).
type lineWriter struct {
	stream Stream
	lines  chan<- Line
	buf    []byte
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.send(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(b), nil
}

func (w *lineWriter) send(b []byte) {
	w.lines <- Line{Stream: w.stream, Text: strings.TrimRight(string(b), "\r")}
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.send(w.buf)
		w.buf = nil
	}
}
