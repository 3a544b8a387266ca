package executors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const maxCapture = 1 << 20

type procSpec struct {
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Stdin string
}

type procResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r procResult) fields(command string) map[string]any {
	return map[string]any{
		"command":  command,
		"exitCode": r.ExitCode,
		"stdout":   r.Stdout,
		"stderr":   r.Stderr,
	}
}

// runProcess starts the command in its own process group and kills the whole
// group when ctx is done. A non-zero exit is not an error here; callers
// decide what exit codes mean.
func runProcess(ctx context.Context, ps procSpec) (procResult, error) {
	cmd := exec.Command(ps.Path, ps.Args...)
	cmd.Dir = ps.Dir
	cmd.Env = ps.Env
	if ps.Stdin != "" {
		cmd.Stdin = strings.NewReader(ps.Stdin)
	}
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return procResult{ExitCode: -1}, fmt.Errorf("failed to start %s: %w", ps.Path, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return procResult{
			ExitCode: -1,
			Stdout:   truncate(stdout.String(), maxCapture),
			Stderr:   truncate(stderr.String(), maxCapture),
		}, fmt.Errorf("process killed: %w", ctx.Err())
	case err = <-done:
	}

	res := procResult{
		Stdout: truncate(stdout.String(), maxCapture),
		Stderr: truncate(stderr.String(), maxCapture),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("failed to execute %s: %w", ps.Path, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}

// exitError describes an unexpected exit code, carrying the tail of stderr
// so failure analysis has something to match on.
func exitError(what string, res procResult, want int64) error {
	msg := fmt.Sprintf("%s exited with code %d (expected %d)", what, res.ExitCode, want)
	if tail := lastLines(res.Stderr, 20); tail != "" {
		msg += ": " + tail
	} else if tail := lastLines(res.Stdout, 5); tail != "" {
		msg += ": " + tail
	}
	return errors.New(msg)
}

func lastLines(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
