package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Binary and ProbeBinary are the executables invoked. Tests and deployments
// with non-standard installs may override them.
var (
	Binary      = "ffmpeg"
	ProbeBinary = "ffprobe"
)

func run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &Error{Args: args, Stderr: stderr.String(), Err: err}
	}
	return nil
}

// Error is a failed ffmpeg run.
type Error struct {
	Args   []string
	Stderr string
	Err    error
}

// Error reports the exit error and the last lines of stderr.
func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	if tail := strings.Join(lines, "\n"); tail != "" {
		return fmt.Sprintf("ffmpeg: %v: %s", e.Err, tail)
	}
	return fmt.Sprintf("ffmpeg: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Command returns the invocation as a shell-like string.
func (e *Error) Command() string {
	return Binary + " " + strings.Join(e.Args, " ")
}
