package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// maxOutputTail bounds the process output kept for diagnostics.
const maxOutputTail = 2048

// splitCommand parses a command line into program and leading arguments.
func splitCommand(command string) (string, []string, error) {
	words, err := shellwords.Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(words) == 0 {
		return "", nil, errors.New("empty command")
	}
	return words[0], words[1:], nil
}

// runCommand executes command with extra args in dir, bounded by timeout.
// It returns the tail of the combined output alongside any error.
func runCommand(ctx context.Context, timeout time.Duration, dir, command string, args ...string) (string, error) {
	program, base, err := splitCommand(command)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, program, append(base, args...)...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%s timed out after %s", program, timeout)
	}
	return tail(out.String()), err
}

// lookPath reports the resolved path of a command's program, if installed.
func lookPath(command string) (string, bool) {
	program, _, err := splitCommand(command)
	if err != nil {
		return "", false
	}
	path, err := exec.LookPath(program)
	if err != nil {
		return "", false
	}
	return path, true
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutputTail {
		return s
	}
	return s[len(s)-maxOutputTail:]
}
