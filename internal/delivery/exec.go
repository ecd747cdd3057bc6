package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basket/opsboard/internal/shared"
)

const maxExecOutput = 2 * 1024

// ExecDeliverer runs an external session-messaging command once per
// notification. Args are passed without a shell; {address} and {content}
// are substituted per argument.
type ExecDeliverer struct {
	Command string
	Args    []string
}

func NewExecDeliverer(command string, args []string) (*ExecDeliverer, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("exec deliverer: command is required")
	}
	return &ExecDeliverer{Command: command, Args: append([]string(nil), args...)}, nil
}

func (d *ExecDeliverer) Deliver(ctx context.Context, address, content string) error {
	args := make([]string, len(d.Args))
	for i, a := range d.Args {
		a = strings.ReplaceAll(a, "{address}", address)
		args[i] = strings.ReplaceAll(a, "{content}", content)
	}

	cmd := exec.CommandContext(ctx, d.Command, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", d.Command, ctx.Err())
		}
		detail := strings.TrimSpace(errBuf.String())
		if detail == "" {
			detail = strings.TrimSpace(outBuf.String())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited %d: %s", d.Command, exitErr.ExitCode(), truncate(shared.Redact(detail), maxExecOutput))
		}
		return fmt.Errorf("%s: %w", d.Command, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
