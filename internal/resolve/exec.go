package resolve

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// shellRun is the captured result of one shell command.
type shellRun struct {
	Stdout []byte
	Stderr []byte
}

// runShell runs command with sh -c in dir, feeding stdin, killed after limit.
// A command that outlives limit yields a TimeoutError naming operation.
func runShell(ctx context.Context, operation, dir, command string, stdin []byte, env []string, limit time.Duration) (shellRun, error) {
	t := timeout.New[shellRun](timeout.Config{DefaultTimeout: limit})

	start := time.Now()
	run, err := t.Execute(ctx, limit, func(ctx context.Context) (shellRun, error) {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = dir
		cmd.Stdin = bytes.NewReader(stdin)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if len(env) > 0 {
			cmd.Env = append(cmd.Environ(), env...)
		}
		// Children holding the pipes open must not block Wait forever.
		cmd.WaitDelay = 5 * time.Second

		err := cmd.Run()
		return shellRun{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
	})
	if err == nil {
		return run, nil
	}

	if ctx.Err() != nil {
		return run, errors.Join(errors.ErrCanceled, ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || time.Since(start) >= limit {
		return run, errors.NewTimeoutError(operation, limit).WithCause(err)
	}

	msg := strings.TrimSpace(string(run.Stderr))
	if msg == "" {
		return run, errors.Wrapf(err, "%s failed", operation)
	}
	return run, errors.Wrapf(err, "%s failed: %s", operation, msg)
}
