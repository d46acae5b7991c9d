package sim

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/faults"
)

// LineRule maps an output substring to a progress event. Rules are checked
// in order; the first match wins.
type LineRule struct {
	Substr   string
	Tag      string
	Progress int
}

// RunSpec describes one external simulator invocation.
type RunSpec struct {
	Command   []string
	Dir       string
	Env       []string // appended to the inherited environment
	Timeout   time.Duration
	Rules     []LineRule
	Lowercase bool // lowercase lines before matching
	OnEvent   func(tag string, progress int)
}

// RunStreaming launches the command, feeds merged stdout+stderr through the
// rule table line by line, and enforces the wall-clock deadline. A deadline
// expiry kills the child and reports kind=timeout; a non-zero exit reports
// kind=subprocess with the last output line as context.
func RunStreaming(ctx context.Context, spec RunSpec, log *zap.Logger) error {
	if len(spec.Command) == 0 {
		return faults.Ef(faults.Subprocess, "run simulator", "empty command")
	}
	op := "run " + filepath.Base(spec.Command[0])

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var lastLine string
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.TrimSpace(line) != "" {
				lastLine = line
			}
			log.Debug("simulator output", zap.String("line", line))
			matchLine(spec, line)
		}
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-done
		return faults.E(faults.Subprocess, op, err)
	}
	waitErr := cmd.Wait()
	pw.Close()
	<-done

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return faults.Ef(faults.Timeout, op, "killed after %s", spec.Timeout)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if waitErr != nil {
		var exit *exec.ExitError
		if errors.As(waitErr, &exit) {
			if lastLine != "" {
				return faults.Ef(faults.Subprocess, op, "exit status %d: %s", exit.ExitCode(), lastLine)
			}
			return faults.Ef(faults.Subprocess, op, "exit status %d", exit.ExitCode())
		}
		return faults.E(faults.Subprocess, op, waitErr)
	}
	return nil
}

func matchLine(spec RunSpec, line string) {
	if spec.OnEvent == nil {
		return
	}
	if spec.Lowercase {
		line = strings.ToLower(line)
	}
	for _, rule := range spec.Rules {
		if strings.Contains(line, rule.Substr) {
			spec.OnEvent(rule.Tag, rule.Progress)
			return
		}
	}
}

// resolveTool locates an external binary: a home-relative bin/ entry wins,
// then PATH, then the bare name so the exec error names the tool.
func resolveTool(home, name string) string {
	if home != "" {
		p := filepath.Join(home, "bin", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return name
}
