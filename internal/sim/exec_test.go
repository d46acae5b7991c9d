package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/faults"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type eventRec struct {
	tag string
	pct int
}

func TestRunStreamingMatchesRules(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sim.sh", `
echo "phase one starting"
echo "irrelevant chatter"
echo "phase two starting"
`)
	var got []eventRec
	spec := RunSpec{
		Command: []string{bin},
		Rules: []LineRule{
			{Substr: "phase one", Tag: "one", Progress: 10},
			{Substr: "phase two", Tag: "two", Progress: 20},
		},
		OnEvent: func(tag string, pct int) { got = append(got, eventRec{tag, pct}) },
	}

	require.NoError(t, RunStreaming(context.Background(), spec, zap.NewNop()))
	assert.Equal(t, []eventRec{{"one", 10}, {"two", 20}}, got)
}

func TestRunStreamingFirstRuleWins(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sim.sh", `echo "alpha beta"`)
	var got []eventRec
	spec := RunSpec{
		Command: []string{bin},
		Rules: []LineRule{
			{Substr: "alpha", Tag: "a", Progress: 1},
			{Substr: "beta", Tag: "b", Progress: 2},
		},
		OnEvent: func(tag string, pct int) { got = append(got, eventRec{tag, pct}) },
	}

	require.NoError(t, RunStreaming(context.Background(), spec, zap.NewNop()))
	assert.Equal(t, []eventRec{{"a", 1}}, got)
}

func TestRunStreamingLowercasesBeforeMatching(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sim.sh", `echo "REGISTERING Atlas"`)
	var got []eventRec
	spec := RunSpec{
		Command:   []string{bin},
		Lowercase: true,
		Rules:     []LineRule{{Substr: "registering", Tag: "reg", Progress: 10}},
		OnEvent:   func(tag string, pct int) { got = append(got, eventRec{tag, pct}) },
	}

	require.NoError(t, RunStreaming(context.Background(), spec, zap.NewNop()))
	assert.Equal(t, []eventRec{{"reg", 10}}, got)
}

func TestRunStreamingKillsOnTimeout(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, t.TempDir(), "sim.sh", `
touch partial.nii
sleep 10
`)
	spec := RunSpec{Command: []string{bin}, Dir: dir, Timeout: 200 * time.Millisecond}

	start := time.Now()
	err := RunStreaming(context.Background(), spec, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, faults.Timeout, faults.KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	// The workdir is left in place after the kill.
	_, statErr := os.Stat(filepath.Join(dir, "partial.nii"))
	assert.NoError(t, statErr)
}

func TestRunStreamingReportsExitStatus(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "sim.sh", `
echo "something went sideways" >&2
exit 3
`)
	err := RunStreaming(context.Background(), RunSpec{Command: []string{bin}}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, faults.Subprocess, faults.KindOf(err))
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "something went sideways")
}

func TestRunStreamingRunsInDir(t *testing.T) {
	dir := t.TempDir()
	bin := writeScript(t, t.TempDir(), "sim.sh", `touch marker`)

	require.NoError(t, RunStreaming(context.Background(), RunSpec{Command: []string{bin}, Dir: dir}, zap.NewNop()))
	_, err := os.Stat(filepath.Join(dir, "marker"))
	assert.NoError(t, err)
}

func TestResolveToolPrefersHomeBin(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "bin"), 0o755))
	writeScript(t, filepath.Join(home, "bin"), "charm", "exit 0")

	// 1. A home-relative install wins.
	assert.Equal(t, filepath.Join(home, "bin", "charm"), resolveTool(home, "charm"))

	// 2. Known PATH binaries resolve without a home.
	got := resolveTool("", "sh")
	assert.NotEqual(t, "sh", got)

	// 3. Unknown tools fall through to the bare name.
	assert.Equal(t, "no-such-tool-anywhere", resolveTool("", "no-such-tool-anywhere"))
}
