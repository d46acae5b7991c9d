// Package orchestrator is the intake façade: it owns session creation,
// upload persistence, model-plan construction and handoff to the three
// queue-backed schedulers.
package orchestrator

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/registry"
	"github.com/wholehead/axon/internal/scheduler"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/sim"
	"github.com/wholehead/axon/internal/state"
	"github.com/wholehead/axon/internal/volume"
)

// IntakeResult is the /predict response body.
type IntakeResult struct {
	SessionID     string   `json:"session_id"`
	QueuePosition int      `json:"queue_position"`
	Models        []string `json:"models"`
	Space         string   `json:"space"`
}

// Orchestrator wires intake to the schedulers.
type Orchestrator struct {
	fs       *sessionfs.Store
	st       state.State
	keys     state.Keys
	bus      *events.Bus
	sched    *scheduler.Scheduler
	roast    *sim.Roast
	simnibs  *sim.Simnibs
	resample string
	clk      ident.Clock
	log      *zap.Logger
}

// New builds the orchestrator. resampleBin may be empty; conformed-space
// models then run against the native input.
func New(fs *sessionfs.Store, st state.State, keys state.Keys, bus *events.Bus,
	sched *scheduler.Scheduler, roast *sim.Roast, simnibs *sim.Simnibs,
	resampleBin string, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		fs:       fs,
		st:       st,
		keys:     keys,
		bus:      bus,
		sched:    sched,
		roast:    roast,
		simnibs:  simnibs,
		resample: resampleBin,
		clk:      ident.SystemClock(),
		log:      log,
	}
}

// Intake accepts one upload and enqueues a segmentation job for the
// requested models. The stored input is always gzipped; plain .nii uploads
// are compressed on the fly.
func (o *Orchestrator) Intake(ctx context.Context, upload io.Reader, filename, modelsParam, space string) (*IntakeResult, error) {
	gzipped, err := checkSuffix(filename)
	if err != nil {
		return nil, err
	}
	space, err = checkSpace(space)
	if err != nil {
		return nil, err
	}
	entries, err := registry.Expand(modelsParam)
	if err != nil {
		return nil, err
	}

	sid := ident.NewSessionID()
	if err := o.fs.Create(sid); err != nil {
		return nil, faults.E(faults.IO, "create session", err)
	}
	if err := o.st.SAdd(ctx, o.keys.Sessions(), sid); err != nil {
		o.log.Warn("session index update dropped", zap.String("session", sid), zap.Error(err))
	}
	o.bus.Publish(ctx, sid, events.Event{Event: "orchestrator_start"})

	native := o.fs.InputNative(sid)
	if gzipped {
		err = volume.WriteTo(native, upload)
	} else {
		err = volume.GzipTo(native, upload)
	}
	if err != nil {
		return nil, err
	}
	o.bus.Publish(ctx, sid, events.Event{Event: "input_ready"})

	steps := o.buildSteps(ctx, sid, entries)
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	job := scheduler.Job{
		SessionID: sid,
		Models:    names,
		Space:     space,
		Steps:     steps,
		CreatedAt: float64(o.clk.Now().UnixNano()) / float64(time.Second),
	}
	pos, err := o.sched.Enqueue(ctx, job)
	if err != nil {
		return nil, err
	}

	o.log.Info("job accepted",
		zap.String("session", sid),
		zap.Strings("models", names),
		zap.Int("queue_position", pos))
	return &IntakeResult{SessionID: sid, QueuePosition: pos, Models: names, Space: space}, nil
}

// buildSteps routes each model at its registry input space. The conformed
// variant is produced once by the external resampler and shared; when the
// resampler is not deployed or fails, those models fall back to the native
// input.
func (o *Orchestrator) buildSteps(ctx context.Context, sid string, entries []registry.Entry) []scheduler.Step {
	native := o.fs.InputNative(sid)
	conformed := ""
	for _, e := range entries {
		if e.Space != registry.SpaceConformed {
			continue
		}
		if conformed == "" {
			conformed = o.conformInput(ctx, sid)
		}
		break
	}

	steps := make([]scheduler.Step, len(entries))
	for i, e := range entries {
		input := native
		if e.Space == registry.SpaceConformed && conformed != "" {
			input = conformed
		}
		steps[i] = scheduler.Step{Model: e.Name, Input: input}
	}
	return steps
}

// conformInput runs the external resampler once per session, returning the
// conformed path or "" when unavailable.
func (o *Orchestrator) conformInput(ctx context.Context, sid string) string {
	dst := o.fs.InputConformed(sid)
	if _, err := os.Stat(dst); err == nil {
		return dst
	}
	if o.resample == "" {
		o.log.Warn("no resampler deployed, routing conformed models at native input", zap.String("session", sid))
		return ""
	}
	cmd := exec.CommandContext(ctx, o.resample, o.fs.InputNative(sid), dst, "--conform")
	if out, err := cmd.CombinedOutput(); err != nil {
		o.log.Warn("input conform failed, routing at native input",
			zap.String("session", sid),
			zap.ByteString("output", out),
			zap.Error(err))
		return ""
	}
	return dst
}

// SimulateRoast validates and enqueues a ROAST run against an existing
// segmentation.
func (o *Orchestrator) SimulateRoast(ctx context.Context, req sim.Request) error {
	if err := o.checkSimRequest(&req); err != nil {
		return err
	}
	return o.roast.Enqueue(ctx, req)
}

// SimulateSimnibs validates and enqueues a SimNIBS run against an existing
// segmentation.
func (o *Orchestrator) SimulateSimnibs(ctx context.Context, req sim.Request) error {
	if err := o.checkSimRequest(&req); err != nil {
		return err
	}
	return o.simnibs.Enqueue(ctx, req)
}

func (o *Orchestrator) checkSimRequest(req *sim.Request) error {
	req.Normalize()
	if err := sim.ValidateRecipe(req.Recipe); err != nil {
		return err
	}
	if _, err := registry.Lookup(req.Model); err != nil {
		return err
	}
	seg := o.fs.ModelOutput(req.SessionID, req.Model)
	if _, err := os.Stat(seg); err != nil {
		return faults.Ef(faults.MissingOutput, "simulate",
			"no %s segmentation for session %s", req.Model, req.SessionID)
	}
	return nil
}

// Busy reports whether any scheduler still owns work for the session. The
// reaper consults this before removing a session directory.
func (o *Orchestrator) Busy(ctx context.Context, sid string) (bool, error) {
	status, err := o.st.HGetAll(ctx, o.keys.JobStatus(sid))
	if err == nil {
		for _, v := range status {
			if v == "queued" || v == "waiting_gpu" || v == "running" {
				return true, nil
			}
		}
	}
	if busy, _ := o.roast.Busy(ctx, sid); busy {
		return true, nil
	}
	if busy, _ := o.simnibs.Busy(ctx, sid); busy {
		return true, nil
	}
	return false, nil
}

// PurgeState drops every shared-state key a session owns and removes it
// from the session index.
func (o *Orchestrator) PurgeState(ctx context.Context, sid string) error {
	if err := o.st.Del(ctx, o.keys.SessionKeys(sid)...); err != nil {
		return err
	}
	return o.st.SRem(ctx, o.keys.Sessions(), sid)
}

func checkSuffix(filename string) (gzipped bool, err error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		return true, nil
	case strings.HasSuffix(name, ".nii"):
		return false, nil
	}
	return false, faults.Ef(faults.InputInvalid, "intake",
		"unsupported upload %q: want .nii or .nii.gz", filename)
}

func checkSpace(space string) (string, error) {
	switch space {
	case "":
		return "native", nil
	case "native", "conformed":
		return space, nil
	}
	return "", faults.Ef(faults.InputInvalid, "intake", "unknown space %q", space)
}
