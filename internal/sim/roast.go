package sim

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/volume"
)

// simulationTag names the run inside the ROAST launcher; output artifacts
// embed it.
const simulationTag = "tDCSLAB"

// roastRules maps launcher output to the progress ladder. The launcher
// numbers its phases; the COMPLETE marker lands the terminal event.
var roastRules = []LineRule{
	{Substr: "STEP 2.5", Tag: "roast_step_csf_fix", Progress: 10},
	{Substr: "STEP 3", Tag: "roast_step_electrode", Progress: 20},
	{Substr: "STEP 4", Tag: "roast_step_mesh", Progress: 35},
	{Substr: "STEP 5", Tag: "roast_step_solve", Progress: 60},
	{Substr: "STEP 6", Tag: "roast_step_postprocess", Progress: 85},
	{Substr: "ROAST_RUN: COMPLETE", Tag: "roast_complete", Progress: 100},
}

// roastOutputs maps a result kind to its artifact in the working directory.
var roastOutputs = map[string]string{
	"voltage": "T1_" + simulationTag + "_v.nii",
	"efield":  "T1_" + simulationTag + "_e.nii",
	"emag":    "T1_" + simulationTag + "_emag.nii",
}

// RoastOptions tune one ROAST scheduler.
type RoastOptions struct {
	BuildDir      string        // compiled launcher directory
	MatlabRuntime string        // MATLAB runtime root passed to the launcher
	Workers       int           // pool size
	Timeout       time.Duration // per-run wall clock
	Poll          time.Duration // queue poll, defaulted
	Clock         ident.Clock   // defaulted to the system clock
}

// Roast schedules runs of the compiled ROAST volume conductor.
type Roast struct {
	deps Deps
	opts RoastOptions
	pool *pool
	log  *zap.Logger
}

// NewRoast builds the scheduler; call Run to start draining the queue.
func NewRoast(deps Deps, opts RoastOptions) *Roast {
	log := deps.Log.Named("roast")
	r := &Roast{deps: deps, opts: opts, log: log}
	r.pool = newPool(deps.Keys.RoastQueue(), deps.State, opts.Workers, opts.Poll, opts.Clock, log, r.execute)
	return r
}

// Enqueue validates and persists the request, then queues the session.
func (r *Roast) Enqueue(ctx context.Context, req Request) error {
	req.Normalize()
	if err := ValidateRecipe(req.Recipe); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return faults.E(faults.InputInvalid, "encode roast request", err)
	}
	if err := r.deps.State.Set(ctx, r.deps.Keys.RoastData(req.SessionID), string(payload), 0); err != nil {
		return err
	}
	r.setStatus(ctx, req.SessionID, "queued")
	r.setProgress(ctx, req.SessionID, 0)
	return r.deps.State.RPush(ctx, r.deps.Keys.RoastQueue(), req.SessionID)
}

// Run drains the queue until ctx is canceled.
func (r *Roast) Run(ctx context.Context) error {
	return r.pool.Run(ctx)
}

// Busy reports whether the session has a run queued or running, for the
// session reaper.
func (r *Roast) Busy(ctx context.Context, sid string) (bool, error) {
	status, err := r.deps.State.Get(ctx, r.deps.Keys.RoastStatus(sid))
	if err != nil {
		return false, nil
	}
	return status == "queued" || status == "running", nil
}

// OutputPath resolves a result kind to its artifact on disk.
func (r *Roast) OutputPath(sid, kind string) (string, error) {
	name, ok := roastOutputs[kind]
	if !ok {
		return "", faults.Ef(faults.InputInvalid, "roast result", "unknown result kind %q", kind)
	}
	dir, err := r.deps.FS.RoastDir(sid)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		return "", faults.Ef(faults.MissingOutput, "roast result", "no %s artifact for session %s", kind, sid)
	}
	return path, nil
}

func (r *Roast) execute(ctx context.Context, sid string) {
	raw, err := r.deps.State.Get(ctx, r.deps.Keys.RoastData(sid))
	if err != nil {
		r.fail(ctx, sid, "", faults.E(faults.SharedState, "roast payload", err))
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		r.fail(ctx, sid, "", faults.E(faults.InputInvalid, "decode roast payload", err))
		return
	}

	last := -1
	emit := func(tag string, pct int) {
		if pct <= last {
			return
		}
		last = pct
		r.deps.Bus.Publish(ctx, sid, events.Event{Event: tag, Progress: pct, Model: req.Model})
		r.setProgress(ctx, sid, pct)
	}

	r.setStatus(ctx, sid, "running")
	emit("roast_start", 2)
	r.log.Info("roast run started", zap.String("session", sid), zap.String("model", req.Model))

	dir, err := r.deps.FS.RoastDir(sid)
	if err != nil {
		r.fail(ctx, sid, req.Model, faults.E(faults.IO, "roast workdir", err))
		return
	}
	if err := r.prepare(sid, req, dir); err != nil {
		r.fail(ctx, sid, req.Model, err)
		return
	}
	emit("roast_prepare", 5)

	launcher := filepath.Join(r.opts.BuildDir, "run_roast_run.sh")
	_ = os.Chmod(launcher, 0o755)
	spec := RunSpec{
		Command: []string{launcher, r.opts.MatlabRuntime, "config.json"},
		Dir:     dir,
		Timeout: r.opts.Timeout,
		Rules:   roastRules,
		OnEvent: emit,
	}
	if err := RunStreaming(ctx, spec, r.log); err != nil {
		r.fail(ctx, sid, req.Model, err)
		return
	}

	if err := verifyRoastOutputs(dir); err != nil {
		r.fail(ctx, sid, req.Model, err)
		return
	}
	emit("roast_complete", 100)
	r.setStatus(ctx, sid, "complete")
	r.deps.Met.SimRuns.WithLabelValues("roast", "complete").Inc()
	r.log.Info("roast run complete", zap.String("session", sid))
}

// prepare stages the working directory: gunzipped T1 and segmentation under
// the filenames the launcher expects, plus the dummy gray-matter mask that
// makes it skip its own segmentation phase.
func (r *Roast) prepare(sid string, req Request, dir string) error {
	t1 := filepath.Join(dir, "T1.nii")
	if err := volume.GunzipFile(t1, r.deps.FS.InputNative(sid)); err != nil {
		return err
	}
	seg := r.deps.FS.ModelOutput(sid, req.Model)
	if _, err := os.Stat(seg); err != nil {
		return faults.Ef(faults.MissingOutput, "roast prepare", "no segmentation output for model %q", req.Model)
	}
	if err := volume.GunzipFile(filepath.Join(dir, "T1_T1orT2_masks.nii"), seg); err != nil {
		return err
	}
	if err := volume.CopyFile(filepath.Join(dir, "c1T1_T1orT2.nii"), t1); err != nil {
		return err
	}

	cfg := RoastConfig{
		T1Path:        "T1.nii",
		Recipe:        req.Recipe,
		ElecType:      req.ElecType,
		ElecSize:      req.ElecSize,
		ElecOri:       req.ElecOri,
		MeshOptions:   DefaultMeshOptions(),
		SimulationTag: simulationTag,
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return faults.E(faults.InputInvalid, "encode roast config", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), payload, 0o644); err != nil {
		return faults.E(faults.IO, "write roast config", err)
	}
	return nil
}

func verifyRoastOutputs(dir string) error {
	var missing []string
	for kind, name := range roastOutputs {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			missing = append(missing, kind)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return faults.Ef(faults.MissingOutput, "roast collect", "missing outputs: %v", missing)
	}
	return nil
}

func (r *Roast) fail(ctx context.Context, sid, model string, err error) {
	kind := string(faults.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	r.log.Error("roast run failed",
		zap.String("session", sid),
		zap.String("model", model),
		zap.String("kind", kind),
		zap.Error(err))
	r.deps.Bus.Publish(ctx, sid, events.Failure("roast_error", model, kind, err.Error()))
	r.setStatus(ctx, sid, "error")
	r.setProgress(ctx, sid, -1)
	r.deps.Met.SimRuns.WithLabelValues("roast", "error").Inc()
}

func (r *Roast) setStatus(ctx context.Context, sid, status string) {
	if err := r.deps.State.Set(ctx, r.deps.Keys.RoastStatus(sid), status, 0); err != nil {
		r.log.Warn("roast status update dropped", zap.String("session", sid), zap.Error(err))
	}
}

func (r *Roast) setProgress(ctx context.Context, sid string, pct int) {
	if err := r.deps.State.Set(ctx, r.deps.Keys.RoastProgress(sid), strconv.Itoa(pct), 0); err != nil {
		r.log.Warn("roast progress update dropped", zap.String("session", sid), zap.Error(err))
	}
}
