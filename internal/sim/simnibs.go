package sim

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/volume"
)

const (
	charmSubject = "subject"
	solveStart   = 68
	solveCeiling = 88
	solveTick    = 10 * time.Second
)

// charmRules track the head mesher's phases. Lines are lowercased first.
var charmRules = []LineRule{
	{Substr: "registering", Tag: "simnibs_charm_register", Progress: 10},
	{Substr: "segmenting", Tag: "simnibs_charm_segment", Progress: 20},
	{Substr: "classif", Tag: "simnibs_charm_classify", Progress: 30},
	{Substr: "surface", Tag: "simnibs_charm_surface", Progress: 40},
	{Substr: "meshing", Tag: "simnibs_charm_mesh", Progress: 50},
	{Substr: "finaliz", Tag: "simnibs_charm_finalize", Progress: 57},
	{Substr: "saving", Tag: "simnibs_charm_save", Progress: 59},
}

// simnibsOutputs maps a result kind to its collected artifact name. The
// solver emits no standalone E-field volume, so efield aliases the
// magnitude.
var simnibsOutputs = map[string]string{
	"voltage": "voltage.nii.gz",
	"emag":    "emag.nii.gz",
	"efield":  "emag.nii.gz",
}

// SimnibsOptions tune one SimNIBS scheduler.
type SimnibsOptions struct {
	Home    string        // SimNIBS install root; bin/ holds charm and run_simnibs
	Workers int           // pool size
	Timeout time.Duration // per-subprocess wall clock
	Poll    time.Duration // queue poll, defaulted
	Clock   ident.Clock   // defaulted to the system clock
}

// Simnibs schedules charm head meshing followed by the FEM solve.
type Simnibs struct {
	deps Deps
	opts SimnibsOptions
	pool *pool
	clk  ident.Clock
	log  *zap.Logger
}

// NewSimnibs builds the scheduler; call Run to start draining the queue.
func NewSimnibs(deps Deps, opts SimnibsOptions) *Simnibs {
	log := deps.Log.Named("simnibs")
	clk := opts.Clock
	if clk == nil {
		clk = ident.SystemClock()
	}
	s := &Simnibs{deps: deps, opts: opts, clk: clk, log: log}
	s.pool = newPool(deps.Keys.SimnibsQueue(), deps.State, opts.Workers, opts.Poll, clk, log, s.execute)
	return s
}

// Enqueue validates and persists the request, then queues the session.
func (s *Simnibs) Enqueue(ctx context.Context, req Request) error {
	req.Normalize()
	if err := ValidateRecipe(req.Recipe); err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return faults.E(faults.InputInvalid, "encode simnibs request", err)
	}
	if err := s.deps.State.Set(ctx, s.deps.Keys.SimnibsData(req.SessionID), string(payload), 0); err != nil {
		return err
	}
	s.setStatus(ctx, req.SessionID, req.Model, "queued")
	s.setProgress(ctx, req.SessionID, req.Model, 0)
	return s.deps.State.RPush(ctx, s.deps.Keys.SimnibsQueue(), req.SessionID)
}

// Run drains the queue until ctx is canceled.
func (s *Simnibs) Run(ctx context.Context) error {
	return s.pool.Run(ctx)
}

// Busy reports whether any model's run is queued or running for the session.
func (s *Simnibs) Busy(ctx context.Context, sid string) (bool, error) {
	status, err := s.deps.State.HGetAll(ctx, s.deps.Keys.SimnibsStatus(sid))
	if err != nil {
		return false, nil
	}
	for _, v := range status {
		if v == "queued" || v == "running" {
			return true, nil
		}
	}
	return false, nil
}

// OutputPath resolves a result kind to its collected artifact on disk.
func (s *Simnibs) OutputPath(sid, model, kind string) (string, error) {
	name, ok := simnibsOutputs[kind]
	if !ok {
		return "", faults.Ef(faults.InputInvalid, "simnibs result", "unknown result kind %q", kind)
	}
	dir, err := s.deps.FS.SimnibsDir(sid, model)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "outputs", name)
	if _, err := os.Stat(path); err != nil {
		return "", faults.Ef(faults.MissingOutput, "simnibs result", "no %s artifact for session %s model %s", kind, sid, model)
	}
	return path, nil
}

func (s *Simnibs) execute(ctx context.Context, sid string) {
	raw, err := s.deps.State.Get(ctx, s.deps.Keys.SimnibsData(sid))
	if err != nil {
		s.fail(ctx, sid, "", faults.E(faults.SharedState, "simnibs payload", err))
		return
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		s.fail(ctx, sid, "", faults.E(faults.InputInvalid, "decode simnibs payload", err))
		return
	}

	last := -1
	emit := func(tag string, pct int) {
		if pct <= last {
			return
		}
		last = pct
		s.deps.Bus.Publish(ctx, sid, events.Event{Event: tag, Progress: pct, Model: req.Model})
		s.setProgress(ctx, sid, req.Model, pct)
	}

	s.setStatus(ctx, sid, req.Model, "running")
	emit("simnibs_start", 2)
	s.log.Info("simnibs run started", zap.String("session", sid), zap.String("model", req.Model))

	dir, err := s.deps.FS.SimnibsDir(sid, req.Model)
	if err != nil {
		s.fail(ctx, sid, req.Model, faults.E(faults.IO, "simnibs workdir", err))
		return
	}
	if err := volume.GunzipFile(filepath.Join(dir, "T1.nii"), s.deps.FS.InputNative(sid)); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}
	emit("simnibs_prepare", 4)

	if err := s.stageSegmentation(sid, req.Model, dir); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}
	emit("simnibs_seg_ready", 6)

	emit("simnibs_charm", 8)
	if err := s.runCharm(ctx, dir, emit); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}
	mesh := filepath.Join(dir, "m2m_"+charmSubject, charmSubject+".msh")
	if _, err := os.Stat(mesh); err != nil {
		s.fail(ctx, sid, req.Model, faults.Ef(faults.MissingOutput, "simnibs charm", "head mesh %s not produced", mesh))
		return
	}
	emit("simnibs_charm_done", 62)

	if err := writeFEMSpec(dir, mesh, req); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}
	emit("simnibs_fem_setup", 65)

	emit("simnibs_fem_solve", solveStart)
	if err := s.runSolve(ctx, dir, emit); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}

	emit("simnibs_post", 90)
	if err := collectSimnibsOutputs(dir); err != nil {
		s.fail(ctx, sid, req.Model, err)
		return
	}
	emit("simnibs_complete", 100)
	s.setStatus(ctx, sid, req.Model, "complete")
	s.deps.Met.SimRuns.WithLabelValues("simnibs", "complete").Inc()
	s.log.Info("simnibs run complete", zap.String("session", sid), zap.String("model", req.Model))
}

// stageSegmentation remaps the model's labels into mesher tissue indices and
// writes them where charm's precomputed-segmentation flag points.
func (s *Simnibs) stageSegmentation(sid, model, dir string) error {
	seg := s.deps.FS.ModelOutput(sid, model)
	if _, err := os.Stat(seg); err != nil {
		return faults.Ef(faults.MissingOutput, "simnibs prepare", "no segmentation output for model %q", model)
	}
	lv, err := s.deps.Vols.LoadLabels(seg)
	if err != nil {
		return err
	}
	RemapLabels(lv)
	return s.deps.Vols.SaveLabels(filepath.Join(dir, "seg.nii.gz"), lv)
}

func (s *Simnibs) env() []string {
	if s.opts.Home == "" {
		return nil
	}
	return []string{"PATH=" + filepath.Join(s.opts.Home, "bin") + string(os.PathListSeparator) + os.Getenv("PATH")}
}

func (s *Simnibs) runCharm(ctx context.Context, dir string, emit func(string, int)) error {
	spec := RunSpec{
		Command:   []string{resolveTool(s.opts.Home, "charm"), charmSubject, "T1.nii", "--precomputed_seg", "seg.nii.gz"},
		Dir:       dir,
		Env:       s.env(),
		Timeout:   s.opts.Timeout,
		Rules:     charmRules,
		Lowercase: true,
		OnEvent:   emit,
	}
	return RunStreaming(ctx, spec, s.log)
}

// runSolve runs the FEM solver in the background while ticking progress
// toward the ceiling, so long solves keep the stream alive.
func (s *Simnibs) runSolve(ctx context.Context, dir string, emit func(string, int)) error {
	spec := RunSpec{
		Command: []string{resolveTool(s.opts.Home, "run_simnibs"), "fem.json"},
		Dir:     dir,
		Env:     s.env(),
		Timeout: s.opts.Timeout,
	}
	done := make(chan error, 1)
	go func() { done <- RunStreaming(ctx, spec, s.log) }()

	ticker := s.clk.Ticker(solveTick)
	defer ticker.Stop()
	pct := solveStart
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if pct < solveCeiling {
				pct += 2
				emit("simnibs_fem_solve", pct)
			}
		}
	}
}

func writeFEMSpec(dir, mesh string, req Request) error {
	electrodes, err := BuildElectrodes(req)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dir, mesh)
	if err != nil {
		rel = mesh
	}
	spec := FEMSpec{MeshPath: rel, OutputDir: "fem", Electrodes: electrodes}
	payload, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return faults.E(faults.InputInvalid, "encode fem spec", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "fem.json"), payload, 0o644); err != nil {
		return faults.E(faults.IO, "write fem spec", err)
	}
	return nil
}

// collectSimnibsOutputs finds the solver artifacts anywhere under the
// working directory and copies them to stable names.
func collectSimnibsOutputs(dir string) error {
	out := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(out, 0o755); err != nil {
		return faults.E(faults.IO, "simnibs collect", err)
	}

	emag, ok := findFile(dir, charmSubject+"_TDCS_1_normE.nii.gz", charmSubject+"_TDCS_1_E.nii.gz")
	if !ok {
		return faults.Ef(faults.MissingOutput, "simnibs collect", "no field magnitude artifact under %s", dir)
	}
	if err := volume.CopyFile(filepath.Join(out, "emag.nii.gz"), emag); err != nil {
		return err
	}

	voltage, ok := findFile(dir, charmSubject+"_TDCS_1_v.nii.gz")
	if !ok {
		return faults.Ef(faults.MissingOutput, "simnibs collect", "no voltage artifact under %s", dir)
	}
	return volume.CopyFile(filepath.Join(out, "voltage.nii.gz"), voltage)
}

// findFile walks root for the first file whose base name matches any of
// names, in preference order.
func findFile(root string, names ...string) (string, bool) {
	for _, want := range names {
		var found string
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if d.Name() == want {
				found = path
				return fs.SkipAll
			}
			return nil
		})
		if found != "" {
			return found, true
		}
	}
	return "", false
}

func (s *Simnibs) fail(ctx context.Context, sid, model string, err error) {
	kind := string(faults.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	s.log.Error("simnibs run failed",
		zap.String("session", sid),
		zap.String("model", model),
		zap.String("kind", kind),
		zap.Error(err))
	s.deps.Bus.Publish(ctx, sid, events.Failure("simnibs_error", model, kind, err.Error()))
	if model != "" {
		s.setStatus(ctx, sid, model, "error")
		s.setProgress(ctx, sid, model, -1)
	}
	s.deps.Met.SimRuns.WithLabelValues("simnibs", "error").Inc()
}

func (s *Simnibs) setStatus(ctx context.Context, sid, model, status string) {
	if err := s.deps.State.HSet(ctx, s.deps.Keys.SimnibsStatus(sid), model, status); err != nil {
		s.log.Warn("simnibs status update dropped", zap.String("session", sid), zap.Error(err))
	}
}

func (s *Simnibs) setProgress(ctx context.Context, sid, model string, pct int) {
	if err := s.deps.State.HSet(ctx, s.deps.Keys.SimnibsProgress(sid), model, strconv.Itoa(pct)); err != nil {
		s.log.Warn("simnibs progress update dropped", zap.String("session", sid), zap.Error(err))
	}
}
