// Package pipeline executes one segmentation step: load the model onto a
// granted slot, preprocess, run sliding-window inference with the OOM retry
// protocol, restore the label grid and persist. Every transition publishes a
// progress event and updates the job's progress hash.
package pipeline

import (
	"context"
	"errors"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/predictor"
	"github.com/wholehead/axon/internal/registry"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/state"
	"github.com/wholehead/axon/internal/volume"
)

// Progress ladder. Terminal failure publishes -1.
const (
	pctModelLoadStart     = 5
	pctModelLoadComplete  = 10
	pctPreprocessStart    = 15
	pctPreprocessComplete = 25
	pctInferenceStart     = 30
	pctInferenceMid       = 65
	pctSaveStart          = 70
	pctModelComplete      = 100
)

const (
	startTileBatch = 2
	windowOverlap  = 0.8
	isoSpacingMM   = 1.0
)

// Runner turns (session, model, input, slot) into a saved label volume.
type Runner struct {
	fs       *sessionfs.Store
	vols     volume.Store
	factory  predictor.Factory
	bus      *events.Bus
	st       state.State
	keys     state.Keys
	resample string
	kernel   *volume.ResizeKernel
	log      *zap.Logger
	met      *metrics.Set
}

// NewRunner wires a runner. resampleBin may be empty when no external
// resampler is deployed; kernel may be nil to force the pure-Go resize path.
func NewRunner(fs *sessionfs.Store, vols volume.Store, factory predictor.Factory, bus *events.Bus,
	st state.State, keys state.Keys, resampleBin string, kernel *volume.ResizeKernel,
	log *zap.Logger, met *metrics.Set) *Runner {
	return &Runner{
		fs:       fs,
		vols:     vols,
		factory:  factory,
		bus:      bus,
		st:       st,
		keys:     keys,
		resample: resampleBin,
		kernel:   kernel,
		log:      log,
		met:      met,
	}
}

// RunModel executes one step and returns the canonical output path. On
// failure it publishes model_error with progress -1 and returns the error so
// the scheduler can count it.
func (r *Runner) RunModel(ctx context.Context, sid string, entry registry.Entry, inputPath string, slot int) (string, error) {
	r.met.StepsRun.WithLabelValues(entry.Name).Inc()
	out, err := r.run(ctx, sid, entry, inputPath, slot)
	if err != nil {
		kind := string(faults.KindOf(err))
		if kind == "" {
			kind = "internal"
		}
		r.met.StepFailures.WithLabelValues(kind).Inc()
		r.log.Error("pipeline step failed",
			zap.String("session", sid),
			zap.String("model", entry.Name),
			zap.String("kind", kind),
			zap.Error(err))
		r.bus.Publish(ctx, sid, events.Failure("model_error", entry.Name, kind, err.Error()))
		r.setProgress(ctx, sid, entry.Name, -1)
		return "", err
	}
	return out, nil
}

func (r *Runner) run(ctx context.Context, sid string, entry registry.Entry, inputPath string, slot int) (string, error) {
	r.step(ctx, sid, entry.Name, "model_load_start", pctModelLoadStart)
	pred, err := r.factory.Open(ctx, entry, slot)
	if err != nil {
		return "", err
	}
	defer pred.Close()
	r.step(ctx, sid, entry.Name, "model_load_complete", pctModelLoadComplete)

	r.step(ctx, sid, entry.Name, "preprocess_start", pctPreprocessStart)
	in, err := r.vols.Load(inputPath)
	if err != nil {
		return "", err
	}
	origDim, origAffine := in.Dim, in.Affine
	proc, cropDim := preprocess(in, entry)
	r.step(ctx, sid, entry.Name, "preprocess_complete", pctPreprocessComplete)

	r.step(ctx, sid, entry.Name, "inference_start", pctInferenceStart)
	acc, err := r.infer(ctx, sid, pred, proc, entry)
	if err != nil {
		return "", err
	}
	r.step(ctx, sid, entry.Name, "inference_mid", pctInferenceMid)

	r.step(ctx, sid, entry.Name, "save_start", pctSaveStart)
	labels := acc.Argmax(proc.Affine)
	labels = restoreGrid(labels, cropDim, origDim, origAffine, r.kernel)

	if _, err := r.fs.ModelDir(sid, entry.Name); err != nil {
		return "", faults.E(faults.IO, "stage output "+entry.Name, err)
	}
	out, err := r.persist(ctx, sid, entry, labels)
	if err != nil {
		return "", err
	}

	r.step(ctx, sid, entry.Name, "model_complete", pctModelComplete)
	return out, nil
}

// preprocess normalizes intensities in place and regrids the volume for
// inference. The second return is the grid after foreground cropping, before
// the centered pads; restoreGrid unwinds from there.
func preprocess(v *volume.Volume, entry registry.Entry) (*volume.Volume, [3]int) {
	m := volume.MaxIntensity(v)
	switch {
	case m > volume.ComplexityThreshold:
		lo := volume.Percentile(v, volume.PercentileLow)
		hi := volume.Percentile(v, volume.PercentileHigh)
		volume.ClipRescale(v, lo, hi)
	case m <= volume.FixedRangeHigh && entry.SkipLowRange:
		// Already in the trained range.
	default:
		volume.ClipRescale(v, volume.FixedRangeLow, volume.FixedRangeHigh)
	}

	v = volume.ResampleIso(v, isoSpacingMM, false)
	v = volume.OrientRAS(v)
	if entry.CropForeground {
		v = volume.CropForeground(v)
	}
	cropDim := v.Dim
	if entry.ResizeTo != nil {
		v = volume.PadOrCrop(v, *entry.ResizeTo, 0)
	}

	// Sliding windows need at least one full ROI per axis.
	need := v.Dim
	grow := false
	for i := 0; i < 3; i++ {
		if need[i] < entry.SpatialSize[i] {
			need[i] = entry.SpatialSize[i]
			grow = true
		}
	}
	if grow {
		v = volume.PadOrCrop(v, need, 0)
	}
	return v, cropDim
}

// restoreGrid takes argmax labels on the inference grid back to the original
// input grid: centered crop unwinds the pads, then a resize settles the
// resample scaling. The saved volume carries the original affine.
func restoreGrid(labels *volume.LabelVolume, cropDim, origDim [3]int, origAffine [4][4]float64, k *volume.ResizeKernel) *volume.LabelVolume {
	if labels.Dim != cropDim {
		labels = volume.CropCenter(labels, cropDim)
	}
	if labels.Dim != origDim {
		labels = volume.ResizeLabels(labels, origDim, k)
	}
	labels.Affine = origAffine
	return labels
}

func (r *Runner) infer(ctx context.Context, sid string, pred predictor.Predictor, v *volume.Volume, entry registry.Entry) (*volume.Accumulator, error) {
	wins := volume.SlidingWindows(v.Dim, entry.SpatialSize, windowOverlap)
	if len(wins) == 0 {
		return nil, faults.Ef(faults.PredictFailure, "infer "+entry.Name, "no inference windows for dim %v", v.Dim)
	}
	batch := startTileBatch
	for {
		acc, err := r.inferPass(ctx, pred, v, entry, wins, batch)
		if err == nil {
			return acc, nil
		}
		if !errors.Is(err, predictor.ErrOOM) {
			if faults.KindOf(err) != "" {
				return nil, err
			}
			return nil, faults.E(faults.PredictFailure, "infer "+entry.Name, err)
		}
		if batch <= 1 {
			return nil, faults.E(faults.OOM, "infer "+entry.Name, err)
		}
		if rel, ok := pred.(predictor.CacheReleaser); ok {
			rel.ReleaseCaches()
		}
		batch /= 2
		r.log.Warn("inference ran out of memory, shrinking tile batch",
			zap.String("session", sid),
			zap.String("model", entry.Name),
			zap.Int("tile_batch", batch))
	}
}

func (r *Runner) inferPass(ctx context.Context, pred predictor.Predictor, v *volume.Volume, entry registry.Entry, wins []volume.Window, batch int) (*volume.Accumulator, error) {
	acc := volume.NewAccumulator(entry.NumClasses, v.Dim)
	tileDim := wins[0].Size
	for start := 0; start < len(wins); start += batch {
		end := start + batch
		if end > len(wins) {
			end = len(wins)
		}
		group := wins[start:end]
		tiles := make([][]float32, len(group))
		for i, w := range group {
			tiles[i] = volume.ExtractTile(v, w)
		}
		logits, err := pred.Predict(ctx, tiles, tileDim)
		if err != nil {
			return nil, err
		}
		if len(logits) != len(group) {
			return nil, faults.Ef(faults.PredictFailure, "infer "+entry.Name, "predictor returned %d buffers for %d tiles", len(logits), len(group))
		}
		for i, w := range group {
			acc.Add(w, logits[i])
		}
	}
	return acc, nil
}

// persist writes the label volume. Native-space models save straight to the
// canonical name. Conformed-space models save an _fs copy and run the
// external resampler to produce the native-orientation canonical output; a
// resampler failure keeps the conformed result as canonical.
func (r *Runner) persist(ctx context.Context, sid string, entry registry.Entry, labels *volume.LabelVolume) (string, error) {
	canonical := r.fs.ModelOutput(sid, entry.Name)
	if entry.Space != registry.SpaceConformed {
		if err := r.vols.SaveLabels(canonical, labels); err != nil {
			return "", err
		}
		return canonical, nil
	}

	conformed := r.fs.ModelOutputConformed(sid, entry.Name)
	if err := r.vols.SaveLabels(conformed, labels); err != nil {
		return "", err
	}
	if err := r.resampleToNative(ctx, conformed, canonical); err != nil {
		r.log.Warn("native resample failed, keeping conformed output",
			zap.String("session", sid),
			zap.String("model", entry.Name),
			zap.Error(err))
		if err := volume.CopyFile(canonical, conformed); err != nil {
			return "", err
		}
	}
	return canonical, nil
}

func (r *Runner) resampleToNative(ctx context.Context, src, dst string) error {
	if r.resample == "" {
		return errors.New("no resampler configured")
	}
	cmd := exec.CommandContext(ctx, r.resample, src, dst, "--nearest", "--regheader")
	if out, err := cmd.CombinedOutput(); err != nil {
		return faults.Ef(faults.Subprocess, "resample to native", "%v: %s", err, out)
	}
	return nil
}

func (r *Runner) step(ctx context.Context, sid, model, tag string, pct int) {
	r.bus.Publish(ctx, sid, events.Progress(tag, model, pct))
	r.setProgress(ctx, sid, model, pct)
}

func (r *Runner) setProgress(ctx context.Context, sid, model string, pct int) {
	if err := r.st.HSet(ctx, r.keys.JobProgress(sid), model, strconv.Itoa(pct)); err != nil {
		r.log.Warn("progress update dropped",
			zap.String("session", sid),
			zap.String("model", model),
			zap.Error(err))
	}
}
