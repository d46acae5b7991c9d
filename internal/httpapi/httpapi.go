// Package httpapi exposes the service over HTTP: upload intake, signed SSE
// event streams, artifact downloads and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/audit"
	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/faults"
	"github.com/wholehead/axon/internal/gpu"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/orchestrator"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/sim"
	"github.com/wholehead/axon/internal/state"
)

// Uploads larger than this spill from memory to temp files while parsing.
const maxUploadMemory = 64 << 20

const auditPageSize = 500

// Deps carries everything the handlers touch. Prober and Audit are optional.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *events.Bus
	FS           *sessionfs.Store
	State        state.State
	Keys         state.Keys
	Arbiter      *gpu.Arbiter
	Prober       gpu.Prober
	Roast        *sim.Roast
	Simnibs      *sim.Simnibs
	Audit        *audit.Store
	Metrics      *metrics.Set
	Log          *zap.Logger
}

// Server owns the HTTP surface.
type Server struct {
	d Deps
}

// NewServer builds the handler set around its dependencies.
func NewServer(d Deps) *Server {
	return &Server{d: d}
}

// Router assembles the route table. CORS is wide open; authentication is
// handled upstream of this service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/", s.banner)
	r.Post("/predict", s.predict)
	r.Get("/stream/{sid}", s.stream(events.JobTerminals))
	r.Get("/stream/roast/{sid}", s.stream(events.RoastTerminals))
	r.Get("/stream/simnibs/{sid}", s.stream(events.SimnibsTerminals))
	r.Get("/results/{sid}/{model}", s.results)
	r.Post("/simulate", s.simulate(s.d.Orchestrator.SimulateRoast))
	r.Post("/simulate/simnibs", s.simulate(s.d.Orchestrator.SimulateSimnibs))
	r.Get("/simulate/results/{sid}/{model}/{kind}", s.simResults)
	r.Get("/health", s.health)
	r.Get("/admin/logs/{sid}", s.adminLogs)
	r.Get("/admin/audit", s.adminAudit)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.d.Metrics.Gatherer(), promhttp.HandlerOpts{}))
	return r
}

func (s *Server) banner(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "axon orchestration service running"})
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, faults.E(faults.InputInvalid, "parse upload", err))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, faults.E(faults.InputInvalid, "read upload", err))
		return
	}
	defer file.Close()

	space := r.FormValue("space")
	if space == "" && parseBool(r.FormValue("convert_to_fs")) {
		// Legacy flag from older clients; it predates the space parameter.
		space = "conformed"
	}

	res, err := s.d.Orchestrator.Intake(r.Context(), file, header.Filename, r.FormValue("models"), space)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// stream pipes the session's signed envelopes out as SSE frames until a
// terminal tag closes the bus stream or the client goes away.
func (s *Server) stream(terminals map[string]struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := chi.URLParam(r, "sid")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		// Jobs can outlive any server write timeout.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for env := range s.d.Bus.Stream(r.Context(), sid, terminals) {
			raw, err := json.Marshal(env)
			if err != nil {
				s.d.Log.Warn("envelope encode failed", zap.String("session", sid), zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	model := chi.URLParam(r, "model")

	path := s.d.FS.ModelOutput(sid, model)
	name := model + ".nii.gz"
	if model == "input" {
		path = s.d.FS.InputNative(sid)
		name = "input_native.nii.gz"
	}
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, faults.Ef(faults.MissingOutput, "results", "no %s artifact for session %s", model, sid))
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) simulate(enqueue func(context.Context, sim.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sim.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, faults.E(faults.InputInvalid, "decode simulate request", err))
			return
		}
		if req.SessionID == "" {
			s.writeError(w, faults.Ef(faults.InputInvalid, "simulate", "session_id is required"))
			return
		}
		if err := enqueue(r.Context(), req); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"session_id": req.SessionID, "status": "queued"})
	}
}

// simResults serves simulation artifacts. The model segment selects the
// scope: the literal "roast" addresses the session's ROAST workdir, any
// other value is a SimNIBS model name.
func (s *Server) simResults(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	model := chi.URLParam(r, "model")
	kind := chi.URLParam(r, "kind")

	var (
		path string
		err  error
	)
	if model == "roast" {
		path, err = s.d.Roast.OutputPath(sid, kind)
	} else {
		path, err = s.d.Simnibs.OutputPath(sid, model, kind)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+kind+".nii.gz"+`"`)
	http.ServeFile(w, r, path)
}

// gpuUsageEntry is the health wire shape for one device.
type gpuUsageEntry struct {
	GPU      int `json:"gpu"`
	Util     int `json:"util"`
	MemUsed  int `json:"mem_used"`
	MemTotal int `json:"mem_total"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := struct {
		SharedStateOK bool  `json:"shared_state_ok"`
		GPUUsage      any   `json:"gpu_usage"`
		QueueLength   int64 `json:"queue_length"`
		GPUCount      int   `json:"gpu_count"`
	}{
		SharedStateOK: s.d.State.Ping(ctx) == nil,
		GPUUsage:      "unavailable",
		GPUCount:      s.d.Arbiter.Count(),
	}
	resp.QueueLength, _ = s.d.State.LLen(ctx, s.d.Keys.JobQueue())

	if s.d.Prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if stats, err := s.d.Prober.Probe(probeCtx); err == nil {
			usage := make([]gpuUsageEntry, len(stats))
			for i, st := range stats {
				usage[i] = gpuUsageEntry{GPU: st.Index, Util: st.UtilPct, MemUsed: st.MemUsedMiB, MemTotal: st.MemTotalMiB}
			}
			resp.GPUUsage = usage
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) adminLogs(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "sid")
	path := s.d.FS.LogPath(sid)
	if _, err := os.Stat(path); err != nil {
		s.writeError(w, faults.Ef(faults.MissingOutput, "admin logs", "no logs for session %s", sid))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeFile(w, r, path)
}

func (s *Server) adminAudit(w http.ResponseWriter, r *http.Request) {
	rows, err := s.d.Audit.Recent(r.Context(), auditPageSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.d.Log.Warn("response encode failed", zap.Error(err))
	}
}

// writeError maps failure kinds onto HTTP statuses. The body mirrors the
// {"detail": ...} shape clients already parse.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.InputInvalid:
		status = http.StatusBadRequest
	case faults.MissingModel, faults.MissingOutput:
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
