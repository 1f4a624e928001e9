package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/probebake/server/internal/bakestore"
	"github.com/probebake/server/internal/metrics"
	"github.com/probebake/server/internal/render"
	"github.com/probebake/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins []string
	JobManager  *JobManager
	Assets      *service.AssetService
	Metrics     *metrics.Collector
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	r.Route("/api/bakes", func(r chi.Router) {
		r.Post("/", bakeSubmitHandler(cfg.JobManager))
		r.Get("/", bakeListHandler(cfg.JobManager))
		r.Get("/{job_id}", bakeStatusHandler(cfg.JobManager))
		r.Delete("/{job_id}", bakeCancelHandler(cfg.JobManager))
	})

	r.Route("/api/assets", func(r chi.Router) {
		r.Get("/", assetListHandler(cfg.Assets))
		r.Delete("/", assetClearHandler(cfg.Assets))
		r.Get("/{scene}", assetHandler(cfg.Assets))
		r.Get("/{scene}/preview.png", assetPreviewHandler(cfg.Assets))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Bake job handlers

func bakeSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req bakestore.BakeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := service.ValidateRequest(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(req)
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func bakeListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
				limit = min(v, 500)
			}
		}
		jobs, err := jm.List(limit)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*bakestore.BakeJob{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

func bakeStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// bakeCancelHandler cancels an unfinished job, or deletes the record of a finished one.
func bakeCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		if job.Status.Finished() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

// Asset handlers

func assetListHandler(svc *service.AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "assets not configured", http.StatusNotImplemented)
			return
		}
		records, err := svc.List()
		if err != nil {
			http.Error(w, "failed to list assets: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []*bakestore.AssetRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"assets": records})
	}
}

type cellSummary struct {
	Index    int    `json:"index"`
	Position [3]int `json:"position"`
	Bricks   int    `json:"bricks"`
	Probes   int    `json:"probes"`
	Invalid  int    `json:"invalid"`
}

// assetHandler returns a summary of a scene's asset, or the encoded asset with
// ?format=binary.
func assetHandler(svc *service.AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "assets not configured", http.StatusNotImplemented)
			return
		}
		scene := chi.URLParam(r, "scene")

		if r.URL.Query().Get("format") == "binary" {
			data, err := svc.Blob(scene)
			if err != nil {
				writeAssetError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Disposition", `attachment; filename="`+scene+`.probes"`)
			w.Write(data)
			return
		}

		asset, err := svc.Get(scene)
		if err != nil {
			writeAssetError(w, err)
			return
		}
		threshold := float32(0.5)
		if s := r.URL.Query().Get("validity_threshold"); s != "" {
			if v, err := strconv.ParseFloat(s, 32); err == nil {
				threshold = float32(v)
			}
		}

		cells := make([]cellSummary, 0, len(asset.Cells))
		for _, c := range asset.Cells {
			sum := cellSummary{Index: c.Index, Position: c.Position, Bricks: len(c.Bricks), Probes: len(c.ProbePositions)}
			for _, v := range c.Validity {
				if v > threshold {
					sum.Invalid++
				}
			}
			cells = append(cells, sum)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"scene":          asset.Scene,
			"max_cell_index": asset.MaxCellIndex,
			"probes":         asset.ProbeCount(),
			"cells":          cells,
		})
	}
}

func assetPreviewHandler(svc *service.AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "assets not configured", http.StatusNotImplemented)
			return
		}

		q := r.URL.Query()
		opts := render.SliceOptions{Mode: render.Mode(q.Get("mode")), Thickness: 1}
		if s := q.Get("y"); s != "" {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil {
				http.Error(w, "invalid y", http.StatusBadRequest)
				return
			}
			y := float32(v)
			opts.Y = &y
		}
		if s := q.Get("thickness"); s != "" {
			v, err := strconv.ParseFloat(s, 32)
			if err != nil || v <= 0 {
				http.Error(w, "invalid thickness", http.StatusBadRequest)
				return
			}
			opts.Thickness = float32(v)
		}

		data, err := svc.Preview(chi.URLParam(r, "scene"), opts)
		if err != nil {
			writeAssetError(w, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

func assetClearHandler(svc *service.AssetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			http.Error(w, "assets not configured", http.StatusNotImplemented)
			return
		}
		n, err := svc.Clear()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
	}
}

func writeAssetError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bakestore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, render.ErrUnknownMode):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
