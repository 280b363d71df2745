package engine

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/agroeye/field-agent/internal/geo"
	"github.com/agroeye/field-agent/internal/plot"
	"github.com/agroeye/field-agent/internal/storage"
)

// UserHeader carries the signed-in user for the plot API
const UserHeader = "X-User-ID"

// Handler returns the agent's HTTP handler. /_agent/ is served locally,
// everything else goes to the origin through the worker.
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /_agent/health", e.handleHealth)
	mux.HandleFunc("GET /_agent/status", e.handleStatus)
	mux.HandleFunc("GET /_agent/stats", e.handleStats)
	mux.HandleFunc("POST /_agent/sync", e.handleSync)
	mux.Handle("GET /_agent/events", e.hub)

	mux.HandleFunc("GET /_agent/plots", e.handleListPlots)
	mux.HandleFunc("POST /_agent/plots", e.handleCapturePlot)
	mux.HandleFunc("GET /_agent/plots/render", e.handleRenderPlots)
	mux.HandleFunc("PATCH /_agent/plots/{id}", e.handleEditPlot)
	mux.HandleFunc("DELETE /_agent/plots/{id}", e.handleDeletePlot)
	mux.HandleFunc("GET /_agent/plots/{id}/geojson", e.handlePlotGeoJSON)

	mux.HandleFunc("GET /_agent/markers", e.handleListMarkers)
	mux.HandleFunc("POST /_agent/markers", e.handleAddMarker)
	mux.HandleFunc("DELETE /_agent/markers/{id}", e.handleDeleteMarker)

	mux.HandleFunc("/_agent/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "unknown agent endpoint")
	})
	mux.Handle("/", e.proxy)

	return mux
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (e *Engine) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, e.Status())
}

func (e *Engine) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := e.db.Stats(r.Context())
	if err != nil {
		e.serverError(w, "read stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *Engine) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := e.Sync(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Plots ---

type capturePlotRequest struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Color       string      `json:"color"`
	Coordinates [][]float64 `json:"coordinates"`
}

type editPlotRequest struct {
	Name        *string     `json:"name"`
	Description *string     `json:"description"`
	Color       *string     `json:"color"`
	Coordinates [][]float64 `json:"coordinates"`
}

func (e *Engine) handleListPlots(w http.ResponseWriter, r *http.Request) {
	plots, err := e.plots.Plots(r.Context(), userID(r))
	if err != nil {
		e.writeServiceError(w, "list plots", err)
		return
	}
	if plots == nil {
		plots = []*plot.FarmPlot{}
	}
	writeJSON(w, http.StatusOK, plots)
}

func (e *Engine) handleRenderPlots(w http.ResponseWriter, r *http.Request) {
	plots, err := e.plots.Plots(r.Context(), userID(r))
	if err != nil {
		e.writeServiceError(w, "list plots", err)
		return
	}
	writeJSON(w, http.StatusOK, plot.Render(plots))
}

func (e *Engine) handleCapturePlot(w http.ResponseWriter, r *http.Request) {
	var req capturePlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ring, err := geo.RingFromPairs(req.Coordinates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := e.plots.CapturePlot(r.Context(), userID(r), ring, req.Name, req.Description, req.Color)
	if err != nil {
		e.writeServiceError(w, "capture plot", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (e *Engine) handleEditPlot(w http.ResponseWriter, r *http.Request) {
	var req editPlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var ring geo.Ring
	if req.Coordinates != nil {
		var err error
		if ring, err = geo.RingFromPairs(req.Coordinates); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	p, err := e.plots.EditPlot(r.Context(), userID(r), r.PathValue("id"), req.Name, req.Description, req.Color, ring)
	if err != nil {
		e.writeServiceError(w, "edit plot", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (e *Engine) handleDeletePlot(w http.ResponseWriter, r *http.Request) {
	if err := e.plots.DeletePlot(r.Context(), userID(r), r.PathValue("id")); err != nil {
		e.writeServiceError(w, "delete plot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Engine) handlePlotGeoJSON(w http.ResponseWriter, r *http.Request) {
	p, err := e.plots.Plot(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		e.writeServiceError(w, "load plot", err)
		return
	}
	data, err := p.Coordinates.MarshalGeoJSON()
	if err != nil {
		e.serverError(w, "encode geometry", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Markers ---

type addMarkerRequest struct {
	Label      string          `json:"label"`
	MarkerType plot.MarkerType `json:"marker_type"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	PlotID     string          `json:"plot_id"`
}

func (e *Engine) handleListMarkers(w http.ResponseWriter, r *http.Request) {
	markers, err := e.plots.Markers(r.Context(), userID(r))
	if err != nil {
		e.writeServiceError(w, "list markers", err)
		return
	}
	if markers == nil {
		markers = []*plot.MapMarker{}
	}
	writeJSON(w, http.StatusOK, markers)
}

func (e *Engine) handleAddMarker(w http.ResponseWriter, r *http.Request) {
	var req addMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := e.plots.AddMarker(r.Context(), userID(r), req.Label, req.MarkerType,
		req.Latitude, req.Longitude, req.PlotID)
	if err != nil {
		e.writeServiceError(w, "add marker", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (e *Engine) handleDeleteMarker(w http.ResponseWriter, r *http.Request) {
	if err := e.plots.DeleteMarker(r.Context(), userID(r), r.PathValue("id")); err != nil {
		e.writeServiceError(w, "delete marker", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func userID(r *http.Request) string {
	if id := r.Header.Get(UserHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("user_id")
}

// writeServiceError maps plot and storage errors onto HTTP statuses
func (e *Engine) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, plot.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, plot.ErrUserRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, geo.ErrTooFewPoints),
		errors.Is(err, plot.ErrNameRequired),
		errors.Is(err, plot.ErrLabelRequired),
		errors.Is(err, plot.ErrInvalidMarkerType),
		errors.Is(err, plot.ErrInvalidCoordinate):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		e.serverError(w, op, err)
	}
}

func (e *Engine) serverError(w http.ResponseWriter, op string, err error) {
	log.Printf("Engine: failed to %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
