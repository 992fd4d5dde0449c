package internal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"nerdhub/internal/geofence"
)

type buildingDTO struct {
	geofence.Building
	Count int `json:"count"`
}

type buildingsResponse struct {
	Buildings []buildingDTO `json:"buildings"`
	Total     int           `json:"total"`
	Seq       uint64        `json:"seq"`
}

type healthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Users    int    `json:"users"`
	Sessions int    `json:"sessions"`
	Online   int    `json:"online"`
}

// SetupRoutes returns the router for the websocket endpoint and the read-only
// HTTP API. allowedOrigins feeds the CORS middleware.
func (s *Server) SetupRoutes(wsPath string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(allowedOrigins))

	r.Get(wsPath, s.ServeWS)
	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Get("/presence", s.HandlePresence)
		r.Get("/buildings", s.HandleBuildings)
		r.Get("/buildings/{id}", s.HandleBuilding)
		r.Get("/resolve", s.HandleResolve)
		r.Get("/healthz", s.HandleHealth)
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		methodNotAllowed(w, http.MethodGet)
	})
	return r
}

func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) HandleBuildings(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()
	counts := snap.Counts()
	resp := buildingsResponse{
		Buildings: make([]buildingDTO, 0, s.catalog.Len()),
		Total:     len(snap.Entries),
		Seq:       snap.Seq,
	}
	for _, b := range s.catalog.All() {
		resp.Buildings = append(resp.Buildings, buildingDTO{Building: b, Count: counts[b.ID]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleBuilding(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, ok := s.catalog.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, geofence.ErrUnknownBuilding)
		return
	}
	writeJSON(w, http.StatusOK, buildingDTO{Building: b, Count: s.registry.CountByBuilding(id)})
}

func (s *Server) HandleResolve(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, errors.New("lat and lon query parameters are required"))
		return
	}
	res, err := s.catalog.Resolve(lat, lon)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, geofence.ErrInvalidCoordinate) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolution": res,
		"eligible":   s.policy.Eligible(res),
		"policy":     s.policy.String(),
	})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Version:  Version,
		Users:    s.registry.Len(),
		Sessions: s.hub.Size(),
		Online:   s.conns.ActiveCount(),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("remote", s.clientIP(r)),
		)
	})
}

// CORSMiddleware echoes the origin back only when it is on the allow-list.
// A "*" entry allows every origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	_, wildcard := allowed["*"]
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; origin != "" && (ok || wildcard) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
