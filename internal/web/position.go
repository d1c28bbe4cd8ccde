package web

import (
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"simroute/internal/control"
)

const shutdownText = "Shutting down..."

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (s *server) handlePosition(w http.ResponseWriter, r *http.Request) {
	p, ok := s.d.Handle.Latest()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write([]byte("{}"))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *server) handlePositionSince(w http.ResponseWriter, r *http.Request) {
	known, err := parseKnownCount(chi.URLParam(r, "known_count"))
	if err != nil {
		http.Error(w, "known_count must be an integer", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Handle.DiffSince(known))
}

// parseKnownCount accepts any integer. Values too large for int read past the
// end; negative values read from the start.
func parseKnownCount(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		return n, nil
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
		if strings.HasPrefix(strings.TrimSpace(v), "-") {
			return 0, nil
		}
		return math.MaxInt, nil
	}
	return 0, err
}

type resetResponse struct {
	ID string `json:"id"`
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := s.d.Handle.Reset()
	s.log.Info().Str("route_id", id).Msg("route reset")
	writeJSON(w, http.StatusOK, resetResponse{ID: id})
}

func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, shutdownText)
	s.shutdown()
}

func (s *server) shutdown() {
	s.log.Info().Msg("shutdown requested")
	s.d.Handle.Shutdown()
	if s.d.OnShutdown != nil {
		s.d.OnShutdown()
	}
}

type managementRequest struct {
	Command string `json:"command"`
}

type managementResponse struct {
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

func (s *server) handleManagement(w http.ResponseWriter, r *http.Request) {
	var req managementRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	cmd := strings.TrimSpace(req.Command)
	if cmd == "ResetRoute" {
		id := s.d.Handle.Reset()
		s.log.Info().Str("route_id", id).Msg("route reset")
		writeJSON(w, http.StatusOK, managementResponse{OK: true, ID: id})
		return
	}
	m, ok := control.ParseMessage(cmd)
	if !ok {
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	if m == control.Stop {
		writeJSON(w, http.StatusOK, managementResponse{OK: true})
		s.shutdown()
		return
	}
	accepted := s.d.Handle.Send(m)
	if !accepted {
		s.log.Warn().Str("command", m.String()).Msg("control message dropped")
	}
	writeJSON(w, http.StatusOK, managementResponse{OK: accepted})
}

// handleAPIKey returns the map API key file contents, or an empty body when
// the file cannot be read.
func (s *server) handleAPIKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if s.d.Options.APIKeyFile == "" {
		return
	}
	b, err := os.ReadFile(s.d.Options.APIKeyFile)
	if err != nil {
		s.log.Debug().Err(err).Msg("api key unavailable")
		return
	}
	_, _ = io.WriteString(w, strings.TrimSpace(string(b)))
}

func (s *server) handleAirports(w http.ResponseWriter, r *http.Request) {
	lat, err1 := strconv.ParseFloat(chi.URLParam(r, "lat"), 64)
	lon, err2 := strconv.ParseFloat(chi.URLParam(r, "lon"), 64)
	radius, err3 := strconv.ParseFloat(chi.URLParam(r, "radius_km"), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		http.Error(w, "lat, lon and radius_km must be numbers", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Airports.FindClosest(lat, lon, radius))
}
