package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/feedpulse/feedpulse/internal/manager"
	"github.com/feedpulse/feedpulse/internal/models"
)

// readyThreshold is the minimum health score below which the service reports
// itself not ready.
const readyThreshold = 25.0

type feedRef struct {
	Category int    `json:"category"`
	Name     string `json:"name"`
}

type feedValuesRequest struct {
	Feeds []feedRef `json:"feeds"`
}

type feedValue struct {
	Feed       feedRef  `json:"feed"`
	Value      float64  `json:"value"`
	Timestamp  int64    `json:"timestamp"` // epoch milliseconds
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
	Stale      bool     `json:"stale,omitempty"`
}

type feedValuesResponse struct {
	VotingRoundID *uint64     `json:"votingRoundId,omitempty"`
	Data          []feedValue `json:"data"`
}

type feedVolumes struct {
	Feed    feedRef       `json:"feed"`
	Volumes []volumePoint `json:"volumes"`
}

type volumePoint struct {
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

type volumesResponse struct {
	Data      []feedVolumes `json:"data"`
	WindowSec int           `json:"windowSec"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) handleFeedValues(w http.ResponseWriter, r *http.Request) {
	s.serveFeedValues(w, r, nil)
}

func (s *Server) handleFeedValuesForRound(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["votingRoundId"]
	round, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_voting_round", fmt.Sprintf("voting round %q is not a non-negative integer", raw))
		return
	}
	s.serveFeedValues(w, r, &round)
}

func (s *Server) serveFeedValues(w http.ResponseWriter, r *http.Request, round *uint64) {
	feeds, ok := s.decodeFeeds(w, r)
	if !ok {
		return
	}
	if !s.checkReady(w, r) {
		return
	}

	data := make([]feedValue, 0, len(feeds))
	for _, feed := range feeds {
		value, stale, err := s.manager.GetFeedValue(r.Context(), feed)
		if err != nil {
			if errors.Is(err, manager.ErrNoData) {
				s.writeError(w, r, http.StatusNotFound, "feed_not_found", fmt.Sprintf("no data available for feed %s", feed))
				return
			}
			s.writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		data = append(data, feedValue{
			Feed:       feedRef{Category: int(feed.Category), Name: feed.Name},
			Value:      value.Price,
			Timestamp:  value.Timestamp.UnixMilli(),
			Confidence: value.Confidence,
			Sources:    value.Sources,
			Stale:      stale,
		})
	}
	s.writeJSON(w, http.StatusOK, feedValuesResponse{VotingRoundID: round, Data: data})
}

func (s *Server) handleVolumes(w http.ResponseWriter, r *http.Request) {
	feeds, ok := s.decodeFeeds(w, r)
	if !ok {
		return
	}

	windowSec := int(s.cfg.VolumeWindowSpan / time.Second)
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid_window", fmt.Sprintf("window %q is not a positive integer of seconds", raw))
			return
		}
		windowSec = n
	}

	data := make([]feedVolumes, 0, len(feeds))
	for _, feed := range feeds {
		observations := s.manager.GetVolumes(feed, time.Duration(windowSec)*time.Second)
		points := make([]volumePoint, 0, len(observations))
		for _, obs := range observations {
			points = append(points, volumePoint{Volume: obs.Volume, Timestamp: obs.Timestamp.UnixMilli()})
		}
		data = append(data, feedVolumes{
			Feed:    feedRef{Category: int(feed.Category), Name: feed.Name},
			Volumes: points,
		})
	}
	s.writeJSON(w, http.StatusOK, volumesResponse{Data: data, WindowSec: windowSec})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.manager.GetConnectionHealth()
	status := "healthy"
	code := http.StatusOK
	switch {
	case health.HealthScore < readyThreshold:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case health.HealthScore < 100:
		status = "degraded"
	}

	s.writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"uptime":    s.uptimeSeconds(),
		"components": map[string]any{
			"sources": health,
		},
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	health := s.manager.GetConnectionHealth()
	ready := health.TotalSources > 0 && health.HealthScore >= readyThreshold
	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "not_ready"
	}
	s.writeJSON(w, code, map[string]any{
		"ready":     ready,
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"uptime":    s.uptimeSeconds(),
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"status":    "live",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    s.uptimeSeconds(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}

// decodeFeeds parses and validates the shared {feeds:[...]} request body:
// well-formed names, known categories, at most 100 feeds, no duplicates.
func (s *Server) decodeFeeds(w http.ResponseWriter, r *http.Request) ([]models.FeedID, bool) {
	var req feedValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return nil, false
	}
	if len(req.Feeds) == 0 {
		s.writeError(w, r, http.StatusBadRequest, "missing_feeds", "request must name at least one feed")
		return nil, false
	}
	if len(req.Feeds) > maxFeedsPerRequest {
		s.writeError(w, r, http.StatusBadRequest, "too_many_feeds", fmt.Sprintf("at most %d feeds per request", maxFeedsPerRequest))
		return nil, false
	}

	feeds := make([]models.FeedID, 0, len(req.Feeds))
	seen := make(map[models.FeedID]struct{}, len(req.Feeds))
	for _, ref := range req.Feeds {
		feed, err := models.NewFeedID(models.FeedCategory(ref.Category), ref.Name)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid_feed", err.Error())
			return nil, false
		}
		if _, dup := seen[feed]; dup {
			s.writeError(w, r, http.StatusBadRequest, "duplicate_feed", fmt.Sprintf("feed %s appears more than once", feed))
			return nil, false
		}
		seen[feed] = struct{}{}
		feeds = append(feeds, feed)
	}
	return feeds, true
}

// checkReady rejects data requests with 503 when the source population is
// degraded past the readiness threshold.
func (s *Server) checkReady(w http.ResponseWriter, r *http.Request) bool {
	health := s.manager.GetConnectionHealth()
	if health.TotalSources == 0 || health.HealthScore < readyThreshold {
		s.writeError(w, r, http.StatusServiceUnavailable, "service_degraded",
			fmt.Sprintf("%d of %d sources healthy", health.TotalSources-len(health.FailedSources), health.TotalSources))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, errCode, message string) {
	s.writeJSON(w, code, errorResponse{
		Status:    "error",
		Error:     errCode,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
		RequestID: requestID(r.Context()),
	})
}
