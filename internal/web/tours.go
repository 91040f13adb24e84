package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/awelzel/stravapoller/internal/domain"
)

// TourStore is the subset of internal/postgres.TourStore the tours
// handler needs.
type TourStore interface {
	ListByUser(ctx context.Context, userID int64) ([]domain.Tour, error)
}

// ToursHandler serves a read-only JSON view over a user's Tours, replacing
// original_source/tourmap/views/tours.py's index() template render; spec.md's
// Non-goals exclude HTML UI, not the underlying Tour listing itself.
type ToursHandler struct {
	Tours TourStore
}

type tourJSON struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	FilterStartDate   string `json:"filter_start_date,omitempty"`
	FilterEndDate     string `json:"filter_end_date,omitempty"`
	TilelayerProvider string `json:"tilelayer_provider,omitempty"`
	PolylineColor     string `json:"polyline_color,omitempty"`
}

// HandleListTours returns every Tour belonging to the user_id query
// parameter, ordered by id.
func (h *ToursHandler) HandleListTours(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "missing or invalid user_id query parameter", http.StatusBadRequest)
		return
	}

	tours, err := h.Tours.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]tourJSON, len(tours))
	for i, t := range tours {
		out[i] = tourJSON{
			ID:                t.ID,
			Name:              t.Name,
			Description:       t.Description,
			TilelayerProvider: t.TilelayerProvider,
			PolylineColor:     t.PolylineColor,
		}
		if t.FilterStartDate != nil {
			out[i].FilterStartDate = t.FilterStartDate.Format("2006-01-02")
		}
		if t.FilterEndDate != nil {
			out[i].FilterEndDate = t.FilterEndDate.Format("2006-01-02")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
