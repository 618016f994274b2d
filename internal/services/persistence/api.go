package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// RangeReader returns readings of one device within a trailing window.
type RangeReader interface {
	Range(ctx context.Context, deviceID string, window time.Duration) ([]model.Reading, error)
}

type historyResponse struct {
	DeviceID string          `json:"device_id"`
	Range    string          `json:"range"`
	Readings []model.Reading `json:"readings"`
}

// NewHistoryHandler serves GET .../{device}/history?range=1H|1D|7D|15D. A failed
// query yields an empty list and an X-Error header so the chart still renders.
func NewHistoryHandler(reader RangeReader, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		device := mux.Vars(r)["device"]
		label := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("range")))
		if label == "" {
			label = "1H"
		}
		window, err := ParseRange(label)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := historyResponse{DeviceID: device, Range: label, Readings: []model.Reading{}}
		list, err := reader.Range(ctx, device, window)
		switch {
		case err != nil && errors.Is(err, context.DeadlineExceeded):
			w.Header().Set("X-Error", "influx-timeout")
		case err != nil:
			w.Header().Set("X-Error", "influx-query-error")
		default:
			out.Readings = append(out.Readings, list...)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}
