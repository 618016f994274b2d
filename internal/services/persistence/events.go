package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

// EventReader returns the most recent pump decision events of one device.
type EventReader interface {
	RecentEvents(ctx context.Context, deviceID string, minutes, limit int) ([]model.PumpDecisionEvent, error)
}

type eventQueryParams struct {
	Minutes   int
	Limit     int
	TimeoutMS int
}

// parseEventQuery reads minutes, limit and timeout_ms, clamping each to a sane range.
func parseEventQuery(r *http.Request, defMin, defLim, defTOms int) eventQueryParams {
	q := r.URL.Query()
	get := func(k string, def, min, max int) int {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				if n < min {
					return min
				}
				if max > 0 && n > max {
					return max
				}
				return n
			}
		}
		return def
	}
	return eventQueryParams{
		Minutes:   get("minutes", defMin, 1, 15*24*60),
		Limit:     get("limit", defLim, 1, 500),
		TimeoutMS: get("timeout_ms", defTOms, 200, 5000),
	}
}

func buildEventsFlux(bucket, deviceID string, minutes, limit int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.device_id == %q)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)
`, bucket, minutes, pumpEventMeasurement, deviceID, limit)
}

// RecentEvents returns up to limit pump events of deviceID from the last minutes, newest first.
func (h *InfluxHistory) RecentEvents(ctx context.Context, deviceID string, minutes, limit int) ([]model.PumpDecisionEvent, error) {
	res, err := h.querier.Query(ctx, buildEventsFlux(h.bucket, deviceID, minutes, limit))
	if err != nil {
		return nil, fmt.Errorf("events query for %s: %w", deviceID, err)
	}
	defer res.Close()

	out := make([]model.PumpDecisionEvent, 0, limit)
	for res.Next() {
		rec := res.Record()
		state := model.PumpOff
		if on, _ := rec.ValueByKey("on").(bool); on {
			state = model.PumpOn
		}
		out = append(out, model.PumpDecisionEvent{
			CommandID: toString(rec.ValueByKey("command_id")),
			DeviceID:  deviceID,
			State:     state,
			Source:    model.CommandSource(toString(rec.ValueByKey("source"))),
			Reason:    toString(rec.ValueByKey("reason")),
			Moisture:  toF64(rec.ValueByKey("moisture")),
			Lower:     toF64(rec.ValueByKey("lower")),
			Upper:     toF64(rec.ValueByKey("upper")),
			Status:    toString(rec.ValueByKey("status")),
			Error:     toString(rec.ValueByKey("error")),
			Timestamp: rec.Time().UTC(),
		})
	}
	if res.Err() != nil {
		return out, fmt.Errorf("events iterate for %s: %w", deviceID, res.Err())
	}
	return out, nil
}

// NewPumpEventsHandler serves GET .../{device}/events?minutes=1440&limit=20.
// Query failures answer [] with an X-Error header.
func NewPumpEventsHandler(reader EventReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := parseEventQuery(r, 1440, 20, 2000)

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(p.TimeoutMS)*time.Millisecond)
		defer cancel()

		out := []model.PumpDecisionEvent{}
		list, err := reader.RecentEvents(ctx, mux.Vars(r)["device"], p.Minutes, p.Limit)
		if err != nil {
			w.Header().Set("X-Error", "influx-query-error")
		} else {
			out = append(out, list...)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
