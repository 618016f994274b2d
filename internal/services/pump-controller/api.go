package pump_controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/persistence"
)

// ControllerAPI is what the HTTP layer needs from the controller.
type ControllerAPI interface {
	Devices() []string
	Ready() bool
	Status(ctx context.Context, deviceID string) (DeviceStatus, error)
	SetMode(ctx context.Context, deviceID string, mode model.Mode) error
	TogglePump(ctx context.Context, deviceID string, state model.PumpState) error
	UpdateThresholds(ctx context.Context, deviceID string, lower, upper *float64) (model.ThresholdConfig, error)
}

type APIOptions struct {
	AllowedOrigins []string
	History        persistence.RangeReader
	Events         persistence.EventReader
	Gatherer       prometheus.Gatherer
	// Checks are extra readiness probes (broker, redis), keyed by name.
	Checks         map[string]func(context.Context) error
	RequestTimeout time.Duration
	Logger         *logrus.Entry
}

type api struct {
	ctrl  ControllerAPI
	known map[string]struct{}
	opts  APIOptions
	log   *logrus.Entry
}

type modeRequest struct {
	IsAutoMode *bool `json:"isAutoMode"`
}

type pumpRequest struct {
	PumpStatus *bool `json:"pumpStatus"`
}

type thresholdsRequest struct {
	Lower *float64 `json:"lowerMoistureThreshold"`
	Upper *float64 `json:"upperMoistureThreshold"`
}

// NewRouter builds the controller's HTTP surface wrapped in CORS.
func NewRouter(ctrl ControllerAPI, opts APIOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "api")
	}
	a := &api{ctrl: ctrl, known: map[string]struct{}{}, opts: opts, log: opts.Logger}
	for _, id := range ctrl.Devices() {
		a.known[id] = struct{}{}
	}

	r := mux.NewRouter()
	r.Use(a.requestID)
	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api").Subrouter()
	v1.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)

	dev := v1.PathPrefix("/devices/{device}").Subrouter()
	dev.Use(a.knownDevice)
	dev.HandleFunc("/status", a.status).Methods(http.MethodGet)
	dev.HandleFunc("/mode", a.setMode).Methods(http.MethodPut)
	dev.HandleFunc("/pump", a.togglePump).Methods(http.MethodPost)
	dev.HandleFunc("/thresholds", a.updateThresholds).Methods(http.MethodPut)
	if opts.History != nil {
		dev.Handle("/history", persistence.NewHistoryHandler(opts.History, opts.RequestTimeout)).Methods(http.MethodGet)
	}
	if opts.Events != nil {
		dev.Handle("/events", persistence.NewPumpEventsHandler(opts.Events)).Methods(http.MethodGet)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(r)
}

func (a *api) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"request_id": id,
			"method":     r.Method,
			"path":       r.URL.Path,
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

func (a *api) knownDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := a.known[mux.Vars(r)["device"]]; !ok {
			writeError(w, ErrUnknownDevice)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"controller": "ok"}
	ready := a.ctrl.Ready()
	if !ready {
		checks["controller"] = "starting"
	}
	for name, check := range a.opts.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"ready": ready, "checks": checks})
}

func (a *api) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"devices": a.ctrl.Devices()})
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.RequestTimeout)
	defer cancel()

	st, err := a.ctrl.Status(ctx, mux.Vars(r)["device"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *api) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsAutoMode == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"isAutoMode": bool}`})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.RequestTimeout)
	defer cancel()

	device := mux.Vars(r)["device"]
	if err := a.ctrl.SetMode(ctx, device, model.ModeFromAutoFlag(*req.IsAutoMode)); err != nil {
		writeError(w, err)
		return
	}
	a.respondStatus(ctx, w, device, http.StatusOK)
}

func (a *api) togglePump(w http.ResponseWriter, r *http.Request) {
	var req pumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PumpStatus == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"pumpStatus": bool}`})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.RequestTimeout)
	defer cancel()

	device := mux.Vars(r)["device"]
	if err := a.ctrl.TogglePump(ctx, device, model.PumpStateFromBool(*req.PumpStatus)); err != nil {
		writeError(w, err)
		return
	}
	a.respondStatus(ctx, w, device, http.StatusOK)
}

func (a *api) updateThresholds(w http.ResponseWriter, r *http.Request) {
	var req thresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Lower == nil && req.Upper == nil) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must set lowerMoistureThreshold and/or upperMoistureThreshold"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.opts.RequestTimeout)
	defer cancel()

	cfg, err := a.ctrl.UpdateThresholds(ctx, mux.Vars(r)["device"], req.Lower, req.Upper)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (a *api) respondStatus(ctx context.Context, w http.ResponseWriter, device string, code int) {
	st, err := a.ctrl.Status(ctx, device)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, st)
}

// writeError maps controller errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownDevice):
		code = http.StatusNotFound
	case errors.Is(err, ErrAutoMode):
		code = http.StatusConflict
	case errors.Is(err, model.ErrInvalidConfiguration):
		code = http.StatusBadRequest
	case errors.Is(err, ErrSuperseded):
		code = http.StatusAccepted
	case errors.Is(err, ErrActuationWrite):
		code = http.StatusBadGateway
	case errors.Is(err, ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
