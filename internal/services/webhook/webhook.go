// Package webhook answers voice-assistant fulfillment requests (smart home SYNC
// and QUERY intents, Dialogflow text queries) from the latest garden snapshot.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

const (
	intentSync  = "action.devices.SYNC"
	intentQuery = "action.devices.QUERY"

	contentSecurityPolicy = "default-src 'self'; style-src 'self' 'unsafe-inline'; script-src 'self'; connect-src 'self';"
)

// SnapshotReader returns the latest snapshot a device pushed.
type SnapshotReader interface {
	LatestMonitor(ctx context.Context, deviceID string) (model.MonitorSnapshot, error)
}

// TokenValidator checks an access token issued during account linking.
type TokenValidator interface {
	Validate(accessToken string) (clientID string, ok bool)
}

type Options struct {
	// Tokens, when set, gates smart home intents on a valid bearer token.
	Tokens         TokenValidator
	DeviceID       string
	AgentUserID    string
	Rate           float64
	Burst          int
	AllowedOrigins []string
	ReadTimeout    time.Duration
	Logger         *logrus.Entry
}

type fulfillmentRequest struct {
	RequestID string `json:"requestId"`
	Inputs    []struct {
		Intent string `json:"intent"`
	} `json:"inputs"`
	QueryResult *struct {
		QueryText string `json:"queryText"`
	} `json:"queryResult"`
}

func (r fulfillmentRequest) intent() string {
	if len(r.Inputs) == 0 {
		return ""
	}
	return r.Inputs[0].Intent
}

type Service struct {
	reader SnapshotReader
	opts   Options
	log    *logrus.Entry
}

func NewService(reader SnapshotReader, opts Options) *Service {
	if opts.DeviceID == "" {
		opts.DeviceID = "garden-1"
	}
	if opts.AgentUserID == "" {
		opts.AgentUserID = "greenthumb-user"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("component", "webhook")
	}
	return &Service{reader: reader, opts: opts, log: opts.Logger}
}

// Handler mounts the webhook routes behind CSP, CORS and a token-bucket limiter.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/webhook", s.handleFulfillment).Methods(http.MethodPost)
	r.HandleFunc("/api/webhook", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	var h http.Handler = r
	if s.opts.Rate > 0 {
		burst := s.opts.Burst
		if burst <= 0 {
			burst = 1
		}
		h = RateLimit(rate.NewLimiter(rate.Limit(s.opts.Rate), burst), h)
	}
	h = withCSP(h)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(h)
}

// RateLimit rejects requests with 429 once limiter runs dry.
func RateLimit(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func withCSP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", contentSecurityPolicy)
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook API is operational"})
}

func (s *Service) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	var req fulfillmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "Unrecognized request format"})
		return
	}
	log := s.log.WithField("request_id", req.RequestID)

	if strings.HasPrefix(req.intent(), "action.devices.") {
		client, ok := s.authorize(r)
		if !ok {
			log.WithField("intent", req.intent()).Warn("smart home request without a valid token")
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
			return
		}
		log = log.WithField("client_id", client)
	}

	switch {
	case req.intent() == intentSync:
		log.Debug("handling SYNC intent")
		writeJSON(w, http.StatusOK, s.syncResponse(req.RequestID))
	case req.intent() == intentQuery:
		log.Debug("handling QUERY intent")
		writeJSON(w, http.StatusOK, s.queryResponse(r.Context(), req.RequestID))
	case req.QueryResult != nil:
		writeJSON(w, http.StatusOK, s.dialogflowResponse(r.Context(), req.QueryResult.QueryText))
	default:
		writeJSON(w, http.StatusOK, map[string]string{"error": "Unrecognized request format"})
	}
}

func (s *Service) authorize(r *http.Request) (string, bool) {
	if s.opts.Tokens == nil {
		return "", true
	}
	scheme, tok, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", false
	}
	return s.opts.Tokens.Validate(strings.TrimSpace(tok))
}

func (s *Service) latest(ctx context.Context) (model.MonitorSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	snap, err := s.reader.LatestMonitor(ctx, s.opts.DeviceID)
	if err != nil {
		s.log.WithError(err).WithField("device_id", s.opts.DeviceID).Warn("failed to read garden snapshot")
	}
	return snap, err
}

type sensorCapability struct {
	Name                string `json:"name"`
	NumericCapabilities struct {
		RawValueUnit string  `json:"rawValueUnit"`
		MinValue     float64 `json:"minValue"`
		MaxValue     float64 `json:"maxValue"`
	} `json:"numericCapabilities"`
}

func capability(name, unit string, lo, hi float64) sensorCapability {
	c := sensorCapability{Name: name}
	c.NumericCapabilities.RawValueUnit = unit
	c.NumericCapabilities.MinValue = lo
	c.NumericCapabilities.MaxValue = hi
	return c
}

func (s *Service) syncResponse(requestID string) map[string]interface{} {
	device := map[string]interface{}{
		"id":     s.opts.DeviceID,
		"type":   "action.devices.types.SENSOR",
		"traits": []string{"action.devices.traits.SensorState"},
		"name": map[string]interface{}{
			"name":         "Garden",
			"defaultNames": []string{"Garden Monitor"},
			"nicknames":    []string{"My Garden"},
		},
		"willReportState": true,
		"attributes": map[string]interface{}{
			"sensorStatesSupported": []sensorCapability{
				capability("MoistureLevel", "PERCENTAGE", 0, 100),
				capability("Temperature", "CELSIUS", -20, 50),
				capability("Humidity", "PERCENTAGE", 0, 100),
			},
		},
		"deviceInfo": map[string]string{
			"manufacturer": "greenthumb",
			"model":        "GardenMonitorV1",
			"hwVersion":    "1.0",
			"swVersion":    "1.0.1",
		},
	}
	return map[string]interface{}{
		"requestId": requestID,
		"payload": map[string]interface{}{
			"agentUserId": s.opts.AgentUserID,
			"devices":     []interface{}{device},
		},
	}
}

type sensorState struct {
	CurrentSensorState string  `json:"currentSensorState"`
	RawValue           float64 `json:"rawValue"`
}

func (s *Service) queryResponse(ctx context.Context, requestID string) map[string]interface{} {
	snap, err := s.latest(ctx)
	if err != nil {
		return map[string]interface{}{
			"requestId": requestID,
			"payload": map[string]interface{}{
				"devices": map[string]interface{}{
					s.opts.DeviceID: map[string]string{"status": "ERROR", "errorCode": "deviceOffline"},
				},
			},
		}
	}

	states := map[string]sensorState{
		"MoistureLevel": {ClassifyMoisture(snap.SoilMoisture), snap.SoilMoisture},
		"Temperature":   {ClassifyTemperature(snap.Temperature), snap.Temperature},
		"Humidity":      {ClassifyHumidity(snap.Humidity), snap.Humidity},
	}
	return map[string]interface{}{
		"requestId": requestID,
		"payload": map[string]interface{}{
			"devices": map[string]interface{}{
				s.opts.DeviceID: map[string]interface{}{
					"status": "SUCCESS",
					"online": true,
					"states": map[string]interface{}{
						"SensorState": states,
						"online":      true,
					},
				},
			},
		},
		"fulfillmentText": StatusMessage(snap),
	}
}

func (s *Service) dialogflowResponse(ctx context.Context, queryText string) map[string]interface{} {
	q := strings.ToLower(queryText)
	if !strings.Contains(q, "moisture") && !strings.Contains(q, "temperature") && !strings.Contains(q, "humidity") {
		return map[string]interface{}{"fulfillmentText": "I'm not sure how to respond to that!"}
	}

	snap, err := s.latest(ctx)
	if err != nil {
		return map[string]interface{}{"fulfillmentText": "I couldn't retrieve the garden data. Try again later!"}
	}
	msg := SpokenSummary(snap)
	return map[string]interface{}{
		"fulfillmentMessages": []interface{}{
			map[string]interface{}{"text": map[string][]string{"text": {msg}}},
		},
		"structuredResponse": map[string]interface{}{
			"voice": map[string]string{"text": msg},
		},
	}
}

// SpokenSummary reads the raw values out loud.
func SpokenSummary(snap model.MonitorSnapshot) string {
	return fmt.Sprintf("The garden conditions are: Moisture is %g%%. Temperature is %g°C. Humidity is %g%%.",
		snap.SoilMoisture, snap.Temperature, snap.Humidity)
}

// StatusMessage is SpokenSummary with each value's band.
func StatusMessage(snap model.MonitorSnapshot) string {
	return fmt.Sprintf("The garden conditions are as follows: Moisture level is %g%%, which is %s. Temperature is %g°C, which is %s. Humidity is %g%%, which is %s.",
		snap.SoilMoisture, ClassifyMoisture(snap.SoilMoisture),
		snap.Temperature, ClassifyTemperature(snap.Temperature),
		snap.Humidity, ClassifyHumidity(snap.Humidity))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
