package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
)

type mockReader struct{ mock.Mock }

func (m *mockReader) LatestMonitor(_ context.Context, id string) (model.MonitorSnapshot, error) {
	args := m.Called(id)
	snap, _ := args.Get(0).(model.MonitorSnapshot)
	return snap, args.Error(1)
}

func newTestService(reader SnapshotReader, opts Options) http.Handler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	opts.Logger = logrus.NewEntry(l)
	opts.DeviceID = "garden"
	return NewService(reader, opts).Handler()
}

func post(t *testing.T, h http.Handler, body string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		v                   float64
		moisture, temp, hum string
	}{
		{0, "dry", "cold", "low"},
		{30, "dry", "moderate", "low"},
		{30.5, "needs watering", "hot", "moderate"},
		{60, "needs watering", "hot", "moderate"},
		{61, "well-watered", "hot", "moderate"},
		{71, "well-watered", "hot", "high"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.moisture, ClassifyMoisture(tt.v), "moisture %v", tt.v)
		assert.Equal(t, tt.temp, ClassifyTemperature(tt.v), "temperature %v", tt.v)
		assert.Equal(t, tt.hum, ClassifyHumidity(tt.v), "humidity %v", tt.v)
	}
	assert.Equal(t, "cold", ClassifyTemperature(15))
	assert.Equal(t, "moderate", ClassifyTemperature(15.1))
	assert.Equal(t, "moderate", ClassifyTemperature(30))
	assert.Equal(t, "hot", ClassifyTemperature(30.1))
}

func TestSync(t *testing.T) {
	h := newTestService(&mockReader{}, Options{})
	out := post(t, h, `{"requestId":"r-1","inputs":[{"intent":"action.devices.SYNC"}]}`)

	assert.Equal(t, "r-1", out["requestId"])
	devices := out["payload"].(map[string]interface{})["devices"].([]interface{})
	require.Len(t, devices, 1)
	dev := devices[0].(map[string]interface{})
	assert.Equal(t, "garden", dev["id"])
	caps := dev["attributes"].(map[string]interface{})["sensorStatesSupported"].([]interface{})
	assert.Len(t, caps, 3)
}

func TestQuery(t *testing.T) {
	reader := &mockReader{}
	reader.On("LatestMonitor", "garden").Return(model.MonitorSnapshot{SoilMoisture: 80, Temperature: 25.3, Humidity: 43}, nil).Once()
	reader.On("LatestMonitor", "garden").Return(model.MonitorSnapshot{}, errors.New("redis down")).Once()
	h := newTestService(reader, Options{})

	out := post(t, h, `{"requestId":"r-2","inputs":[{"intent":"action.devices.QUERY"}]}`)
	garden := out["payload"].(map[string]interface{})["devices"].(map[string]interface{})["garden"].(map[string]interface{})
	assert.Equal(t, "SUCCESS", garden["status"])
	states := garden["states"].(map[string]interface{})["SensorState"].(map[string]interface{})
	assert.Equal(t, "well-watered", states["MoistureLevel"].(map[string]interface{})["currentSensorState"])
	assert.Equal(t, 25.3, states["Temperature"].(map[string]interface{})["rawValue"])
	assert.Equal(t, "moderate", states["Humidity"].(map[string]interface{})["currentSensorState"])
	assert.Contains(t, out["fulfillmentText"], "which is well-watered")

	out = post(t, h, `{"requestId":"r-3","inputs":[{"intent":"action.devices.QUERY"}]}`)
	garden = out["payload"].(map[string]interface{})["devices"].(map[string]interface{})["garden"].(map[string]interface{})
	assert.Equal(t, "ERROR", garden["status"])
	assert.Equal(t, "deviceOffline", garden["errorCode"])
	reader.AssertExpectations(t)
}

func TestDialogflow(t *testing.T) {
	reader := &mockReader{}
	reader.On("LatestMonitor", "garden").Return(model.MonitorSnapshot{SoilMoisture: 42, Temperature: 21.5, Humidity: 55}, nil).Once()
	reader.On("LatestMonitor", "garden").Return(model.MonitorSnapshot{}, errors.New("redis down")).Once()
	h := newTestService(reader, Options{})

	out := post(t, h, `{"queryResult":{"queryText":"What is the Moisture?"}}`)
	voice := out["structuredResponse"].(map[string]interface{})["voice"].(map[string]interface{})["text"]
	assert.Equal(t, "The garden conditions are: Moisture is 42%. Temperature is 21.5°C. Humidity is 55%.", voice)
	assert.Len(t, out["fulfillmentMessages"], 1)

	out = post(t, h, `{"queryResult":{"queryText":"humidity please"}}`)
	assert.Equal(t, "I couldn't retrieve the garden data. Try again later!", out["fulfillmentText"])

	out = post(t, h, `{"queryResult":{"queryText":"tell me a joke"}}`)
	assert.Equal(t, "I'm not sure how to respond to that!", out["fulfillmentText"])
	reader.AssertExpectations(t)
}

func TestUnrecognized(t *testing.T) {
	h := newTestService(&mockReader{}, Options{})
	assert.Equal(t, "Unrecognized request format", post(t, h, `{"foo":1}`)["error"])
	assert.Equal(t, "Unrecognized request format", post(t, h, `not json`)["error"])
}

func TestStatusEndpoint(t *testing.T) {
	h := newTestService(&mockReader{}, Options{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Webhook API is operational"}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	h := newTestService(&mockReader{}, Options{Rate: 0.001, Burst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/webhook", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

type tokenSet map[string]string

func (ts tokenSet) Validate(tok string) (string, bool) {
	client, ok := ts[tok]
	return client, ok
}

func TestSmartHomeIntentsNeedToken(t *testing.T) {
	reader := &mockReader{}
	reader.On("LatestMonitor", "garden").Return(model.MonitorSnapshot{SoilMoisture: 20}, nil)
	h := newTestService(reader, Options{Tokens: tokenSet{"access-1": "assistant"}})

	send := func(body, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	syncReq := `{"requestId":"r-9","inputs":[{"intent":"action.devices.SYNC"}]}`

	cases := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"unknown token", "Bearer access-2", http.StatusUnauthorized},
		{"wrong scheme", "Basic access-1", http.StatusUnauthorized},
		{"valid", "Bearer access-1", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := send(syncReq, tc.auth)
			assert.Equal(t, tc.want, rec.Code)
			if tc.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
			}
		})
	}

	// Dialogflow text queries are not part of account linking
	rec := send(`{"queryResult":{"queryText":"how is the moisture"}}`, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
