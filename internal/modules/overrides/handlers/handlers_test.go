package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/canopy/internal/modules/overrides"
	testutil "github.com/aristath/canopy/internal/testing"
)

func newTestRouter(t *testing.T) (http.Handler, func()) {
	t.Helper()
	db, cleanup := testutil.NewTestDB(t, "canopy")
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	manager := overrides.NewManager(overrides.NewRepository(db.Conn(), logger), nil, logger)

	router := chi.NewRouter()
	NewHandler(manager, logger).RegisterRoutes(router)
	return router, cleanup
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHandleSet(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	tests := []struct {
		name           string
		body           SetRequest
		expectedStatus int
	}{
		{"close east shade", SetRequest{Actuator: "shades_east", Command: "closed", Duration: "2h"}, http.StatusCreated},
		{"hvac cool", SetRequest{Actuator: "hvac", Command: "cool@78", Duration: "30m", Source: "cli"}, http.StatusCreated},
		{"unknown actuator", SetRequest{Actuator: "sprinkler", Command: "on", Duration: "1h"}, http.StatusBadRequest},
		{"bad command", SetRequest{Actuator: "ventilation", Command: "maybe", Duration: "1h"}, http.StatusBadRequest},
		{"unparseable duration", SetRequest{Actuator: "ventilation", Command: "on", Duration: "soon"}, http.StatusBadRequest},
		{"duration too long", SetRequest{Actuator: "ventilation", Command: "on", Duration: "25h"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/overrides", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code, w.Body.String())
		})
	}
}

func TestHandleList(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	w := do(t, router, http.MethodPost, "/overrides", SetRequest{Actuator: "ventilation", Command: "on", Duration: "1h"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, http.MethodGet, "/overrides", nil)
	require.Equal(t, http.StatusOK, w.Code)

	response := decode(t, w)
	assert.NotNil(t, response["metadata"])
	data := response["data"].([]interface{})
	require.Len(t, data, 1)
	item := data[0].(map[string]interface{})
	assert.Equal(t, "ventilation", item["actuator"])
	assert.Equal(t, "on", item["command_text"])
	assert.Equal(t, true, item["active"])
	assert.Greater(t, item["remaining_seconds"].(float64), float64(3500))
}

func TestHandleCancel(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	w := do(t, router, http.MethodPost, "/overrides", SetRequest{Actuator: "hvac", Command: "off", Duration: "1h"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, router, http.MethodDelete, "/overrides/hvac", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodDelete, "/overrides/hvac", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodDelete, "/overrides/door", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHistory(t *testing.T) {
	router, cleanup := newTestRouter(t)
	defer cleanup()

	for _, cmd := range []string{"open", "closed"} {
		w := do(t, router, http.MethodPost, "/overrides", SetRequest{Actuator: "shades_west", Command: cmd, Duration: "1h"})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := do(t, router, http.MethodGet, "/overrides/shades_west/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].([]interface{})
	require.Len(t, data, 2)

	active := 0
	for _, item := range data {
		if item.(map[string]interface{})["active"] == true {
			active++
		}
	}
	assert.Equal(t, 1, active, "the earlier override is superseded")

	w = do(t, router, http.MethodGet, "/overrides/shades_west/history?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"].([]interface{}), 1)

	w = do(t, router, http.MethodGet, "/overrides/shades_west/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterRoutes(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	handler := NewHandler(nil, logger)

	router := chi.NewRouter()
	assert.NotPanics(t, func() {
		handler.RegisterRoutes(router)
	})
}
