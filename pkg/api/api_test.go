package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speechrnt-accel/pkg/accel"
	"speechrnt-accel/pkg/config"
	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
	"speechrnt-accel/pkg/voice"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)

	return logger
}

type fixture struct {
	router *Router
	accel  *accel.Accelerator
	voices *voice.Catalog
	fs     afero.Fs
}

func newFixture(t *testing.T, devices ...cuda.SimDevice) *fixture {
	t.Helper()

	rt := cuda.NewSimRuntime(devices...)
	fs := afero.NewMemMapFs()
	reg := prometheus.NewRegistry()

	a, err := accel.New(config.Default(), rt, engine.NewSimEngine(), fs, testLogger(), reg)
	require.NoError(t, err)
	require.NoError(t, a.Init())
	t.Cleanup(a.Cleanup)

	voices := voice.NewCatalog(testLogger())
	voices.Register(voice.Info{ID: "es-f-lucia", Name: "Lucia", Language: "es", Gender: voice.GenderFemale, Available: true})

	return &fixture{
		router: NewRouter(a, voices, testLogger(), reg),
		accel:  a,
		voices: voices,
		fs:     fs,
	}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.router.Engine().ServeHTTP(w, req)

	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into))
}

func (f *fixture) loadModel(t *testing.T, pair string) model.Handle {
	t.Helper()

	path := fmt.Sprintf("/models/%s.npz", pair)
	require.NoError(t, afero.WriteFile(f.fs, path, []byte("weights"), 0o644))

	w := f.do(http.MethodPost, "/api/v1/models", body{"path": path, "pair": pair})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Handle model.Handle `json:"handle"`
	}
	decode(t, w, &resp)

	return resp.Handle
}

// body is shorthand for JSON request payloads.
type body = map[string]any

func TestHealth(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["gpu_available"])
}

func TestHealthDegradedWithoutGPU(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	decode(t, w, &resp)
	assert.Equal(t, "degraded", resp["status"])
}

func TestDeviceEndpoints(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Devices []map[string]any `json:"devices"`
	}
	decode(t, w, &list)
	assert.Len(t, list.Devices, 1)

	w = f.do(http.MethodGet, "/api/v1/devices/best", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/api/v1/devices/current", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestDeviceEndpointsWithoutGPU(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/v1/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"devices":[]}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/devices/best", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/devices/current", nil).Code)
}

func TestStatsAndHistory(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]any
	decode(t, w, &stats)
	assert.Equal(t, true, stats["gpu_available"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/history", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/v1/history?minutes=5", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/history?minutes=zero", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/v1/history?minutes=-1", nil).Code)

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/api/v1/stats/reset", nil).Code)

	w = f.do(http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"alerts":[]}`, w.Body.String())
}

func TestModelLifecycle(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	h := f.loadModel(t, "en-es")

	w := f.do(http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Models []model.Entry `json:"models"`
	}
	decode(t, w, &list)
	require.Len(t, list.Models, 1)
	assert.Equal(t, "en-es", list.Models[0].Pair)

	// The load reference is still held.
	w = f.do(http.MethodPost, "/api/v1/models/unload", body{"handle": h})
	assert.Equal(t, http.StatusConflict, w.Code)

	require.NoError(t, f.accel.ReleaseModel(h))

	w = f.do(http.MethodPost, "/api/v1/models/unload", body{"handle": h})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, "/api/v1/models/unload", body{"handle": h})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoadModelValidation(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodPost, "/api/v1/models", body{"path": "/m.npz"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/v1/models", body{"path": "/m.bin", "pair": "en-es"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLoadModelWithoutGPU(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/v1/models", body{"path": "/m.npz", "pair": "en-es"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	h := f.loadModel(t, "en-es")
	require.NoError(t, f.accel.StartSession(h, "s1"))

	w := f.do(http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	decode(t, w, &resp)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "s1", resp.Sessions[0]["id"])
}

func TestVoiceEndpoints(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodGet, "/api/v1/voices/languages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"languages":["es"]}`, w.Body.String())

	w = f.do(http.MethodGet, "/api/v1/voices/es", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var voicesResp struct {
		Voices []voice.Info `json:"voices"`
	}
	decode(t, w, &voicesResp)
	require.Len(t, voicesResp.Voices, 1)

	w = f.do(http.MethodGet, "/api/v1/voices/es/pick", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"voice":"es-f-lucia"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/voices/fr/pick", nil).Code)

	w = f.do(http.MethodPost, "/api/v1/voices/preference", body{"language": "es", "voice_id": "es-f-lucia"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, "/api/v1/voices/preference", body{"language": "es", "voice_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, cuda.DefaultSimDevice())

	w := f.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "accel_")
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.ErrNotInitialized))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.ErrGPUUnavailable))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.ErrNoSuchModel))
	assert.Equal(t, http.StatusNotFound, statusFor(errors.ErrNoSuchSession))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.ErrIncompatibleModel))
	assert.Equal(t, http.StatusBadRequest, statusFor(errors.ErrInvalidDevice))
	assert.Equal(t, http.StatusConflict, statusFor(errors.ErrModelInUse))
	assert.Equal(t, http.StatusConflict, statusFor(errors.ErrDuplicateSession))
	assert.Equal(t, http.StatusInsufficientStorage, statusFor(errors.ErrOutOfMemory))
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}
