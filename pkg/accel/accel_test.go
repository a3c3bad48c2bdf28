package accel

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speechrnt-accel/pkg/config"
	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/device"
	"speechrnt-accel/pkg/engine"
	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
)

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)

	return logger
}

type harness struct {
	rt  *cuda.SimRuntime
	eng *engine.SimEngine
	fs  afero.Fs
	a   *Accelerator
}

func newHarness(t *testing.T, devices ...cuda.SimDevice) *harness {
	t.Helper()

	rt := cuda.NewSimRuntime(devices...)
	eng := engine.NewSimEngine()
	fs := afero.NewMemMapFs()

	a, err := New(config.Default(), rt, eng, fs, testLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, a.Init())

	t.Cleanup(a.Cleanup)

	return &harness{rt: rt, eng: eng, fs: fs, a: a}
}

func (h *harness) loadModel(t *testing.T, pair string) model.Handle {
	t.Helper()

	path := fmt.Sprintf("/models/%s.npz", pair)
	require.NoError(t, afero.WriteFile(h.fs, path, []byte("weights"), 0o644))

	mh, err := h.a.LoadModel(context.Background(), path, pair)
	require.NoError(t, err)

	return mh
}

func TestInitWithoutDevices(t *testing.T) {
	h := newHarness(t)

	assert.True(t, h.a.Initialized())
	assert.False(t, h.a.GPUAvailable())
	assert.Equal(t, device.None, h.a.CurrentDevice())

	_, err := h.a.LoadModel(context.Background(), "/models/en-es.npz", "en-es")
	assert.ErrorIs(t, err, errors.ErrGPUUnavailable)

	_, err = h.a.Translate(context.Background(), model.Handle{}, "hola")
	assert.ErrorIs(t, err, errors.ErrGPUUnavailable)

	r := h.a.Stats()
	assert.False(t, r.GPUAvailable)
	assert.Equal(t, device.None, r.Device)

	_, err = h.a.Sample()
	assert.Error(t, err)
}

func TestInitSelectsBestDevice(t *testing.T) {
	// Device 1 has more memory and multiprocessors but an older compute
	// capability without fp16 or int8, so device 0 scores higher.
	h := newHarness(t,
		cuda.DefaultSimDevice(),
		cuda.SimDevice{
			Name:                "BigMem 6000",
			TotalMemMiB:         16384,
			CCMajor:             6,
			CCMinor:             0,
			MultiprocessorCount: 80,
			Available:           true,
		},
	)

	assert.True(t, h.a.GPUAvailable())
	assert.Equal(t, 0, h.a.BestDevice())
	assert.Equal(t, 0, h.a.CurrentDevice())

	assert.True(t, h.a.ValidateDevice(1))
	assert.False(t, h.a.ValidateDevice(2))

	require.Len(t, h.a.ListDevices(), 2)
}

func TestInitSkipsIncompatibleDevices(t *testing.T) {
	h := newHarness(t, cuda.SimDevice{
		Name:                "Relic 900",
		TotalMemMiB:         1024,
		CCMajor:             5,
		CCMinor:             0,
		MultiprocessorCount: 16,
		Available:           true,
	})

	assert.True(t, h.a.Initialized())
	assert.False(t, h.a.GPUAvailable())
	assert.False(t, h.a.ValidateDevice(0))
}

func TestLoadModelCachesPerPair(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())

	mh := h.loadModel(t, "en-es")
	assert.True(t, h.a.IsLoaded("en-es"))

	again, err := h.a.LoadModel(context.Background(), "/models/en-es.npz", "en-es")
	require.NoError(t, err)
	assert.Equal(t, mh, again)

	got, ok := h.a.GetModel("en-es")
	require.True(t, ok)
	assert.Equal(t, mh, got)

	require.Len(t, h.a.ListLoaded(), 1)

	// Two references are held, so unloading is refused until both drop.
	assert.ErrorIs(t, h.a.UnloadModel(mh), errors.ErrModelInUse)
	require.NoError(t, h.a.ReleaseModel(mh))
	require.NoError(t, h.a.ReleaseModel(mh))
	require.NoError(t, h.a.UnloadModel(mh))

	assert.False(t, h.a.IsLoaded("en-es"))
	assert.Zero(t, h.a.UsedMiB())
}

func TestLoadModelRejectsBadFiles(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())

	_, err := h.a.LoadModel(context.Background(), "/models/en-es.bin", "en-es")
	assert.ErrorIs(t, err, errors.ErrIncompatibleModel)

	_, err = h.a.LoadModel(context.Background(), "/models/missing.npz", "en-es")
	assert.ErrorIs(t, err, errors.ErrIncompatibleModel)
	assert.NotEmpty(t, h.a.LastError())
}

func TestTranslate(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	out, err := h.a.Translate(context.Background(), mh, "hello")
	require.NoError(t, err)
	assert.Equal(t, "[gpu] hello [en-es]", out)

	_, err = h.a.Translate(context.Background(), model.Handle{}, "hello")
	assert.ErrorIs(t, err, errors.ErrNoSuchModel)

	stats := h.a.Stats()
	assert.Equal(t, uint64(1), stats.Counters.Translations)
	assert.Zero(t, stats.Counters.Failures)
}

func TestTranslateBatchKeepsAlignment(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	h.eng.FailOnEmptyInput(true)

	outs, someFailed, err := h.a.TranslateBatch(context.Background(), mh, []string{"a", "", "c"})
	require.NoError(t, err)
	require.Len(t, outs, 3)
	assert.True(t, someFailed)
	assert.Equal(t, "[gpu] a [en-es]", outs[0])
	assert.Empty(t, outs[1])
	assert.Equal(t, "[gpu] c [en-es]", outs[2])

	stats := h.a.Stats()
	assert.Equal(t, uint64(2), stats.Counters.Translations)
	assert.Equal(t, uint64(1), stats.Counters.Failures)
	assert.Equal(t, uint64(1), stats.Counters.BatchRuns)
}

func TestTranslateBatchAcceptsOversizeInput(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	require.NoError(t, h.a.ConfigureBatching(2, 2))

	texts := make([]string, 33)
	for i := range texts {
		texts[i] = fmt.Sprintf("line %d", i)
	}

	outs, someFailed, err := h.a.TranslateBatch(context.Background(), mh, texts)
	require.NoError(t, err)
	require.Len(t, outs, len(texts))
	assert.False(t, someFailed)

	for i, out := range outs {
		assert.Equal(t, fmt.Sprintf("[gpu] line %d [en-es]", i), out)
	}

	assert.Equal(t, len(texts), h.eng.Translated())
}

func TestStreamingSession(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	require.NoError(t, h.a.StartSession(mh, "s1"))
	assert.Equal(t, 1, h.a.SessionCount())

	assert.ErrorIs(t, h.a.StartSession(mh, "s1"), errors.ErrDuplicateSession)

	out, err := h.a.PushChunk(context.Background(), "s1", "Hola")
	require.NoError(t, err)
	assert.Equal(t, "[gpu] Hola [en-es]", out)

	// Each chunk is appended verbatim and the full accumulation re-translates.
	out, err = h.a.PushChunk(context.Background(), "s1", " mundo")
	require.NoError(t, err)
	assert.Equal(t, "[gpu] Hola mundo [en-es]", out)

	_, err = h.a.PushChunk(context.Background(), "nope", "x")
	assert.ErrorIs(t, err, errors.ErrNoSuchSession)

	require.NoError(t, h.a.EndSession("s1"))
	require.NoError(t, h.a.EndSession("s1"))
	assert.Zero(t, h.a.SessionCount())

	// The session's model pin is gone, only the load reference remains.
	require.NoError(t, h.a.ReleaseModel(mh))
	require.NoError(t, h.a.UnloadModel(mh))
}

func TestSessionSurvivesChunkFailure(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	require.NoError(t, h.a.StartSession(mh, "s1"))

	h.eng.FailOnEmptyInput(true)

	_, err := h.a.PushChunk(context.Background(), "s1", "")
	assert.Error(t, err)
	assert.Equal(t, 1, h.a.SessionCount())

	h.eng.FailOnEmptyInput(false)

	out, err := h.a.PushChunk(context.Background(), "s1", "hola")
	require.NoError(t, err)
	assert.Equal(t, "[gpu] hola [en-es]", out)
}

func TestResetDeviceInvalidatesHandles(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")
	require.NoError(t, h.a.StartSession(mh, "s1"))

	require.NoError(t, h.a.ResetDevice())
	assert.True(t, h.a.GPUAvailable())

	assert.False(t, h.a.IsLoaded("en-es"))
	assert.Zero(t, h.a.SessionCount())

	_, err := h.a.Translate(context.Background(), mh, "hola")
	assert.ErrorIs(t, err, errors.ErrNoSuchModel)

	// The rebuilt pools accept fresh loads.
	fresh := h.loadModel(t, "en-es")
	assert.NotEqual(t, mh, fresh)
}

func TestHandleErrorRecoversByReset(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	h.rt.InjectDeviceLost()

	assert.True(t, h.a.HandleError("kernel launch failed"))
	assert.True(t, h.a.GPUAvailable())
	assert.Equal(t, "kernel launch failed", h.a.LastError())

	_, err := h.a.Translate(context.Background(), mh, "hola")
	assert.ErrorIs(t, err, errors.ErrNoSuchModel)
}

func TestHandleErrorFallsBackToCPU(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	h.loadModel(t, "en-es")

	require.True(t, h.a.CPUFallbackEnabled())

	h.rt.InjectDeviceLost()
	h.rt.RefuseReset(true)

	assert.False(t, h.a.HandleError("device lost"))
	assert.False(t, h.a.GPUAvailable())
	assert.False(t, h.a.IsOperational())

	_, err := h.a.LoadModel(context.Background(), "/models/en-es.npz", "en-es")
	assert.ErrorIs(t, err, errors.ErrGPUUnavailable)
}

func TestHandleErrorWithoutFallbackStaysDown(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	h.a.EnableCPUFallback(false)

	h.rt.InjectDeviceLost()
	h.rt.RefuseReset(true)

	assert.False(t, h.a.HandleError("device lost"))
	assert.False(t, h.a.GPUAvailable())
	assert.False(t, h.a.CPUFallbackEnabled())
}

func TestSelectDeviceRebuildsPools(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice(), cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	require.NoError(t, h.a.SelectDevice(1))
	assert.Equal(t, 1, h.a.CurrentDevice())
	assert.True(t, h.a.GPUAvailable())

	_, err := h.a.Translate(context.Background(), mh, "hola")
	assert.ErrorIs(t, err, errors.ErrNoSuchModel)

	assert.ErrorIs(t, h.a.SelectDevice(7), errors.ErrInvalidDevice)
}

func TestSampleReflectsPoolAndRuntime(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")
	h.rt.SetMetrics(42.0, 63.0)
	h.eng.SetDelay(time.Millisecond)

	_, err := h.a.Translate(context.Background(), mh, "hola")
	require.NoError(t, err)

	f, err := h.a.Sample()
	require.NoError(t, err)
	assert.Equal(t, 42.0, f.UtilizationPercent)
	assert.Equal(t, 63.0, f.TemperatureC)
	assert.Equal(t, uint64(512), f.MemoryUsedMiB)
	assert.Equal(t, 1, f.LoadedModels)
	assert.InDelta(t, 50.0, f.MemoryPercent, 0.1)

	assert.Equal(t, uint64(1), f.Translations)
	assert.GreaterOrEqual(t, f.AverageLatencyMs, 1.0)
	assert.GreaterOrEqual(t, f.TotalProcessingMs, 1.0)
	assert.Greater(t, f.ThroughputPerSec, 0.0)
}

func TestConfigureQuantizationShrinksFootprint(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())

	require.NoError(t, h.a.ConfigureQuantization(true, engine.PrecisionInt8))
	h.loadModel(t, "en-es")

	loaded := h.a.ListLoaded()
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].Quantized)
	assert.Equal(t, engine.PrecisionInt8, loaded[0].Precision)
	assert.Equal(t, uint64(128), loaded[0].FootprintMiB)

	assert.Error(t, h.a.ConfigureQuantization(true, engine.Precision("fp64")))
}

func TestConfigureMemoryPoolDefersWhileInUse(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	require.NoError(t, h.a.ConfigureMemoryPool(512, true))
	// Allocations are live, so the pool keeps its old geometry.
	assert.Equal(t, uint64(512), h.a.UsedMiB())
	assert.True(t, h.a.HasMiB(512))

	require.NoError(t, h.a.ReleaseModel(mh))
	require.NoError(t, h.a.UnloadModel(mh))
	require.NoError(t, h.a.ResetDevice())

	stats := h.a.MemoryStats()
	assert.Equal(t, uint64(512), stats.PoolMiB)

	assert.Error(t, h.a.ConfigureMemoryPool(0, true))
}

func TestConfigureStreams(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())

	require.NoError(t, h.a.ConfigureStreams(true, 2))
	require.NoError(t, h.a.ConfigureStreams(false, 0))
	assert.Error(t, h.a.ConfigureStreams(true, -1))

	// Translation still works on the default stream.
	mh := h.loadModel(t, "en-es")
	out, err := h.a.Translate(context.Background(), mh, "hola")
	require.NoError(t, err)
	assert.Equal(t, "[gpu] hola [en-es]", out)
}

func TestConfigureStreamsEndsLiveSessions(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")
	require.NoError(t, h.a.StartSession(mh, "s1"))

	require.NoError(t, h.a.ConfigureStreams(true, 2))
	assert.Equal(t, 2, h.rt.LiveStreams())
	assert.Zero(t, h.a.SessionCount())

	_, err := h.a.PushChunk(context.Background(), "s1", "hola")
	assert.ErrorIs(t, err, errors.ErrNoSuchSession)

	// The session's model pin was released with it.
	require.NoError(t, h.a.ReleaseModel(mh))
	require.NoError(t, h.a.UnloadModel(mh))
}

func TestCleanupReleasesEverything(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")
	require.NoError(t, h.a.StartSession(mh, "s1"))

	h.a.Cleanup()
	h.a.Cleanup()

	assert.False(t, h.a.Initialized())
	assert.Zero(t, h.rt.LiveAllocations())
	assert.Zero(t, h.rt.LiveStreams())

	_, err := h.a.LoadModel(context.Background(), "/models/en-es.npz", "en-es")
	assert.ErrorIs(t, err, errors.ErrNotInitialized)
}

func TestResetStats(t *testing.T) {
	h := newHarness(t, cuda.DefaultSimDevice())
	mh := h.loadModel(t, "en-es")

	_, err := h.a.Translate(context.Background(), mh, "hola")
	require.NoError(t, err)
	require.Equal(t, uint64(1), h.a.Stats().Counters.Translations)

	h.a.ResetStats()
	assert.Zero(t, h.a.Stats().Counters.Translations)
	assert.Empty(t, h.a.History(1))
}
