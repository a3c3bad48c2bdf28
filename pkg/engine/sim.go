package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"speechrnt-accel/pkg/cuda"
	"speechrnt-accel/pkg/errors"
)

// SimEngine is a deterministic Engine used when no NMT library is linked.
// Translations are synthesized from the input so ordering and alignment are
// observable in tests.
type SimEngine struct {
	mu sync.Mutex

	loaded     map[Model]struct{}
	delay      time.Duration
	failEmpty  bool
	failLoad   bool
	translated int
}

type simModel struct {
	path string
	pair string
}

func (m *simModel) Pair() string { return m.pair }

// NewSimEngine returns a simulated engine.
func NewSimEngine() *SimEngine {
	return &SimEngine{loaded: make(map[Model]struct{})}
}

// SetDelay makes each translation take at least d of wall time.
func (e *SimEngine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.delay = d
}

// FailOnEmptyInput makes Translate fail for empty inputs.
func (e *SimEngine) FailOnEmptyInput(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failEmpty = fail
}

// FailLoads makes Load fail until re-enabled.
func (e *SimEngine) FailLoads(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.failLoad = fail
}

// Translated returns the number of successful translations.
func (e *SimEngine) Translated() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.translated
}

func (e *SimEngine) Load(_ context.Context, path, pair string, _ Precision) (Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.failLoad {
		return nil, errors.NewEngineError(fmt.Sprintf("cannot load %s", path))
	}

	m := &simModel{path: path, pair: pair}
	e.loaded[m] = struct{}{}

	return m, nil
}

func (e *SimEngine) Translate(ctx context.Context, m Model, text string, _ cuda.StreamID) (string, error) {
	e.mu.Lock()
	if _, ok := e.loaded[m]; !ok {
		e.mu.Unlock()
		return "", errors.NewEngineError("model is not loaded")
	}

	delay := e.delay
	failEmpty := e.failEmpty
	e.mu.Unlock()

	if failEmpty && text == "" {
		return "", errors.NewEngineError("empty input")
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	e.mu.Lock()
	e.translated++
	e.mu.Unlock()

	return fmt.Sprintf("[gpu] %s [%s]", text, m.Pair()), nil
}

func (e *SimEngine) Release(m Model) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.loaded[m]; !ok {
		return errors.NewEngineError("release of unknown model")
	}

	delete(e.loaded, m)

	return nil
}
