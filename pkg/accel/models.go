package accel

import (
	"context"
	stderrors "errors"

	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
)

// LoadModel makes the model at path resident for the language pair,
// returning a handle. Loading an already-resident pair bumps its use count
// and returns the existing handle.
func (a *Accelerator) LoadModel(ctx context.Context, path, pair string) (model.Handle, error) {
	models, _, _, err := a.guard()
	if err != nil {
		return model.Handle{}, err
	}

	h, cached, err := models.Acquire(ctx, path, pair)
	if err != nil {
		if stderrors.Is(err, errors.ErrOutOfMemory) {
			a.HandleError(err.Error())
		}
		return model.Handle{}, a.fail(err)
	}

	if cached {
		a.logger.Debugf("Model %s already resident", pair)
	}

	return h, nil
}

// ReleaseModel drops one reference to a loaded model.
func (a *Accelerator) ReleaseModel(h model.Handle) error {
	models, _, _, err := a.guard()
	if err != nil {
		return err
	}

	if err := models.Release(h); err != nil {
		return a.fail(err)
	}

	return nil
}

// UnloadModel evicts a model and frees its memory. Fails with ErrModelInUse
// while references remain.
func (a *Accelerator) UnloadModel(h model.Handle) error {
	models, _, _, err := a.guard()
	if err != nil {
		return err
	}

	if err := models.Unload(h); err != nil {
		return a.fail(err)
	}

	return nil
}

// ListLoaded returns every resident model.
func (a *Accelerator) ListLoaded() []model.Entry {
	models, _, _, err := a.guard()
	if err != nil {
		return nil
	}

	return models.Loaded()
}

// IsLoaded reports whether a model for the pair is resident.
func (a *Accelerator) IsLoaded(pair string) bool {
	models, _, _, err := a.guard()
	if err != nil {
		return false
	}

	return models.IsLoaded(pair)
}

// GetModel returns the handle for a resident pair.
func (a *Accelerator) GetModel(pair string) (model.Handle, bool) {
	models, _, _, err := a.guard()
	if err != nil {
		return model.Handle{}, false
	}

	return models.Get(pair)
}
