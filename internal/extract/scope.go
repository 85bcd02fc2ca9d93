package extract

import (
	"context"
	"errors"
	"fmt"
	"os"

	"docvault/internal/passage"
)

// withWorkspace creates a private temporary directory, runs fn inside it and
// removes the directory and everything fn left there on every exit path.
func withWorkspace(base, pattern string, fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return fmt.Errorf("%w: create workspace: %w", passage.ErrExtractionFailed, err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("remove workspace: %w", rmErr))
		}
	}()
	return fn(dir)
}

// withEngine opens an OCR engine for the duration of fn and always closes it.
func withEngine(ctx context.Context, open EngineFactory, fn func(OCREngine) error) (err error) {
	engine, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open ocr engine: %w", err)
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close ocr engine: %w", closeErr))
		}
	}()
	return fn(engine)
}
