package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvault/internal/app"
	"docvault/internal/config"
	"docvault/internal/passage"
	"docvault/internal/vector"
)

var errConnRefused = errors.New("connection refused")

type fakeEnsurer struct {
	calls int
	errs  []error
}

func (f *fakeEnsurer) EnsureReady(context.Context, vector.IndexSpec) error {
	f.calls++
	if f.calls <= len(f.errs) {
		return f.errs[f.calls-1]
	}
	return nil
}

func quickPolicy(retries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), retries)
}

var spec = vector.IndexSpec{Name: "Passage", Dimension: 4, Metric: vector.MetricCosine}

func TestEnsureIndexWithRetry(t *testing.T) {
	unavailable := fmt.Errorf("%w: check collection: %w", passage.ErrIndexUnavailable, errConnRefused)

	tests := []struct {
		name      string
		errs      []error
		retries   uint64
		wantErr   error
		wantCalls int
	}{
		{name: "ready first time", wantCalls: 1},
		{name: "recovers after outage", errs: []error{unavailable, unavailable}, retries: 5, wantCalls: 3},
		{name: "outage outlasts budget", errs: []error{unavailable, unavailable, unavailable}, retries: 2, wantErr: passage.ErrIndexUnavailable, wantCalls: 3},
		{name: "build timeout is not retried", errs: []error{passage.ErrIndexTimeout}, retries: 5, wantErr: passage.ErrIndexTimeout, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeEnsurer{errs: tt.errs}
			err := app.EnsureIndexWithRetry(context.Background(), f, spec, quickPolicy(tt.retries))

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, f.calls)
		})
	}
}

func TestEnsureIndexWithRetry_ManagerRecovers(t *testing.T) {
	backend := newMemBackend()
	backend.unreachable = 2
	m := vector.NewManager(backend, constEmbedder{dim: 4}, vector.PollConfig{Interval: time.Millisecond, Attempts: 3}, nil)

	require.NoError(t, app.EnsureIndexWithRetry(context.Background(), m, spec, quickPolicy(5)))
	assert.Equal(t, vector.StatusReady, m.State().Status)
}

func TestIndexSpec(t *testing.T) {
	cfg := &config.Config{IndexName: "Passage", IndexMetric: "cosine", EmbeddingDimension: 768}
	assert.Equal(t, vector.IndexSpec{Name: "Passage", Dimension: 768, Metric: vector.MetricCosine}, app.IndexSpec(cfg))
}

func TestBootstrap_DBDown(t *testing.T) {
	cfg := &config.Config{
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg, nil)

	require.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 5*time.Second)
}
