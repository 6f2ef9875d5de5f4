package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mockexchange/pkg/logging"
)

type fakeRunner struct {
	name string
	run  func(ctx context.Context) error
}

func (r *fakeRunner) Name() string                  { return r.name }
func (r *fakeRunner) Run(ctx context.Context) error { return r.run(ctx) }

func TestAppRunPropagatesRunnerError(t *testing.T) {
	app := &App{Logger: logging.NewNopLogger()}
	boom := errors.New("boom")

	err := app.Run(
		&fakeRunner{name: "ok", run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		}},
		&fakeRunner{name: "broken", run: func(ctx context.Context) error {
			return boom
		}},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

func TestAppRunCleanExit(t *testing.T) {
	app := &App{Logger: logging.NewNopLogger()}
	err := app.Run(
		&fakeRunner{name: "quick", run: func(ctx context.Context) error { return nil }},
		&fakeRunner{name: "canceled", run: func(ctx context.Context) error { return context.Canceled }},
	)
	assert.NoError(t, err, "context.Canceled from a runner is a normal shutdown")
}

func TestNewAppLoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system:\n  log_level: ERROR\n"), 0o600))

	app, err := NewApp(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", app.Cfg.System.LogLevel)
	assert.NotNil(t, app.Logger)

	_, err = NewApp(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
