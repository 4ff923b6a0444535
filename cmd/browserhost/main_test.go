package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browserhost/pkg/browser"
	"github.com/odvcencio/browserhost/pkg/browser/worker"
	"github.com/odvcencio/browserhost/pkg/logging"
)

func TestRunVersionFlag(t *testing.T) {
	require.NoError(t, run([]string{"-version"}))
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	assert.Error(t, run([]string{"-definitely-not-a-flag"}))
}

func TestRunMissingConfigFile(t *testing.T) {
	err := run([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
	assert.Error(t, err)
}

func TestHealthHandlerDegradedBeforeStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "worker"), []byte("#!/bin/sh\n"), 0o755))

	runtime, err := worker.NewRuntime(worker.Config{BinaryDir: dir}, logging.NewWriterLogger(nil))
	require.NoError(t, err)
	manager := browser.NewManager(runtime)

	rec := httptest.NewRecorder()
	healthHandler(runtime, manager)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status healthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "degraded", status.Status)
	assert.Equal(t, "stopped", status.Worker)
	assert.Equal(t, "disconnected", status.Connection)
	assert.Zero(t, status.Sessions)
}
