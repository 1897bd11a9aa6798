package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_InitFailureReturnsError(t *testing.T) {
	// GIVEN: A database path below a regular file
	// WHEN: Starting the server
	// THEN: run returns the error instead of exiting the process

	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	err := run([]string{"-db", filepath.Join(blocker, "data", "ledger.db"), "-addr", "127.0.0.1:0"})

	assert.Error(t, err)
}

func TestRun_RejectsUnknownFlag(t *testing.T) {
	assert.Error(t, run([]string{"-nope"}))
}
