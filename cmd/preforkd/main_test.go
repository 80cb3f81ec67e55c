package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taesko/preforkd/internal/config"
)

func writeExecutable(t *testing.T, root, relPath string) string {
	t.Helper()
	full := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("#!/bin/sh\necho hi\n"), 0o755))
	return full
}

func TestResolveScriptFindsExecutableUnderRoot(t *testing.T) {
	root := t.TempDir()
	writeExecutable(t, root, "hello.cgi")

	h := &rootHandler{cfg: &config.Config{CGIScriptRoot: root}}
	path, ok := h.resolveScript("/hello.cgi")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, "hello.cgi"), path)
}

func TestResolveScriptRejectsPathEscape(t *testing.T) {
	root := t.TempDir()
	scriptsDir := filepath.Join(root, "scripts")
	require.NoError(t, os.MkdirAll(scriptsDir, 0o755))
	writeExecutable(t, root, "secret.cgi")

	h := &rootHandler{cfg: &config.Config{CGIScriptRoot: scriptsDir}}
	_, ok := h.resolveScript("/../secret.cgi")
	assert.False(t, ok)
}

func TestResolveScriptRejectsNonExecutableFile(t *testing.T) {
	root := t.TempDir()
	full := filepath.Join(root, "data.txt")
	require.NoError(t, os.WriteFile(full, []byte("not a script"), 0o644))

	h := &rootHandler{cfg: &config.Config{CGIScriptRoot: root}}
	_, ok := h.resolveScript("/data.txt")
	assert.False(t, ok)
}

func TestResolveScriptRejectsMissingFile(t *testing.T) {
	root := t.TempDir()
	h := &rootHandler{cfg: &config.Config{CGIScriptRoot: root}}
	_, ok := h.resolveScript("/nope.cgi")
	assert.False(t, ok)
}

func TestResolveScriptRejectsDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "subdir"), 0o755))

	h := &rootHandler{cfg: &config.Config{CGIScriptRoot: root}}
	_, ok := h.resolveScript("/subdir")
	assert.False(t, ok)
}
