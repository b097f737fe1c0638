package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir_EnvOverride(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()

	// Set custom path via env var
	customDir := t.TempDir()
	os.Setenv(ParleyDirEnv, customDir)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}

	if dir != customDir {
		t.Errorf("Dir() = %q, want %q", dir, customDir)
	}
}

func TestDir_DefaultPath(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()
	os.Unsetenv(ParleyDirEnv)

	dir, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}

	if !strings.Contains(strings.ToLower(dir), "parley") {
		t.Errorf("Dir() = %q, expected path to contain 'parley'", dir)
	}
}

func TestDir_Cached(t *testing.T) {
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()
	customDir := t.TempDir()
	os.Setenv(ParleyDirEnv, customDir)

	first, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}

	// A later env change is not observed until the cache is reset.
	os.Setenv(ParleyDirEnv, t.TempDir())
	second, err := Dir()
	if err != nil {
		t.Fatalf("Dir() failed: %v", err)
	}
	if second != first {
		t.Errorf("Dir() = %q after env change, want cached %q", second, first)
	}
}

func TestEnsureDir(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()

	// Use temp dir
	tmpDir := filepath.Join(t.TempDir(), "parley-test")
	os.Setenv(ParleyDirEnv, tmpDir)

	// Ensure the directory doesn't exist yet
	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Fatalf("temp dir should not exist initially")
	}

	// Call EnsureDir
	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir() failed: %v", err)
	}

	// Verify main directory exists
	info, err := os.Stat(tmpDir)
	if err != nil {
		t.Fatalf("main dir does not exist after EnsureDir(): %v", err)
	}
	if !info.IsDir() {
		t.Error("main path is not a directory")
	}

	// Verify logs subdirectory exists
	logsDir := filepath.Join(tmpDir, LogsDirName)
	info, err = os.Stat(logsDir)
	if err != nil {
		t.Fatalf("logs dir does not exist after EnsureDir(): %v", err)
	}
	if !info.IsDir() {
		t.Error("logs path is not a directory")
	}
}

func TestConfigPath(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()

	customDir := t.TempDir()
	os.Setenv(ParleyDirEnv, customDir)

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() failed: %v", err)
	}

	expected := filepath.Join(customDir, ConfigFileName)
	if configPath != expected {
		t.Errorf("ConfigPath() = %q, want %q", configPath, expected)
	}
}

func TestHistoryPath(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()

	customDir := t.TempDir()
	os.Setenv(ParleyDirEnv, customDir)

	historyPath, err := HistoryPath()
	if err != nil {
		t.Fatalf("HistoryPath() failed: %v", err)
	}

	expected := filepath.Join(customDir, HistoryFileName)
	if historyPath != expected {
		t.Errorf("HistoryPath() = %q, want %q", historyPath, expected)
	}
}

func TestLogsDir(t *testing.T) {
	// Save original value
	original := os.Getenv(ParleyDirEnv)
	defer func() {
		os.Setenv(ParleyDirEnv, original)
		ResetCache()
	}()

	ResetCache()

	customDir := t.TempDir()
	os.Setenv(ParleyDirEnv, customDir)

	logsDir, err := LogsDir()
	if err != nil {
		t.Fatalf("LogsDir() failed: %v", err)
	}

	expected := filepath.Join(customDir, LogsDirName)
	if logsDir != expected {
		t.Errorf("LogsDir() = %q, want %q", logsDir, expected)
	}
}
