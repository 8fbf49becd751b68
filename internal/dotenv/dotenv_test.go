package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"GLAZEBOT_TEST_FROM_FILE=loaded\n" +
		"GLAZEBOT_TEST_QUOTED=\"hello world\"\n" +
		"export GLAZEBOT_TEST_EXPORTED=ok\n" +
		"GLAZEBOT_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("GLAZEBOT_TEST_EXISTING", "already_set")
	for _, k := range []string{"GLAZEBOT_TEST_FROM_FILE", "GLAZEBOT_TEST_QUOTED", "GLAZEBOT_TEST_EXPORTED"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("GLAZEBOT_TEST_FROM_FILE"); got != "loaded" {
		t.Fatalf("FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("GLAZEBOT_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("GLAZEBOT_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("GLAZEBOT_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadFiles_EarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	if err := os.WriteFile(local, []byte("GLAZEBOT_TEST_LAYER=local\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(base, []byte("GLAZEBOT_TEST_LAYER=base\nGLAZEBOT_TEST_BASE_ONLY=yes\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GLAZEBOT_TEST_LAYER", "")
	os.Unsetenv("GLAZEBOT_TEST_LAYER")
	t.Setenv("GLAZEBOT_TEST_BASE_ONLY", "")
	os.Unsetenv("GLAZEBOT_TEST_BASE_ONLY")

	if err := LoadFiles(local, filepath.Join(dir, "missing"), base); err != nil {
		t.Fatalf("LoadFiles error: %v", err)
	}
	if got := os.Getenv("GLAZEBOT_TEST_LAYER"); got != "local" {
		t.Fatalf("LAYER=%q, want local", got)
	}
	if got := os.Getenv("GLAZEBOT_TEST_BASE_ONLY"); got != "yes" {
		t.Fatalf("BASE_ONLY=%q, want yes", got)
	}
}
