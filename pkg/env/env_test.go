package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CHUNKCAST_TEST_CHUNK=4096\nCHUNKCAST_TEST_DEBUG=true\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("CHUNKCAST_TEST_CHUNK")
		os.Unsetenv("CHUNKCAST_TEST_DEBUG")
	})

	LoadEnv(path)

	if got := GetEnvInt("CHUNKCAST_TEST_CHUNK", 1); got != 4096 {
		t.Errorf("GetEnvInt = %d, want 4096", got)
	}
	if !GetEnvBool("CHUNKCAST_TEST_DEBUG", false) {
		t.Errorf("GetEnvBool = false, want true")
	}
}

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("CHUNKCAST_TEST_BAD_INT", "abc")

	if got := GetEnv("CHUNKCAST_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q, want fallback", got)
	}
	if got := GetEnvInt("CHUNKCAST_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvInt = %d, want 7", got)
	}
}
