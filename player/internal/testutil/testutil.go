// Package testutil provides shared test infrastructure for the player and
// its decoder packages.
package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// SeedEnv overrides the random seed used by Rand.
const SeedEnv = "LOGSCOPE_TEST_SEED"

// Rand returns a seeded generator and logs the seed so failures reproduce.
func Rand(t testing.TB) *rand.Rand {
	t.Helper()
	seed := time.Now().UnixNano()
	if v := os.Getenv(SeedEnv); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			t.Fatalf("invalid %s=%q: %v", SeedEnv, v, err)
		}
		seed = parsed
	}
	t.Logf("random seed %d (set %s to reproduce)", seed, SeedEnv)
	return rand.New(rand.NewSource(seed))
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v: %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}

// WriteFile writes content to name inside dir and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}
