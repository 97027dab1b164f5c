package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// StorePath returns the path of a fresh SQLite database file inside a
// directory removed when the test ends.
func StorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "objects.db")
}

// RunConcurrently runs fn on n goroutines and waits for all of them.
// Goroutines start together so they contend from the first call.
func RunConcurrently(t *testing.T, n int, fn func(worker int)) {
	t.Helper()

	var (
		start sync.WaitGroup
		done  sync.WaitGroup
	)
	start.Add(1)
	done.Add(n)
	for i := 0; i < n; i++ {
		go func(worker int) {
			defer done.Done()
			start.Wait()
			fn(worker)
		}(i)
	}
	start.Done()
	done.Wait()
}

// Eventually polls cond until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v: %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}
