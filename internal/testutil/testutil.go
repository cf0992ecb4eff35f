// Package testutil provides shared test helpers: durable slots and an
// in-memory stand-in for the property-assessment backend.
package testutil

import (
	"testing"

	"github.com/starford/assessdesk/internal/storage"
)

// TestSlots returns a filesystem slot provider rooted in a temp directory.
func TestSlots(t *testing.T) (string, *storage.FS) {
	t.Helper()
	dir := t.TempDir()
	slots, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, slots
}
