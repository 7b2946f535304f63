package main

import (
	"path/filepath"
	"testing"
)

func TestOpenStore(t *testing.T) {
	// exercises driver registration and db directory creation from a cold start
	st, err := openStore(filepath.Join(t.TempDir(), "data", "gridcast.db"))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer st.Close()

	sites, err := st.GetActiveSites()
	if err != nil {
		t.Fatalf("GetActiveSites on fresh db: %v", err)
	}
	if len(sites) != 0 {
		t.Errorf("fresh db has %d sites, want 0", len(sites))
	}
}
