package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRegistryKnowsBothBackends(t *testing.T) {
	types := RegisteredTypes()
	found := map[Type]bool{}
	for _, ty := range types {
		found[ty] = true
	}
	if !found[TypeLocalFile] || !found[TypeDrive] {
		t.Fatalf("expected local-file and drive to be registered, got %v", types)
	}
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New(Config{Type: "carrier-pigeon"}); err == nil {
		t.Error("unknown provider type must fail")
	}
}

func TestLocalFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "family.sync.json")
	p, err := New(Config{Type: TypeLocalFile, Path: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()

	if _, err := p.Read(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("reading a missing file should be ErrNotFound, got %v", err)
	}
	if _, err := p.LastModified(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("stat of a missing file should be ErrNotFound, got %v", err)
	}

	payload := []byte(`{"version":"3.0"}`)
	if err := p.Write(ctx, payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := p.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
	if _, err := p.LastModified(ctx); err != nil {
		t.Errorf("LastModified after write failed: %v", err)
	}
	if p.DisplayName() != "family.sync.json" {
		t.Errorf("display name = %q", p.DisplayName())
	}

	// No temp files left behind by the atomic write.
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the sync file in the directory, found %d entries", len(entries))
	}
}

func TestLocalFileChangeHints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "family.sync.json")
	lf, err := NewLocalFile(path)
	if err != nil {
		t.Fatalf("NewLocalFile failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hints, err := lf.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}

	if err := lf.Write(ctx, []byte("{}")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case <-hints:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change hint after writing the file")
	}
}

func driveServer(t *testing.T) (*httptest.Server, *[]byte) {
	t.Helper()

	var stored []byte
	var modTime time.Time
	mux := http.NewServeMux()
	mux.HandleFunc("/files/family.sync.json", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored = body
			modTime = time.Now()
			w.WriteHeader(http.StatusNoContent)
		case http.MethodHead:
			if stored == nil {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
		case http.MethodGet:
			if stored == nil {
				http.NotFound(w, r)
				return
			}
			w.Write(stored)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &stored
}

func TestDriveRoundTrip(t *testing.T) {
	srv, _ := driveServer(t)
	ctx := context.Background()

	p, err := NewDrive(srv.URL+"/files/family.sync.json", "tok-1")
	if err != nil {
		t.Fatalf("NewDrive failed: %v", err)
	}

	if _, err := p.Read(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing remote file should be ErrNotFound, got %v", err)
	}

	if err := p.Write(ctx, []byte(`{"version":"3.0"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := p.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != `{"version":"3.0"}` {
		t.Errorf("read back %q", got)
	}
	if _, err := p.LastModified(ctx); err != nil {
		t.Errorf("LastModified failed: %v", err)
	}
	if p.DisplayName() != "family.sync.json" {
		t.Errorf("display name = %q", p.DisplayName())
	}
}

func TestDrivePermissionError(t *testing.T) {
	srv, _ := driveServer(t)

	p, err := NewDrive(srv.URL+"/files/family.sync.json", "wrong-token")
	if err != nil {
		t.Fatalf("NewDrive failed: %v", err)
	}
	if err := p.Write(context.Background(), []byte("{}")); !errors.Is(err, ErrPermission) {
		t.Errorf("revoked token should map to ErrPermission, got %v", err)
	}
}
