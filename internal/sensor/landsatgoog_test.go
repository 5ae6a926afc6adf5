package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

func landsatDef(t *testing.T, catalogURL string) Definition {
	t.Helper()
	opts, err := json.Marshal(map[string]any{
		"catalog_url": catalogURL,
		"api_key":     "secret-key",
		"max_cloud":   70.0,
	})
	if err != nil {
		t.Fatalf("marshal options: %v", err)
	}
	return Definition{Name: "landsat8", Driver: "landsatgoog", Options: opts}
}

func TestLandsatQueryParsesCatalog(t *testing.T) {
	acquired := time.Date(2026, 8, 20, 10, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret-key" {
			t.Errorf("missing bearer token, got %q", got)
		}
		if r.URL.Query().Get("start") == "" || r.URL.Query().Get("end") == "" {
			t.Errorf("missing window params: %s", r.URL.RawQuery)
		}
		if got := r.URL.Query().Get("max_cloud"); got != "70" {
			t.Errorf("max_cloud = %q, want 70", got)
		}
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"scene_id":     "LC08_L1TP_203024_20260820",
				"acquired_at":  acquired.Format(time.RFC3339),
				"footprint":    "POLYGON((-7 52,-6 52,-6 53,-7 53,-7 52))",
				"cloud_cover":  12.5,
				"download_url": "https://example.org/bundle.tar.gz",
				"md5":          "abc123",
				"size":         1024,
			},
		})
	}))
	defer srv.Close()

	sn, err := newLandsatGoog(landsatDef(t, srv.URL))
	if err != nil {
		t.Fatalf("newLandsatGoog: %v", err)
	}
	descs, err := sn.Query(context.Background(), TimeWindow{Start: acquired.Add(-time.Hour), End: acquired.Add(time.Hour)})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("expected 1 descriptor, got %d", len(descs))
	}
	d := descs[0]
	if d.SceneID != "LC08_L1TP_203024_20260820" {
		t.Fatalf("scene id = %s", d.SceneID)
	}
	if !d.AcquiredAt.Equal(acquired) {
		t.Fatalf("acquired_at = %s, want %s", d.AcquiredAt, acquired)
	}
	if d.MD5 != "abc123" || d.Size != 1024 {
		t.Fatalf("integrity metadata lost: md5=%s size=%d", d.MD5, d.Size)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("descriptor should validate: %v", err)
	}
}

func TestLandsatQueryAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sn, err := newLandsatGoog(landsatDef(t, srv.URL))
	if err != nil {
		t.Fatalf("newLandsatGoog: %v", err)
	}
	_, err = sn.Query(context.Background(), TimeWindow{Start: time.Now().Add(-time.Hour), End: time.Now()})
	var authErr *models.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if authErr.Sensor != "landsat8" {
		t.Fatalf("auth error names sensor %q", authErr.Sensor)
	}
}

func TestLandsatQueryServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sn, err := newLandsatGoog(landsatDef(t, srv.URL))
	if err != nil {
		t.Fatalf("newLandsatGoog: %v", err)
	}
	_, err = sn.Query(context.Background(), TimeWindow{Start: time.Now().Add(-time.Hour), End: time.Now()})
	var transient *models.TransientNetworkError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientNetworkError, got %v", err)
	}
}

func TestLandsatDownloadWritesDestAndToken(t *testing.T) {
	payload := []byte("scene bundle bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-MD5", "feedface")
		w.Write(payload)
	}))
	defer srv.Close()

	sn, err := newLandsatGoog(landsatDef(t, srv.URL))
	if err != nil {
		t.Fatalf("newLandsatGoog: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "scene.part")
	token, err := sn.Download(context.Background(), SceneDescriptor{SceneID: "s1", Source: srv.URL}, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if token.MD5 != "feedface" {
		t.Fatalf("token.MD5 = %q, want response header digest", token.MD5)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("dest bytes differ from response body")
	}
}

func TestLandsatDownloadFallsBackToCatalogDigest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	sn, err := newLandsatGoog(landsatDef(t, srv.URL))
	if err != nil {
		t.Fatalf("newLandsatGoog: %v", err)
	}
	dest := filepath.Join(t.TempDir(), "scene.part")
	token, err := sn.Download(context.Background(), SceneDescriptor{SceneID: "s1", Source: srv.URL, MD5: "cataloghash", Size: 5}, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if token.MD5 != "cataloghash" {
		t.Fatalf("token.MD5 = %q, want catalog digest fallback", token.MD5)
	}
	if token.Size != 5 {
		t.Fatalf("token.Size = %d, want catalog size", token.Size)
	}
}

func TestLandsatRequiresCatalogURL(t *testing.T) {
	def := Definition{Name: "landsat8", Driver: "landsatgoog", Options: json.RawMessage(`{}`)}
	_, err := newLandsatGoog(def)
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
