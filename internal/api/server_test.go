package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/document"
	"github.com/huntsman-array/huntsman-drp/internal/mongodb"
	"github.com/huntsman-array/huntsman-drp/internal/services"
)

// fakeService reports a fixed status snapshot.
type fakeService struct {
	status services.Status
}

func (f *fakeService) Name() string            { return f.status.Service }
func (f *fakeService) Status() services.Status { return f.status }

// fakeFinder serves canned documents, honouring exact-match filters.
type fakeFinder struct {
	name string
	docs []document.Document
	err  error
}

func (f *fakeFinder) Name() string { return f.name }

func (f *fakeFinder) Find(ctx context.Context, match document.Document, opts *mongodb.FindOptions) ([]document.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []document.Document
	for _, doc := range f.docs {
		if docMatches(doc, match) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func docMatches(doc, match document.Document) bool {
	for k, want := range match {
		got, ok := doc.Get(k)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func setupTestServer(exposures, calibs *fakeFinder, svcs ...Service) *Server {
	cfg := &config.Config{
		Cameras: config.CamerasConfig{Devices: []string{"dslr-north", "dslr-south"}},
	}
	return NewServer(cfg, svcs, exposures, calibs, nil, nil)
}

func testCalibDocs() []document.Document {
	return []document.Document{
		{
			document.KeyDatasetType: "bias",
			document.KeyCCD:         1,
			document.KeyCalibDate:   "2021-03-14",
			document.KeyFilename:    "calib/bias/2021-03-14/ccd_1.fits",
		},
		{
			document.KeyDatasetType: "flat",
			document.KeyCCD:         1,
			document.KeyFilter:      "g_band",
			document.KeyCalibDate:   "2021-03-14",
			document.KeyFilename:    "calib/flat/2021-03-14/ccd_1_filter_g_band.fits",
		},
		{
			document.KeyDatasetType: "flat",
			document.KeyCCD:         2,
			document.KeyFilter:      "g_band",
			document.KeyCalibDate:   "2021-03-14",
			document.KeyFilename:    "calib/flat/2021-03-14/ccd_2_filter_g_band.fits",
		},
	}
}

// TestHealthz tests the liveness endpoint
func TestHealthz(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	server.healthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if body["status"] != "ok" {
		t.Errorf("Expected status 'ok', got %q", body["status"])
	}
	if body["version"] == "" {
		t.Error("Expected version in health response")
	}
}

// TestHealthz_MethodNotAllowed tests that only GET is allowed
func TestHealthz_MethodNotAllowed(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()

	server.healthz(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestShowStatus tests the service status endpoint
func TestShowStatus(t *testing.T) {
	ingestor := &fakeService{status: services.Status{
		Service: "ingestor", Running: true, Queued: 2, Processed: 40, Failed: 1,
	}}
	screener := &fakeService{status: services.Status{
		Service: "screener", Running: true, Processed: 38,
	}}
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"}, ingestor, screener)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()

	server.showStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var statuses []services.Status
	if err := json.NewDecoder(w.Body).Decode(&statuses); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Service != "ingestor" || statuses[0].Processed != 40 || statuses[0].Failed != 1 {
		t.Errorf("Unexpected ingestor status: %+v", statuses[0])
	}
	if statuses[1].Service != "screener" || !statuses[1].Running {
		t.Errorf("Unexpected screener status: %+v", statuses[1])
	}
}

// TestShowStatus_NoServices tests that the endpoint returns an empty
// array rather than null
func TestShowStatus_NoServices(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()

	server.showStatus(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var statuses []services.Status
	if err := json.NewDecoder(w.Body).Decode(&statuses); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if statuses == nil {
		t.Error("Expected non-nil statuses array")
	}
}

// TestShowCollections tests the collection summary endpoint
func TestShowCollections(t *testing.T) {
	exposures := &fakeFinder{name: "raw_data", docs: []document.Document{
		{document.KeyFilename: "a.fits"},
		{document.KeyFilename: "b.fits"},
		{document.KeyFilename: "c.fits"},
	}}
	calibs := &fakeFinder{name: "master_calib", docs: testCalibDocs()}
	server := setupTestServer(exposures, calibs)

	req := httptest.NewRequest(http.MethodGet, "/api/collections", nil)
	w := httptest.NewRecorder()

	server.showCollections(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var counts map[string]int
	if err := json.NewDecoder(w.Body).Decode(&counts); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if counts["raw_data"] != 3 {
		t.Errorf("Expected 3 raw_data documents, got %d", counts["raw_data"])
	}
	if counts["master_calib"] != 3 {
		t.Errorf("Expected 3 master_calib documents, got %d", counts["master_calib"])
	}
}

// TestShowCollections_FindError tests store failure handling
func TestShowCollections_FindError(t *testing.T) {
	exposures := &fakeFinder{name: "raw_data", err: errors.New("connection reset")}
	server := setupTestServer(exposures, &fakeFinder{name: "master_calib"})

	req := httptest.NewRequest(http.MethodGet, "/api/collections", nil)
	w := httptest.NewRecorder()

	server.showCollections(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
}

// TestListCalibs tests listing master calibs
func TestListCalibs(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib", docs: testCalibDocs()})

	req := httptest.NewRequest(http.MethodGet, "/api/calibs", nil)
	w := httptest.NewRecorder()

	server.listCalibs(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var docs []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&docs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(docs) != 3 {
		t.Errorf("Expected 3 calibs, got %d", len(docs))
	}
}

// TestListCalibs_Filtered tests narrowing by query parameters
func TestListCalibs_Filtered(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib", docs: testCalibDocs()})

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"by ccd", "ccd=1", 2},
		{"by type", "type=flat", 2},
		{"by ccd and type", "ccd=2&type=flat", 1},
		{"by filter", "filter=g_band", 2},
		{"no match", "ccd=9", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/calibs?"+tt.query, nil)
			w := httptest.NewRecorder()

			server.listCalibs(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d", w.Code)
			}

			var docs []map[string]interface{}
			if err := json.NewDecoder(w.Body).Decode(&docs); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if docs == nil {
				t.Fatal("Expected non-nil calibs array")
			}
			if len(docs) != tt.want {
				t.Errorf("Expected %d calibs, got %d", tt.want, len(docs))
			}
		})
	}
}

// TestListCalibs_InvalidCCD tests ccd parameter validation
func TestListCalibs_InvalidCCD(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	for _, ccd := range []string{"abc", "0", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/calibs?ccd="+ccd, nil)
		w := httptest.NewRecorder()

		server.listCalibs(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ccd=%s: expected status 400, got %d", ccd, w.Code)
		}
	}
}

// TestListCalibs_MethodNotAllowed tests that only GET is allowed
func TestListCalibs_MethodNotAllowed(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	req := httptest.NewRequest(http.MethodDelete, "/api/calibs", nil)
	w := httptest.NewRecorder()

	server.listCalibs(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

// TestServeMux tests that the routes are wired
func TestServeMux(t *testing.T) {
	ingestor := &fakeService{status: services.Status{Service: "ingestor", Running: true}}
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"}, ingestor)

	mux := server.ServeMux()

	for _, path := range []string{"/healthz", "/api/status", "/api/collections", "/api/calibs"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()

		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("GET %s: expected status 200, got %d", path, w.Code)
		}
	}
}

// TestLoggingMiddleware tests that the wrapped status code passes
// through
func TestLoggingMiddleware(t *testing.T) {
	server := setupTestServer(&fakeFinder{name: "raw_data"}, &fakeFinder{name: "master_calib"})

	handler := server.LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", w.Code)
	}
}
