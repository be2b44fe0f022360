package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"blunav/positioning-server/internal/model"
	"blunav/positioning-server/internal/positioning"
	"blunav/positioning-server/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEngine(t *testing.T) *positioning.Engine {
	t.Helper()

	reg := positioning.NewRegistry()
	if err := reg.Replace([]positioning.Anchor{
		{ID: "20:A7:16:5E:C5:D6", X: 764, Y: 216, Z: 63},
		{ID: "20:A7:16:61:0C:F1", X: 0, Y: 152, Z: 157},
		{ID: "20:A7:16:60:FB:FC", X: 309, Y: 748, Z: 63},
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	rssiModel, err := positioning.PythonFit(-49.656, -43.284, 4.328, positioning.Centimeter)
	if err != nil {
		t.Fatalf("PythonFit: %v", err)
	}
	return positioning.NewEngine(reg, rssiModel)
}

func testApp(t *testing.T) *App {
	t.Helper()
	return &App{logger: testLogger(), engine: testEngine(t)}
}

func testAppWithStore(t *testing.T) *App {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	return &App{logger: testLogger(), engine: testEngine(t), store: db}
}

func locateBody(t *testing.T, algorithm string, minConfidence float64, signals []model.BeaconSignal) *bytes.Buffer {
	t.Helper()

	req := model.LocationRequest{
		ClientID: "device_001",
		Signals:  signals,
		Options: model.LocationOptions{
			Algorithm:     algorithm,
			MinConfidence: minConfidence,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return bytes.NewBuffer(data)
}

func seedSignals() []model.BeaconSignal {
	return []model.BeaconSignal{
		{BeaconID: "20:A7:16:5E:C5:D6", RSSI: -52},
		{BeaconID: "20:A7:16:61:0C:F1", RSSI: -77},
		{BeaconID: "20:A7:16:60:FB:FC", RSSI: -86},
	}
}

func doLocate(t *testing.T, a *App, body *bytes.Buffer) (*httptest.ResponseRecorder, model.LocationResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/locate", body)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	var resp model.LocationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestLocateSuccess(t *testing.T) {
	a := testApp(t)

	rec, resp := doLocate(t, a, locateBody(t, "auto", 0, seedSignals()))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if resp.Status != model.StatusSuccess || resp.Code != model.CodeSuccess {
		t.Errorf("envelope = %s/%d, want success/200", resp.Status, resp.Code)
	}
	if resp.ClientID != "device_001" {
		t.Errorf("client_id = %q", resp.ClientID)
	}
	if resp.Result == nil {
		t.Fatal("missing result")
	}
	if resp.Result.Algorithm != "weighted" || resp.Result.BeaconCount != 3 {
		t.Errorf("result = %+v, want weighted over 3 beacons", resp.Result)
	}
	if resp.Result.Confidence <= 0 || resp.Result.Confidence > 1 {
		t.Errorf("confidence = %v", resp.Result.Confidence)
	}
	if resp.Options == nil || resp.Options.Algorithm != "auto" {
		t.Errorf("options not echoed: %+v", resp.Options)
	}
	if resp.Options.EnableKalmanFilter == nil || !*resp.Options.EnableKalmanFilter {
		t.Error("kalman default not echoed as enabled")
	}
}

func TestLocateTooFewSignals(t *testing.T) {
	a := testApp(t)

	rec, resp := doLocate(t, a, locateBody(t, "auto", 0, seedSignals()[:1]))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Status != model.StatusBadRequest {
		t.Errorf("status = %q, want bad_request", resp.Status)
	}
	if resp.Result != nil {
		t.Error("unexpected result on failure")
	}
	if resp.ErrorDetails == "" {
		t.Error("missing error details")
	}
}

func TestLocateUnknownAlgorithm(t *testing.T) {
	a := testApp(t)

	rec, resp := doLocate(t, a, locateBody(t, "fancy", 0, seedSignals()))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp.Status != model.StatusBadRequest {
		t.Errorf("status = %q, want bad_request", resp.Status)
	}
}

func TestLocateLowConfidence(t *testing.T) {
	a := testApp(t)

	rec, resp := doLocate(t, a, locateBody(t, "auto", 0.99, seedSignals()))

	if rec.Code != model.CodePositioningFailed {
		t.Fatalf("status = %d, want 420", rec.Code)
	}
	if resp.Status != model.StatusPositioningFailed {
		t.Errorf("status = %q, want positioning_failed", resp.Status)
	}
	// The computed confidence travels in the failure details.
	if resp.ErrorDetails == "" {
		t.Fatal("missing error details")
	}
}

func TestLocateMalformedBody(t *testing.T) {
	a := testApp(t)

	rec, _ := doLocate(t, a, bytes.NewBufferString("{not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLocateMethodNotAllowed(t *testing.T) {
	a := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/locate", nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	a := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Status      string `json:"status"`
		BeaconCount int    `json:"beacon_count"`
		RSSIModel   string `json:"rssi_model"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "ok" || resp.BeaconCount != 3 || resp.RSSIModel == "" {
		t.Errorf("unexpected health payload: %+v", resp)
	}
}

func TestBeaconInventoryCRUD(t *testing.T) {
	a := testAppWithStore(t)
	handler := a.routes()

	beacon := model.InventoryBeacon{
		UUID:  "FDA50693-A4E2-4FB1-AFCF-C6EB07647825",
		Major: 10000,
		Minor: 12345,
		Location: model.InventoryLocation{
			X: 100, Y: 200, Z: 150, Floor: "1F", AreaID: "area_001",
		},
		Power:    -59,
		Interval: 1000,
		Status:   "active",
	}
	body, _ := json.Marshal(beacon)

	// Create.
	req := httptest.NewRequest(http.MethodPost, "/api/beacons", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var created model.InventoryBeacon
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.ID == "" {
		t.Fatal("create did not assign an id")
	}

	// List.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/beacons", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listing struct {
		Beacons []model.InventoryBeacon `json:"beacons"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if len(listing.Beacons) != 1 {
		t.Fatalf("listing has %d beacons, want 1", len(listing.Beacons))
	}

	// Update.
	created.Status = "inactive"
	body, _ = json.Marshal(created)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/beacons/"+created.ID, bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d (body %s)", rec.Code, rec.Body.String())
	}

	// Get reflects the update.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/beacons/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var fetched model.InventoryBeacon
	if err := json.Unmarshal(rec.Body.Bytes(), &fetched); err != nil {
		t.Fatalf("unmarshal fetched: %v", err)
	}
	if fetched.Status != "inactive" {
		t.Errorf("status = %q, want inactive", fetched.Status)
	}

	// Delete, then 404.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/beacons/"+created.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/beacons/"+created.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestBeaconCreateRejectsInvalidPower(t *testing.T) {
	a := testAppWithStore(t)

	beacon := model.InventoryBeacon{
		UUID:     "FDA50693-A4E2-4FB1-AFCF-C6EB07647825",
		Location: model.InventoryLocation{Floor: "1F", AreaID: "area_001"},
		Power:    5, // transmit power must not be positive
		Interval: 1000,
	}
	body, _ := json.Marshal(beacon)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/beacons", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLocatePersistsFix(t *testing.T) {
	a := testAppWithStore(t)

	rec, _ := doLocate(t, a, locateBody(t, "auto", 0, seedSignals()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	fixes, err := a.store.RecentPositionFixes(context.Background(), "device_001", 10)
	if err != nil {
		t.Fatalf("RecentPositionFixes: %v", err)
	}
	if len(fixes) != 1 {
		t.Fatalf("persisted %d fixes, want 1", len(fixes))
	}
	if fixes[0].Algorithm != "weighted" || fixes[0].BeaconCount != 3 {
		t.Errorf("fix = %+v", fixes[0])
	}
}

func TestLivePositionFromStoredReadings(t *testing.T) {
	a := testAppWithStore(t)

	ctx := context.Background()
	for _, r := range []model.SignalReading{
		// An older reading for the first beacon is superseded below.
		{BeaconID: "20:A7:16:5E:C5:D6", ClientID: "tag-9", RSSI: -90},
		{BeaconID: "20:A7:16:5E:C5:D6", ClientID: "tag-9", RSSI: -52},
		{BeaconID: "20:A7:16:61:0C:F1", ClientID: "tag-9", RSSI: -77},
		{BeaconID: "20:A7:16:60:FB:FC", ClientID: "tag-9", RSSI: -86},
	} {
		if err := a.store.InsertSignalReading(ctx, r); err != nil {
			t.Fatalf("InsertSignalReading: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/position/live?client_id=tag-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	var resp model.LocationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Result == nil || resp.Result.BeaconCount != 3 {
		t.Fatalf("result = %+v, want 3 beacons", resp.Result)
	}
}

func TestLivePositionRequiresClientID(t *testing.T) {
	a := testAppWithStore(t)

	rec := httptest.NewRecorder()
	a.routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/position/live", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
