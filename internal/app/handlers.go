package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"blunav/positioning-server/internal/model"
	"blunav/positioning-server/internal/positioning"
	"blunav/positioning-server/internal/store"
)

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	response := struct {
		Status      string `json:"status"`
		BeaconCount int    `json:"beacon_count"`
		RSSIModel   string `json:"rssi_model"`
	}{
		Status:      "ok",
		BeaconCount: a.engine.Registry().Len(),
		RSSIModel:   a.engine.Model().Description(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		a.logger.Error("failed to encode health response", "error", err)
	}
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleLocate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.LocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeLocateFailure(w, "", nil, model.StatusBadRequest, model.CodeBadRequest, "malformed request body", err.Error())
		return
	}

	opts := normalizeOptions(req.Options)

	if err := req.Validate(); err != nil {
		a.writeLocateFailure(w, req.ClientID, &opts, model.StatusBadRequest, model.CodeBadRequest, "invalid positioning request", err.Error())
		return
	}

	readings := make([]positioning.SignalReading, 0, len(req.Signals))
	for _, s := range req.Signals {
		readings = append(readings, positioning.SignalReading{BeaconID: s.BeaconID, RSSI: s.RSSI})
	}

	est, err := a.engine.Compute(readings, positioning.Options{
		Algorithm:          opts.Algorithm,
		MinConfidence:      opts.MinConfidence,
		EnableKalmanFilter: *opts.EnableKalmanFilter,
		EnableSmoothing:    *opts.EnableSmoothing,
	})
	if err != nil {
		status, code, message := mapFailure(err)
		a.writeLocateFailure(w, req.ClientID, &opts, status, code, message, err.Error())
		return
	}

	ts := nowMillis()
	if req.RequestTimestampMS != nil {
		ts = *req.RequestTimestampMS
	}

	result := model.PositioningResult{
		X:           est.X,
		Y:           est.Y,
		Z:           est.Z,
		Confidence:  est.Confidence,
		Error:       est.Error,
		Algorithm:   est.Method,
		BeaconCount: est.BeaconCount,
		TimestampMS: ts,
	}

	a.persistFix(r.Context(), req.ClientID, est)

	response := model.LocationResponse{
		Status:              model.StatusSuccess,
		Code:                model.CodeSuccess,
		Message:             "position estimated",
		ClientID:            req.ClientID,
		Result:              &result,
		Options:             &opts,
		ResponseTimestampMS: nowMillis(),
	}
	a.writeJSON(w, http.StatusOK, response)
}

// normalizeOptions applies the request schema defaults: algorithm auto,
// Kalman filtering requested, smoothing off.
func normalizeOptions(opts model.LocationOptions) model.LocationOptions {
	if opts.Algorithm == "" {
		opts.Algorithm = "auto"
	}
	if opts.EnableKalmanFilter == nil {
		v := true
		opts.EnableKalmanFilter = &v
	}
	if opts.EnableSmoothing == nil {
		v := false
		opts.EnableSmoothing = &v
	}
	return opts
}

func (a *App) persistFix(ctx context.Context, clientID string, est positioning.PositionEstimate) {
	if a.store == nil {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := a.store.InsertPositionFix(storeCtx, model.PositionFix{
		ClientID:    clientID,
		X:           est.X,
		Y:           est.Y,
		Z:           est.Z,
		Confidence:  est.Confidence,
		Error:       est.Error,
		Algorithm:   est.Method,
		BeaconCount: est.BeaconCount,
	}); err != nil {
		a.logger.Error("failed to persist position fix", "client", clientID, "error", err)
	}
}

func (a *App) writeLocateFailure(w http.ResponseWriter, clientID string, opts *model.LocationOptions, status string, code int, message, details string) {
	response := model.LocationResponse{
		Status:              status,
		Code:                code,
		Message:             message,
		ClientID:            clientID,
		Options:             opts,
		ErrorDetails:        details,
		ResponseTimestampMS: nowMillis(),
	}
	a.writeJSON(w, code, response)
}

func (a *App) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) handleBeacons(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		beacons, err := a.store.ListBeacons(ctx)
		if err != nil {
			a.logger.Error("beacon list failed", "error", err)
			http.Error(w, "failed to load beacons", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusOK, struct {
			Beacons []model.InventoryBeacon `json:"beacons"`
		}{Beacons: beacons})
	case http.MethodPost:
		var beacon model.InventoryBeacon
		if err := json.NewDecoder(r.Body).Decode(&beacon); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if beacon.Status == "" {
			beacon.Status = "active"
		}

		// The store assigns the id; validate the rest up front.
		candidate := beacon
		if candidate.ID == "" {
			candidate.ID = "pending"
		}
		if err := candidate.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		created, err := a.store.CreateBeacon(ctx, beacon)
		if err != nil {
			a.logger.Error("beacon create failed", "error", err)
			http.Error(w, "failed to create beacon", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusCreated, created)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) handleBeaconByID(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/beacons/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		beacon, err := a.store.GetBeacon(ctx, id)
		if err != nil {
			a.writeStoreError(w, "beacon get failed", err)
			return
		}
		a.writeJSON(w, http.StatusOK, beacon)
	case http.MethodPut:
		var beacon model.InventoryBeacon
		if err := json.NewDecoder(r.Body).Decode(&beacon); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		beacon.ID = id
		if err := beacon.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.store.UpdateBeacon(ctx, beacon); err != nil {
			a.writeStoreError(w, "beacon update failed", err)
			return
		}
		a.writeJSON(w, http.StatusOK, beacon)
	case http.MethodDelete:
		if err := a.store.DeleteBeacon(ctx, id); err != nil {
			a.writeStoreError(w, "beacon delete failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) writeStoreError(w http.ResponseWriter, logMsg string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	a.logger.Error(logMsg, "error", err)
	http.Error(w, "storage error", http.StatusInternalServerError)
}

// handleLivePosition estimates a position from the newest stored reading
// per beacon for one tracked client.
func (a *App) handleLivePosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	latest, err := a.store.LatestReadingsForClient(ctx, clientID)
	if err != nil {
		a.logger.Error("latest readings query failed", "client", clientID, "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	readings := make([]positioning.SignalReading, 0, len(latest))
	for _, reading := range latest {
		readings = append(readings, positioning.SignalReading{BeaconID: reading.BeaconID, RSSI: reading.RSSI})
	}

	est, err := a.engine.Compute(readings, positioning.Options{Algorithm: "auto"})
	if err != nil {
		status, code, message := mapFailure(err)
		a.writeLocateFailure(w, clientID, nil, status, code, message, err.Error())
		return
	}

	a.persistFix(r.Context(), clientID, est)

	result := model.PositioningResult{
		X:           est.X,
		Y:           est.Y,
		Z:           est.Z,
		Confidence:  est.Confidence,
		Error:       est.Error,
		Algorithm:   est.Method,
		BeaconCount: est.BeaconCount,
		TimestampMS: nowMillis(),
	}

	a.writeJSON(w, http.StatusOK, model.LocationResponse{
		Status:              model.StatusSuccess,
		Code:                model.CodeSuccess,
		Message:             "position estimated",
		ClientID:            clientID,
		Result:              &result,
		ResponseTimestampMS: nowMillis(),
	})
}

func (a *App) handleRecentFixes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	clientID := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if clientID == "" {
		http.Error(w, "client_id is required", http.StatusBadRequest)
		return
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 250 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	fixes, err := a.store.RecentPositionFixes(ctx, clientID, limit)
	if err != nil {
		a.logger.Error("failed to load position fixes", "error", err)
		http.Error(w, "failed to load fixes", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Fixes []model.PositionFix `json:"fixes"`
	}{Fixes: fixes})
}

func (a *App) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.store == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	var sinceOpt *time.Time
	if since := r.URL.Query().Get("since"); since != "" {
		if ts, err := time.Parse(time.RFC3339Nano, since); err == nil {
			sinceOpt = &ts
		} else if ts, err := time.Parse(time.RFC3339, since); err == nil {
			sinceOpt = &ts
		}
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 250 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	readings, err := a.store.RecentSignalReadings(ctx, limit, sinceOpt)
	if err != nil {
		a.logger.Error("failed to load recent readings", "error", err)
		http.Error(w, "failed to load readings", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Readings []model.StoredSignalReading `json:"readings"`
	}{Readings: readings})
}
