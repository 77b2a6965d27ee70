/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package exporter

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carverauto/hvacradar/pkg/logger"
	"github.com/carverauto/hvacradar/pkg/models"
)

// UnitSource is what the HTTP API reads from.
type UnitSource interface {
	List() []models.HostRecord
	Get(id models.HostID) (models.HostRecord, bool)
}

// SnapshotSource returns a host's snapshot with staleness computed at read time.
type SnapshotSource interface {
	Get(id models.HostID) (models.MetricSnapshot, bool)
}

// UnitView is the JSON representation of a host and its last-known values.
type UnitView struct {
	models.HostRecord
	Snapshot *models.MetricSnapshot `json:"snapshot,omitempty"`
}

type api struct {
	units     UnitSource
	snapshots SnapshotSource
	logger    logger.Logger
}

// NewRouter builds the HTTP routes: /metrics, /healthz and /api/units.
func NewRouter(gatherer prometheus.Gatherer, units UnitSource, snapshots SnapshotSource, log logger.Logger) *mux.Router {
	a := &api{units: units, snapshots: snapshots, logger: log}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	router.HandleFunc("/api/units", a.listUnits).Methods(http.MethodGet)
	router.HandleFunc("/api/units/{id}", a.getUnit).Methods(http.MethodGet)

	return router
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"hosts":  len(a.units.List()),
	})
}

func (a *api) listUnits(w http.ResponseWriter, _ *http.Request) {
	records := a.units.List()
	views := make([]UnitView, 0, len(records))

	for _, rec := range records {
		views = append(views, a.view(rec))
	}

	a.writeJSON(w, http.StatusOK, views)
}

func (a *api) getUnit(w http.ResponseWriter, r *http.Request) {
	id := models.HostID(mux.Vars(r)["id"])

	rec, ok := a.units.Get(id)
	if !ok {
		a.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unit not found"})
		return
	}

	a.writeJSON(w, http.StatusOK, a.view(rec))
}

func (a *api) view(rec models.HostRecord) UnitView {
	v := UnitView{HostRecord: rec}

	if snap, ok := a.snapshots.Get(rec.ID); ok {
		v.Snapshot = &snap
	}

	return v
}

func (a *api) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error().Err(err).Msg("Failed to encode response")
	}
}
