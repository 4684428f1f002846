package analytics_api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ms-capacity/internal/analytics"
	"ms-capacity/internal/database"
	"ms-capacity/internal/logger"
	"ms-capacity/internal/models"
	"ms-capacity/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupRouter(t *testing.T) (http.Handler, *bun.DB) {
	t.Helper()
	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	db := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, database.CreateSchema(context.Background(), db))
	t.Cleanup(func() { db.Close() })

	r := chi.NewRouter()
	NewHandler(analytics.NewService(db), logger.Discard()).RegisterRoutes(r, nil)
	return r, db
}

func TestScheduleUtilizationEndpoint(t *testing.T) {
	h, db := setupRouter(t)
	_, err := db.NewInsert().Model(&models.ScheduleVariantCapacity{
		ScheduleID: "sched-1", VariantID: "adult", TotalCapacity: 8, ConfirmedCapacity: 2,
	}).Exec(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/capacity/analytics/schedules/sched-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp utils.APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	data := resp.Data.(map[string]interface{})
	assert.EqualValues(t, 6, data["available_capacity"])
	assert.EqualValues(t, 25, data["utilization_pct"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/capacity/analytics/schedules/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchEndpointValidatesInput(t *testing.T) {
	h, _ := setupRouter(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/capacity/analytics/schedules/batch", strings.NewReader(`{"schedule_ids":[]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/capacity/analytics/schedules/batch", strings.NewReader(`{"schedule_ids":["a"]}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}
