package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mandi/auction/internal/api"
	"github.com/mandi/auction/internal/commission"
	"github.com/mandi/auction/internal/ingestion"
	"github.com/mandi/auction/internal/reconciliation"
	"github.com/mandi/auction/internal/repository"
	"github.com/mandi/auction/internal/settlement"
)

var authOpts = api.AuthOptions{
	Enabled: true,
	Secret:  []byte("test-secret-0123456789"),
	Issuer:  "mandi",
}

type fixture struct {
	handler  http.Handler
	operator string
	admin    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := repository.Open(ctx, repository.Options{
		Driver: repository.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "mandi.db"),
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	lots := repository.NewLotRepo(db)
	sales := repository.NewSaleRepo(db)
	rules := repository.NewRuleRepo(db)
	findings := repository.NewFindingRepo(db)
	traders := repository.NewTraderRepo(db)
	resolver := commission.NewResolver(rules, logger)
	engine, err := settlement.NewEngine(lots, sales, resolver, settlement.Options{Traders: traders}, logger)
	require.NoError(t, err)

	deps := api.Deps{
		Lots:     lots,
		Sales:    sales,
		Rules:    rules,
		Traders:  traders,
		Findings: findings,
		Resolver: resolver,
		Engine:   engine,
		Ingest:   ingestion.NewService(repository.NewWeighingRepo(db), logger),
		Audit:    reconciliation.NewService(lots, sales, findings, logger),
	}

	operator, err := api.IssueToken(authOpts, "op-1", api.RoleOperator, time.Hour)
	require.NoError(t, err)
	admin, err := api.IssueToken(authOpts, "admin-1", api.RoleAdmin, time.Hour)
	require.NoError(t, err)

	return &fixture{
		handler:  api.NewRouter(deps, api.Options{Auth: authOpts, CORSOrigins: []string{"*"}}, logger),
		operator: operator,
		admin:    admin,
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, "/api/v1"+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (f *fixture) createLot(t *testing.T, kg string) string {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/lots", f.operator, map[string]any{
		"farmer_id": "F1", "crop_name": "Tomato", "measured_weight_kg": kg,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string)
}

func (f *fixture) addTrader(t *testing.T, id string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/traders", f.operator, map[string]any{"id": id, "name": "Trader " + id})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestWritesRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/lots", "", map[string]any{"farmer_id": "F1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/lots", "not-a-jwt", map[string]any{"farmer_id": "F1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := api.IssueToken(api.AuthOptions{Secret: []byte("another-secret-000000"), Issuer: "mandi"},
		"op-1", api.RoleOperator, time.Hour)
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, "/lots", other, map[string]any{"farmer_id": "F1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCommissionRulesAdminOnly(t *testing.T) {
	f := newFixture(t)
	rule := map[string]any{"roleType": "farmer", "cropType": "Tomato", "rate": "0.05"}

	rec := f.do(t, http.MethodPost, "/commission-rules", f.operator, rule)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/commission-rules", f.admin, rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "admin-1", created["createdBy"])
	assert.Equal(t, true, created["isActive"])

	rec = f.do(t, http.MethodGet, "/commission-rules?role=farmer&crop=tomato", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["rules"], 1)

	rec = f.do(t, http.MethodGet, "/commission-rules/resolve?role=farmer&crop=Tomato", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.Equal(t, "0.05", res["rate"])
	assert.Equal(t, created["id"], res["rule_id"])

	rec = f.do(t, http.MethodGet, "/commission-rules/resolve?role=trader&crop=Tomato", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0.09", decode(t, rec)["rate"])

	rec = f.do(t, http.MethodGet, "/commission-rules/resolve?role=buyer&crop=Tomato", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/commission-rules", f.admin,
		map[string]any{"roleType": "farmer", "rate": "1.5"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSettlementFlow(t *testing.T) {
	f := newFixture(t)
	for _, rule := range []map[string]any{
		{"roleType": "farmer", "rate": "0.05"},
		{"roleType": "trader", "rate": "0.10"},
	} {
		rec := f.do(t, http.MethodPost, "/commission-rules", f.admin, rule)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	lotID := f.createLot(t, "340")
	f.addTrader(t, "T1")

	lines := []map[string]any{{"trader_id": "T1", "quantity": "100", "rate": "20"}}

	rec := f.do(t, http.MethodPost, "/lots/"+lotID+"/allocations/preview", "", map[string]any{"lines": lines})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode(t, rec)
	assert.Equal(t, "240", preview["remaining_after_draft"])
	quote := preview["lines"].([]any)[0].(map[string]any)
	assert.Equal(t, "2000", quote["sale_amount"])
	assert.Equal(t, "100", quote["farmer_commission"])
	assert.Equal(t, "200", quote["trader_commission"])

	body := map[string]any{"unit": "weight", "lines": lines}
	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode(t, rec)
	assert.Equal(t, false, first["replayed"])
	assert.Equal(t, "op-1", first["commit"].(map[string]any)["operator_id"])

	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator, body, "Idempotency-Key", "k-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["replayed"])

	rec = f.do(t, http.MethodGet, "/lots/"+lotID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lot := decode(t, rec)
	assert.Equal(t, "240", lot["remaining_weight_kg"])
	assert.Equal(t, "partially_allocated", lot["status"])

	rec = f.do(t, http.MethodGet, "/farmers/F1/lots/open", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["lots"], 1)

	rec = f.do(t, http.MethodGet, "/sales?lot_id="+lotID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["sales"], 1)

	rec = f.do(t, http.MethodGet, "/dashboard", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decode(t, rec)
	assert.Equal(t, "300", dash["sales"].(map[string]any)["committee_income"])
	assert.EqualValues(t, 1, dash["lots"].(map[string]any)["partially_allocated"])
}

func TestSettlementErrors(t *testing.T) {
	f := newFixture(t)
	lotID := f.createLot(t, "340")
	f.addTrader(t, "T1")
	over := []map[string]any{{"trader_id": "T1", "quantity": "341", "rate": "20"}}

	rec := f.do(t, http.MethodPost, "/lots/"+lotID+"/allocations/preview", "", map[string]any{"lines": over})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "over_allocation", body["code"])
	assert.Equal(t, "340", body["max"])
	assert.Contains(t, body["error"], "max allocatable: 340kg")

	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
		map[string]any{"commit_token": "k-over", "unit": "weight", "lines": over})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "insufficient_quantity", decode(t, rec)["code"])

	ok := []map[string]any{{"trader_id": "T1", "quantity": "10", "rate": "20"}}
	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
		map[string]any{"commit_token": "body", "unit": "weight", "lines": ok}, "Idempotency-Key", "header")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
		map[string]any{"commit_token": "k-2", "unit": "weight", "lines": ok})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	changed := []map[string]any{{"trader_id": "T1", "quantity": "11", "rate": "20"}}
	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
		map[string]any{"commit_token": "k-2", "unit": "weight", "lines": changed})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "commit_token_conflict", decode(t, rec)["code"])
	assert.Empty(t, rec.Header().Get("Retry-After"))

	dup := []map[string]any{
		{"trader_id": "T1", "quantity": "1", "rate": "20"},
		{"trader_id": "T1", "quantity": "2", "rate": "20"},
	}
	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/allocations/preview", "", map[string]any{"lines": dup})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "duplicate_trader", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator, `{"lines": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/lots/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettlementRejectsUnknownTraderAndOutOfRangeValues(t *testing.T) {
	f := newFixture(t)
	lotID := f.createLot(t, "340")
	f.addTrader(t, "T1")

	unknown := []map[string]any{{"trader_id": "T9", "quantity": "10", "rate": "20"}}
	rec := f.do(t, http.MethodPost, "/lots/"+lotID+"/allocations/preview", "", map[string]any{"lines": unknown})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_line", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
		map[string]any{"commit_token": "k-unknown", "unit": "weight", "lines": unknown})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_line", decode(t, rec)["code"])

	for _, l := range []map[string]any{
		{"trader_id": "T1", "quantity": "0.5", "rate": "1e-2147483648"},
		{"trader_id": "T1", "quantity": "1e-20000000", "rate": "20"},
	} {
		rec = f.do(t, http.MethodPost, "/lots/"+lotID+"/settlements", f.operator,
			map[string]any{"commit_token": "k-range", "unit": "weight", "lines": []map[string]any{l}})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		assert.Equal(t, "invalid_line", decode(t, rec)["code"])
	}

	rec = f.do(t, http.MethodPost, "/lots", f.operator, map[string]any{
		"farmer_id": "F1", "crop_name": "Tomato", "measured_weight_kg": "1e-20000000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "data_integrity", decode(t, rec)["code"])
}

func TestCreateLotRejectsBadMeasurement(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/lots", f.operator, map[string]any{
		"farmer_id": "F1", "crop_name": "Tomato", "measured_weight_kg": "10", "measured_count": "3",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "data_integrity", decode(t, rec)["code"])

	rec = f.do(t, http.MethodPost, "/lots", f.operator, map[string]any{"crop_name": "Tomato", "measured_weight_kg": "10"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_argument", decode(t, rec)["code"])
}

func TestTraders(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/traders", f.operator, map[string]any{"id": "T1", "name": "Ravi"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/traders", f.operator, map[string]any{"id": "T1", "name": "Ravi"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/traders", f.operator, map[string]any{"name": " "})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, http.MethodGet, "/traders", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["traders"], 1)
}

func TestIngestAndAudit(t *testing.T) {
	f := newFixture(t)

	upload := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("source", "gate-1"))
		require.NoError(t, mw.WriteField("format", "csv"))
		part, err := mw.CreateFormFile("file", "slips.csv")
		require.NoError(t, err)
		_, err = part.Write([]byte("slip_id,farmer_id,crop,weight_kg,count\nS-1,F7,Onion,75,\nS-2,F7,Banana,,12\n"))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/weighings/ingest", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+f.operator)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	rec := upload()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.EqualValues(t, 2, decode(t, rec)["lots_created"])

	rec = upload()
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["already_ingested"])

	rec = f.do(t, http.MethodGet, "/lots?farmer_id=F7&status=weighed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lots := decode(t, rec)
	assert.Len(t, lots["lots"], 2)
	assert.EqualValues(t, 2, lots["meta"].(map[string]any)["total"])

	rec = f.do(t, http.MethodPost, "/audit/run", f.operator, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	run := decode(t, rec)
	assert.EqualValues(t, 2, run["lots_checked"])
	assert.EqualValues(t, 0, run["total_findings"])

	rec = f.do(t, http.MethodGet, "/audit/findings", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["findings"])
}

func TestMapHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, api.MapHTTPStatus(assert.AnError))
}
