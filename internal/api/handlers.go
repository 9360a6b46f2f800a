package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mandi/auction/internal/allocation"
	"github.com/mandi/auction/internal/domain"
	"github.com/mandi/auction/internal/repository"
	"github.com/mandi/auction/internal/settlement"
)

// Handlers groups all HTTP handler methods and their dependencies.
type Handlers struct {
	Deps
	logger    *slog.Logger
	maxUpload int64
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Max   string `json:"max,omitempty"`
	Unit  string `json:"unit,omitempty"`
}

func writeMessage(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeError maps err to a status and body. Retryable conflicts carry a
// Retry-After header; quantity rejections carry the bound.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := MapHTTPStatus(err)
	body := errorBody{Error: err.Error(), Code: errorCode(err)}

	var qe *domain.QuantityError
	if errors.As(err, &qe) {
		body.Max = qe.Max.String()
		body.Unit = string(qe.Unit)
	}
	if domain.IsRetryable(err) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "uri", r.URL.RequestURI(), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("%w: time %q must be RFC 3339 or YYYY-MM-DD", domain.ErrInvalidArgument, s)
		}
	}
	t = t.UTC()
	return &t, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func pageMeta(page, limit, total int) map[string]int {
	page, limit, _ = repository.Page(page, limit)
	return map[string]int{"page": page, "limit": limit, "total": total}
}

// --- Health ---

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Traders ---

func (h *Handlers) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := h.Traders.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traders": traders})
}

type createTraderRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

func (h *Handlers) CreateTrader(w http.ResponseWriter, r *http.Request) {
	var req createTraderRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		h.writeError(w, r, fmt.Errorf("%w: trader name is required", domain.ErrInvalidArgument))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	trader := &domain.Trader{ID: id, Name: name, Phone: strings.TrimSpace(req.Phone), CreatedAt: time.Now().UTC()}
	if err := h.Traders.Insert(r.Context(), trader); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trader)
}

// --- Lots ---

type createLotRequest struct {
	FarmerID         string          `json:"farmer_id"`
	CropName         string          `json:"crop_name"`
	MeasuredWeightKg decimal.Decimal `json:"measured_weight_kg"`
	MeasuredCount    decimal.Decimal `json:"measured_count"`
	SourceRef        string          `json:"source_ref"`
}

func (h *Handlers) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req createLotRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	lot, err := domain.NewLot(req.FarmerID, req.CropName, req.MeasuredWeightKg, req.MeasuredCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	lot.SourceRef = strings.TrimSpace(req.SourceRef)

	if err := h.Lots.Insert(r.Context(), lot); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

func (h *Handlers) ListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.LotFilter{
		FarmerID: q.Get("farmer_id"),
		Crop:     q.Get("crop"),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}
	for _, s := range splitCSV(q.Get("status")) {
		filter.Status = append(filter.Status, domain.LotStatus(s))
	}

	lots, total, err := h.Lots.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"lots": lots,
		"meta": pageMeta(filter.Page, filter.Limit, total),
	})
}

func (h *Handlers) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.Lots.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (h *Handlers) ListOpenLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.Lots.ListOpenByFarmer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

// --- Allocation and settlement ---

type previewRequest struct {
	Lines []allocation.Line `json:"lines"`
}

func (h *Handlers) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	preview, err := h.Engine.Preview(r.Context(), chi.URLParam(r, "id"), req.Lines)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

type commitRequest struct {
	CommitToken     string            `json:"commit_token"`
	Unit            domain.Unit       `json:"unit"`
	Lines           []allocation.Line `json:"lines"`
	ExpectedVersion *int64            `json:"expected_version"`
}

// CommitSettlement settles a draft. The commit token comes from the
// Idempotency-Key header or the body; a new settlement answers 201 and a
// replay answers 200 with the stored result.
func (h *Handlers) CommitSettlement(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	token := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	body := strings.TrimSpace(req.CommitToken)
	switch {
	case token == "":
		token = body
	case body != "" && body != token:
		h.writeError(w, r, fmt.Errorf("%w: Idempotency-Key and commit_token differ", domain.ErrInvalidArgument))
		return
	}

	op, _ := OperatorFrom(r.Context())
	res, err := h.Engine.Commit(r.Context(), settlement.CommitRequest{
		LotID:           chi.URLParam(r, "id"),
		Token:           token,
		Unit:            req.Unit,
		Lines:           req.Lines,
		OperatorID:      op.ID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Commission rules ---

func (h *Handlers) ListRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter repository.RuleFilter
	if s := q.Get("role"); s != "" {
		role, err := domain.ParseRole(s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		filter.Role = role
	}
	if crop := strings.TrimSpace(q.Get("crop")); crop != "" {
		filter.Crops = []string{crop, domain.AllCrops}
	}

	rules, err := h.Rules.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (h *Handlers) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req domain.NewCommissionRule
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		op, _ := OperatorFrom(r.Context())
		req.CreatedBy = op.ID
	}

	rule, err := req.Build(uuid.NewString(), time.Now().UTC())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Rules.Insert(r.Context(), &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("commission rule added",
		"rule_id", rule.ID, "role", rule.RoleType, "crop", rule.CropType, "rate", rule.Rate, "by", rule.CreatedBy)
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) ResolveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	t, err := parseTime(q.Get("as_of"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	asOf := time.Now().UTC()
	if t != nil {
		asOf = *t
	}

	res, err := h.Resolver.Resolve(r.Context(), domain.Role(q.Get("role")), q.Get("crop"), asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Sales ---

func (h *Handlers) saleFilter(r *http.Request) (repository.SaleFilter, error) {
	q := r.URL.Query()
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return repository.SaleFilter{}, err
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return repository.SaleFilter{}, err
	}
	return repository.SaleFilter{
		LotID:    q.Get("lot_id"),
		FarmerID: q.Get("farmer_id"),
		TraderID: q.Get("trader_id"),
		Crop:     q.Get("crop"),
		From:     from,
		To:       to,
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}, nil
}

func (h *Handlers) ListSales(w http.ResponseWriter, r *http.Request) {
	filter, err := h.saleFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sales, total, err := h.Sales.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sales": sales,
		"meta":  pageMeta(filter.Page, filter.Limit, total),
	})
}

// --- Weighing import ---

func (h *Handlers) IngestWeighings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid multipart form: %v", errMalformedBody, err))
		return
	}

	source := r.FormValue("source")
	format := r.FormValue("format")
	if source == "" || format == "" {
		h.writeError(w, r, fmt.Errorf("%w: source and format are required", domain.ErrInvalidArgument))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: file field is required", domain.ErrInvalidArgument))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	res, err := h.Ingest.Ingest(r.Context(), data, source, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.AlreadyIngested {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Ledger audit ---

func (h *Handlers) RunAudit(w http.ResponseWriter, r *http.Request) {
	res, err := h.Audit.Run(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) ListFindings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.FindingFilter{
		Type:     q.Get("type"),
		Severity: q.Get("severity"),
		LotID:    q.Get("lot_id"),
		Page:     parseIntDefault(q.Get("page"), 1),
		Limit:    parseIntDefault(q.Get("limit"), 50),
	}

	findings, total, err := h.Findings.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"meta":     pageMeta(filter.Page, filter.Limit, total),
	})
}

// --- Dashboard ---

func (h *Handlers) GetDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, err := h.saleFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	byStatus, err := h.Lots.CountByStatus(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	summary, err := h.Sales.Summary(ctx, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	bySeverity, err := h.Findings.CountBySeverity(ctx)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	lots := map[string]int{
		"weighed":             byStatus[domain.LotWeighed],
		"partially_allocated": byStatus[domain.LotPartiallyAllocated],
		"sold":                byStatus[domain.LotSold],
	}
	lots["total"] = lots["weighed"] + lots["partially_allocated"] + lots["sold"]

	findings := map[string]int{
		"critical": bySeverity[domain.SeverityCritical],
		"high":     bySeverity[domain.SeverityHigh],
		"medium":   bySeverity[domain.SeverityMedium],
		"low":      bySeverity[domain.SeverityLow],
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"lots": lots,
		"sales": map[string]any{
			"count":             summary.Count,
			"quantity":          summary.Totals.Quantity,
			"sale_amount":       summary.Totals.SaleAmount,
			"farmer_commission": summary.Totals.FarmerCommission,
			"trader_commission": summary.Totals.TraderCommission,
			"committee_income":  summary.Totals.CommitteeIncome(),
			"farmer_payable":    summary.Totals.FarmerPayable(),
			"trader_payable":    summary.Totals.TraderPayable(),
		},
		"by_crop":  summary.ByCrop,
		"findings": findings,
	})
}
