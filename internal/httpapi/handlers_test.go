package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dukapos/internal/domain"
	"dukapos/internal/queue"
	queuememory "dukapos/internal/queue/memory"
	"dukapos/internal/realtime"
	"dukapos/internal/service"
	"dukapos/internal/store/memory"
	"dukapos/internal/syncer"
)

type testEnv struct {
	api     *API
	repo    *memory.Store
	queue   *queue.Queue
	emitter *realtime.Emitter
}

// newTestEnv wires the in-memory store and queue behind a real Service and
// AuthManager so handler tests run the complete request path.
func newTestEnv(t *testing.T, allowedOrigin string) testEnv {
	t.Helper()

	repo := memory.NewSeeded()
	q := queue.New(queuememory.New(), queue.DefaultRetryPolicy())
	emitter := realtime.NewEmitter()
	replayer := syncer.NewReplayer(repo, q, syncer.Config{Publisher: emitter})
	svc := service.New(repo, q, replayer, emitter)
	auth := NewAuthManager("test-secret-key-with-32-characters", time.Hour, repo)

	return testEnv{
		api:     New(svc, auth, emitter, allowedOrigin),
		repo:    repo,
		queue:   q,
		emitter: emitter,
	}
}

func newTestAPI(t *testing.T) *API {
	return newTestEnv(t, "*").api
}

func newTestAPIWithOrigin(t *testing.T, origin string) *API {
	return newTestEnv(t, origin).api
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func sugarSplitBody(reference string) map[string]any {
	return map[string]any{
		"reference":    reference,
		"total_amount": "330",
		"payments": []map[string]any{
			{"method": "cash", "amount": "220"},
			{"method": "debt", "amount": "110"},
		},
		"product_id":  "p-sugar-1kg",
		"quantity":    2,
		"customer_id": "c-mama-njeri",
		"sold_at":     "2026-03-02T08:30:00Z",
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	doJSON(t, handler, http.MethodGet, "/healthz", "", nil)

	rec := doJSON(t, handler, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dukapos_http_requests_total") {
		t.Fatalf("expected request counter in metrics output")
	}
}

func TestHandleLoginRejectsWrongPassword(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleLoginRequiresFields(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing password, got %d", rec.Code)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/sync/queue", token, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 before logout, got %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/logout", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on logout, got %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/sync/queue", token, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/sales/split", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doJSON(t, api.Handler(), http.MethodGet, "/api/v1/sales/split", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestValidateSplitEndpoint(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	body := sugarSplitBody("")
	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/sales/split/validate", token, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var ok domain.ValidationResult
	if err := json.NewDecoder(rec.Body).Decode(&ok); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !ok.IsValid {
		t.Fatalf("expected valid split, got %+v", ok)
	}

	body["total_amount"] = "400"
	rec = doJSON(t, api.Handler(), http.MethodPost, "/api/v1/sales/split/validate", token, body)
	var bad domain.ValidationResult
	if err := json.NewDecoder(rec.Body).Decode(&bad); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bad.IsValid || bad.Error == "" {
		t.Fatalf("expected mismatch to be reported, got %+v", bad)
	}
}

func TestRecordAndFetchSplitSale(t *testing.T) {
	env := newTestEnv(t, "*")
	handler := env.api.Handler()
	token := login(t, env.api, "cashier", "cashier123")

	reference := "SP_1772440200000_abcdefghi"
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales/split", token, sugarSplitBody(reference))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.SplitSaleResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Reference != reference || len(created.Legs) != 2 {
		t.Fatalf("unexpected response %+v", created)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/split/"+reference, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var tx domain.SplitTransaction
	if err := json.NewDecoder(rec.Body).Decode(&tx); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !tx.TotalAmount.Equal(tx.Legs[0].Total.Add(tx.Legs[1].Total)) || tx.Quantity != 2 {
		t.Fatalf("unexpected transaction %+v", tx)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/split?product_id=p-sugar-1kg&from=2026-03-02&to=2026-03-02", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list struct {
		Transactions []domain.SplitTransaction `json:"transactions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Transactions) != 1 || list.Transactions[0].Reference != reference {
		t.Fatalf("expected one listed transaction, got %+v", list.Transactions)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales/split/SP_missing", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reference, got %d", rec.Code)
	}
}

func TestRecordSplitSaleRejectsMismatch(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	body := sugarSplitBody("")
	body["total_amount"] = "500"
	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/sales/split", token, body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestOfflineSplitSaleIsAccepted(t *testing.T) {
	env := newTestEnv(t, "*")
	token := login(t, env.api, "cashier", "cashier123")

	body := sugarSplitBody("SP_1772440200000_offline01")
	body["product_name"] = "Sugar 1kg"
	body["selling_price"] = "165"
	body["cost_price"] = "140"
	body["offline"] = true
	rec := doJSON(t, env.api.Handler(), http.MethodPost, "/api/v1/sales/split", token, body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for queued legs, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, env.api.Handler(), http.MethodGet, "/api/v1/sync/queue?limit=10", token, nil)
	var status domain.QueueStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Stats.Pending != 3 || len(status.Operations) != 3 {
		t.Fatalf("expected two legs and one stock op pending, got %+v", status.Stats)
	}
}

func TestSubmitOperationsAndFlush(t *testing.T) {
	env := newTestEnv(t, "*")
	handler := env.api.Handler()
	cashier := login(t, env.api, "cashier", "cashier123")
	admin := loginAsAdmin(t, env.api)

	req := domain.OfflineSyncRequest{
		TerminalID: "till-1",
		EnvelopeID: "env-42",
		Operations: []domain.OfflineOperation{
			{
				EntityType: domain.EntityInventory,
				Kind:       domain.OpUpdate,
				Payload:    json.RawMessage(`{"product_id":"p-bread","quantity_change":-1}`),
			},
			{
				EntityType: domain.EntityInventory,
				Kind:       domain.OpUpdate,
				Payload:    json.RawMessage(`{"product_id":"p-bread","quantity_change":-2}`),
			},
		},
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sync/operations", cashier, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.OfflineSyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Statuses) != 2 || resp.Statuses[0].Status != domain.SyncStatusAccepted {
		t.Fatalf("unexpected statuses %+v", resp.Statuses)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sync/operations", cashier, req)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Statuses[1].Status != domain.SyncStatusDuplicate {
		t.Fatalf("expected resubmitted envelope to be duplicate, got %+v", resp.Statuses)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sync/flush", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var report domain.FlushReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Considered != 2 || report.Writes != 1 || report.Synced != 2 {
		t.Fatalf("expected two ops folded into one write, got %+v", report)
	}

	product, err := env.repo.GetProduct(t.Context(), "p-bread")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 37 {
		t.Fatalf("expected bread stock 37, got %d", product.Stock)
	}

	rec = doJSON(t, handler, http.MethodDelete, "/api/v1/sync/queue/synced?older_than=0s", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var purged map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&purged); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if purged["purged"] != 2 {
		t.Fatalf("expected 2 purged, got %v", purged)
	}
}

func TestSubmitOperationsValidatesEntity(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/sync/operations", token, map[string]any{
		"operations": []map[string]any{{"entity_type": "invoice", "kind": "create", "payload": map[string]any{}}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity, got %d", rec.Code)
	}
}

func TestPurgeRejectsBadDuration(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := doJSON(t, api.Handler(), http.MethodDelete, "/api/v1/sync/queue/synced?older_than=yesterday", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCashierManagement(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	token := loginAsAdmin(t, api)

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, domain.CashierCreateRequest{Username: "wanjiru", Password: "till-pass"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, domain.CashierCreateRequest{Username: "wanjiru", Password: "till-pass"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for duplicate username, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users/cashiers", token, domain.CashierCreateRequest{Username: "ab", Password: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short credentials, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/cashiers", token, nil)
	var list struct {
		Cashiers []domain.CashierUser `json:"cashiers"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, c := range list.Cashiers {
		if c.Username == "wanjiru" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected new cashier in list, got %+v", list.Cashiers)
	}

	login(t, api, "wanjiru", "till-pass")
}

func TestChangesStreamDeliversRecordedSales(t *testing.T) {
	env := newTestEnv(t, "*")
	server := httptest.NewServer(env.api.Handler())
	defer server.Close()

	token := login(t, env.api, "cashier", "cashier123")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/changes?entity=sale&access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.emitter.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.emitter.Publish(realtime.RecordChange(domain.EntityProduct, realtime.ActionUpdate, "p-soap", nil))
	env.emitter.Publish(realtime.RecordChange(domain.EntitySale, realtime.ActionInsert, "sale-1", map[string]string{"id": "sale-1"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var change realtime.Change
	if err := conn.ReadJSON(&change); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if change.Entity != domain.EntitySale || change.ID != "sale-1" || change.Action != realtime.ActionInsert {
		t.Fatalf("unexpected change %+v", change)
	}
}

func TestChangesRejectsUnknownEntity(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "cashier", "cashier123")

	rec := doJSON(t, api.Handler(), http.MethodGet, "/api/v1/changes?entity=invoice", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
