package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"dukapos/internal/domain"
	"dukapos/internal/metrics"
	"dukapos/internal/queue"
	"dukapos/internal/realtime"
	"dukapos/internal/service"
	"dukapos/internal/store"
	"dukapos/internal/syncer"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	feed          realtime.Feed
	allowedOrigin string
	loginLimiter  *loginLimiter
	validate      *validator.Validate
	upgrader      websocket.Upgrader
}

func New(svc *service.Service, auth *AuthManager, feed realtime.Feed, allowedOrigin string) *API {
	a := &API{
		service:       svc,
		auth:          auth,
		feed:          feed,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newLoginLimiter(rate.Every(12*time.Second), 5),
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     a.originAllowed,
	}
	return a
}

// loginLimiter keeps one token bucket per client address. Buckets idle for
// longer than idle are dropped once the table passes maxEntries.
type loginLimiter struct {
	mu         sync.Mutex
	limit      rate.Limit
	burst      int
	idle       time.Duration
	maxEntries int
	now        func() time.Time
	limiters   map[string]*limiterEntry
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newLoginLimiter(limit rate.Limit, burst int) *loginLimiter {
	if burst < 1 {
		burst = 1
	}
	return &loginLimiter{
		limit:      limit,
		burst:      burst,
		idle:       10 * time.Minute,
		maxEntries: 4096,
		now:        time.Now,
		limiters:   make(map[string]*limiterEntry),
	}
}

func (l *loginLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= l.maxEntries {
			l.prune(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.seen = now
	l.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (l *loginLimiter) prune(now time.Time) {
	for key, entry := range l.limiters {
		if now.Sub(entry.seen) > l.idle {
			delete(l.limiters, key)
		}
	}
}

func (l *loginLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(a.securityHeaders)
	r.Use(requestLogger)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("cashier", "admin"))
			r.Post("/auth/logout", a.handleLogout)

			r.Post("/sales/split/validate", a.handleValidateSplit)
			r.Post("/sales/split", a.handleRecordSplit)
			r.Get("/sales/split", a.handleListSplits)
			r.Get("/sales/split/{reference}", a.handleGetSplit)

			r.Post("/sync/operations", a.handleSubmitOperations)
			r.Get("/sync/queue", a.handleQueueStatus)
			r.Get("/changes", a.handleChanges)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth("admin"))
			r.Post("/sync/flush", a.handleFlush)
			r.Delete("/sync/queue/synced", a.handlePurgeSynced)
			r.Get("/users/cashiers", a.handleListCashiers)
			r.Post("/users/cashiers", a.handleCreateCashier)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         600,
	}).Handler(r)
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket handshake, so upgrade requests may pass access_token instead.
func bearerToken(r *http.Request) (string, bool) {
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token := strings.TrimSpace(authorization[len("Bearer "):])
		return token, token != ""
	}
	if websocket.IsWebSocketUpgrade(r) {
		token := strings.TrimSpace(r.URL.Query().Get("access_token"))
		return token, token != ""
	}
	return "", false
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || a.allowedOrigin == "*" || strings.EqualFold(origin, a.allowedOrigin)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if err := a.auth.Logout(token); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleValidateSplit(w http.ResponseWriter, r *http.Request) {
	var group domain.SplitGroup
	if err := decodeJSON(r, &group); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.service.ValidateSplitPayment(group))
}

func (a *API) handleRecordSplit(w http.ResponseWriter, r *http.Request) {
	var req domain.SplitSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.RecordSplitSale(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	status := http.StatusCreated
	for _, leg := range resp.Legs {
		if leg.Status == domain.LegStatusQueued {
			status = http.StatusAccepted
			break
		}
	}
	writeJSON(w, status, resp)
}

func (a *API) handleListSplits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.SaleFilter{
		ProductID:  strings.TrimSpace(q.Get("product_id")),
		CustomerID: strings.TrimSpace(q.Get("customer_id")),
		Limit:      parsePositiveLimit(q.Get("limit"), 100, 500),
	}
	var err error
	if filter.From, err = parseTimeParam(q.Get("from"), false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.To, err = parseTimeParam(q.Get("to"), true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	txs, err := a.service.ListSplitTransactions(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (a *API) handleGetSplit(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetSplitTransaction(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) handleSubmitOperations(w http.ResponseWriter, r *http.Request) {
	var req domain.OfflineSyncRequest
	if !a.decodeValid(w, r, &req) {
		return
	}

	resp, err := a.service.SubmitOfflineOperations(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFlush(w http.ResponseWriter, r *http.Request) {
	report, err := a.service.Flush(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.QueueStatus(r.Context(), parsePositiveLimit(r.URL.Query().Get("limit"), 50, 500))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handlePurgeSynced(w http.ResponseWriter, r *http.Request) {
	olderThan := 24 * time.Hour
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("older_than must be a duration such as 24h"))
			return
		}
		olderThan = parsed
	}

	n, err := a.service.PurgeSynced(r.Context(), olderThan)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (a *API) handleListCashiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cashiers": a.auth.ListCashiers(r.Context())})
}

func (a *API) handleCreateCashier(w http.ResponseWriter, r *http.Request) {
	var req domain.CashierCreateRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	cashier, err := a.auth.CreateCashier(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"cashier": cashier})
}

// handleChanges streams record changes to a websocket client until either
// side closes. ?entity=sale limits the stream to one entity type.
func (a *API) handleChanges(w http.ResponseWriter, r *http.Request) {
	entity := domain.EntityType(strings.TrimSpace(r.URL.Query().Get("entity")))
	if entity != "" && !entity.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown entity"))
		return
	}
	if a.feed == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("change feed is not configured"))
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	out := make(chan realtime.Change, 64)
	unsubscribe := a.feed.OnChange(entity, func(c realtime.Change) {
		select {
		case out <- c:
		default:
			log.Warn().Str("entity", string(c.Entity)).Msg("change dropped for slow websocket client")
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case c := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("took", time.Since(startedAt)).
			Msg("request")
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, queue.ErrDuplicateOperation), errors.Is(err, syncer.ErrFlushInProgress):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidRecord), errors.Is(err, service.ErrInvalidSplit), errors.Is(err, queue.ErrInvalidOperation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parseTimeParam(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, errors.New("time must be RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return &day, nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies are generic; the cause goes to the log only.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
