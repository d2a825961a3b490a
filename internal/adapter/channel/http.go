package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"floorbot/internal/domain"
	"floorbot/internal/infra/config"
	"floorbot/internal/infra/middleware"
	"floorbot/internal/usecase"
	"floorbot/internal/usecase/normalize"
)

// Request limits applied when the server config leaves them unset.
const (
	defaultMaxBodyBytes      = 1 << 20
	defaultMaxVoiceBodyBytes = 25 << 20
	maxSearchLimit           = 50
	multipartMemory          = 8 << 20
)

// Assistant is the conversation surface the API drives.
type Assistant interface {
	CreateSession(ctx context.Context, userID string) (*usecase.Session, error)
	HandleTurn(ctx context.Context, sessionID, text string) *usecase.TurnResult
	HandleVoice(ctx context.Context, sessionID string, audio []byte, format, language string) *usecase.TurnResult
	History(ctx context.Context, sessionID string) ([]usecase.HistoryEntry, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Recommender lists suggested products for a category.
type Recommender interface {
	Recommendations(ctx context.Context, category string, budget *float64) ([]domain.ProductInfo, error)
}

// ProductCounter reports the catalog size for health checks.
type ProductCounter interface {
	Count(ctx context.Context) (int, error)
}

// HTTPDeps holds the collaborators of the HTTP API.
type HTTPDeps struct {
	Assistant   Assistant
	Catalog     domain.Catalog
	Recommender Recommender
	Counter     ProductCounter // optional
	Config      config.ServerConfig
	Logger      *slog.Logger
}

// HTTPChannel serves the shopper-facing JSON API.
type HTTPChannel struct {
	deps      HTTPDeps
	server    *http.Server
	boundAddr string

	// Stops the rate limiter cleanup goroutine.
	cancel context.CancelFunc
}

// NewHTTPChannel creates the HTTP API.
func NewHTTPChannel(deps HTTPDeps) *HTTPChannel {
	if deps.Config.MaxBodyBytes <= 0 {
		deps.Config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if deps.Config.MaxVoiceBodyBytes <= 0 {
		deps.Config.MaxVoiceBodyBytes = defaultMaxVoiceBodyBytes
	}
	return &HTTPChannel{deps: deps}
}

// Handler returns the routed API wrapped in the middleware chain. The rate
// limiter's cleanup goroutine lives until ctx is done.
func (h *HTTPChannel) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/assistant/sessions", h.handleCreateSession)
	mux.HandleFunc("POST /api/v1/assistant/chat", h.handleChat)
	mux.HandleFunc("POST /api/v1/assistant/voice", h.handleVoice)
	mux.HandleFunc("GET /api/v1/assistant/sessions/{id}/history", h.handleHistory)
	mux.HandleFunc("DELETE /api/v1/assistant/sessions/{id}", h.handleEndSession)
	mux.HandleFunc("GET /api/v1/assistant/recommendations", h.handleRecommendations)
	mux.HandleFunc("GET /api/v1/products/search", h.handleSearch)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	return middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(h.deps.Logger),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, h.deps.Config.RateLimit),
	)
}

// Start begins serving. Non-blocking (serves in a goroutine).
func (h *HTTPChannel) Start(ctx context.Context) error {
	var lctx context.Context
	lctx, h.cancel = context.WithCancel(ctx)

	cfg := h.deps.Config
	h.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           h.Handler(lctx),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		h.cancel()
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	h.boundAddr = ln.Addr().String()

	go func() {
		h.deps.Logger.Info("http api started", "addr", h.boundAddr)
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.deps.Logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (h *HTTPChannel) Addr() string { return h.boundAddr }

// Stop gracefully shuts down the server.
func (h *HTTPChannel) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type historyResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []usecase.HistoryEntry `json:"messages"`
}

type productsResponse struct {
	Products []domain.ProductInfo `json:"products"`
	Count    int                  `json:"count,omitempty"`
}

type healthResponse struct {
	Status          string `json:"status"`
	CatalogProducts int    `json:"catalog_products"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (h *HTTPChannel) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decode(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodeInvalidInput)
		return
	}

	sess, err := h.deps.Assistant.CreateSession(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sess.ID, CreatedAt: sess.CreatedAt})
}

func (h *HTTPChannel) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := h.decode(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodeInvalidInput)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required", domain.CodeInvalidInput)
		return
	}

	// A request without a session starts one.
	if req.SessionID == "" {
		sess, err := h.deps.Assistant.CreateSession(r.Context(), "")
		if err != nil {
			h.fail(w, r, "create session", err)
			return
		}
		req.SessionID = sess.ID
	}

	h.writeTurn(w, h.deps.Assistant.HandleTurn(r.Context(), req.SessionID, req.Message))
}

func (h *HTTPChannel) handleVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.Config.MaxVoiceBodyBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, bodyError("invalid multipart form", err, h.deps.Config.MaxVoiceBodyBytes), domain.CodeInvalidInput)
		return
	}
	defer r.MultipartForm.RemoveAll()

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", domain.CodeInvalidInput)
		return
	}

	file, hdr, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required", domain.CodeInvalidInput)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read audio: "+err.Error(), domain.CodeInvalidInput)
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio file is empty", domain.CodeInvalidInput)
		return
	}

	format := r.FormValue("format")
	if format == "" {
		format = audioFormat(hdr.Filename, hdr.Header.Get("Content-Type"))
	}

	h.writeTurn(w, h.deps.Assistant.HandleVoice(r.Context(), sessionID, audio, format, r.FormValue("language")))
}

func (h *HTTPChannel) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := h.deps.Assistant.History(r.Context(), id)
	if err != nil {
		h.fail(w, r, "history", err)
		return
	}
	if msgs == nil {
		msgs = []usecase.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: msgs})
}

func (h *HTTPChannel) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Assistant.EndSession(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, "end session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPChannel) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	category := strings.TrimSpace(q.Get("category"))
	if category == "" {
		writeError(w, http.StatusBadRequest, "category is required", domain.CodeInvalidInput)
		return
	}
	budget, err := floatParam(q.Get("budget"), "budget")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodeInvalidInput)
		return
	}

	products, err := h.deps.Recommender.Recommendations(r.Context(), normalize.Category(category), budget)
	if err != nil {
		h.fail(w, r, "recommendations", err)
		return
	}
	if products == nil {
		products = []domain.ProductInfo{}
	}
	writeJSON(w, http.StatusOK, productsResponse{Products: products})
}

func (h *HTTPChannel) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := normalize.Criteria(q.Get("category"), q.Get("color"), q.Get("material"), q.Get("pattern"))
	criteria.Keyword = strings.TrimSpace(q.Get("q"))

	var err error
	if criteria.MinPrice, err = floatParam(q.Get("min_price"), "min_price"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodeInvalidInput)
		return
	}
	if criteria.MaxPrice, err = floatParam(q.Get("max_price"), "max_price"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodeInvalidInput)
		return
	}
	criteria.Limit = domain.DefaultSearchLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSearchLimit {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxSearchLimit), domain.CodeInvalidInput)
			return
		}
		criteria.Limit = n
	}

	products, err := h.deps.Catalog.Search(r.Context(), criteria)
	if err != nil {
		h.fail(w, r, "search", err)
		return
	}
	if products == nil {
		products = []domain.ProductInfo{}
	}
	writeJSON(w, http.StatusOK, productsResponse{Products: products, Count: len(products)})
}

func (h *HTTPChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.deps.Counter != nil {
		n, err := h.deps.Counter.Count(r.Context())
		if err != nil {
			h.deps.Logger.WarnContext(r.Context(), "health check: catalog unavailable", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
			return
		}
		resp.CatalogProducts = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeTurn writes a turn result. Contained failures are still 200, except
// an unknown session which is 404.
func (h *HTTPChannel) writeTurn(w http.ResponseWriter, res *usecase.TurnResult) {
	status := http.StatusOK
	if !res.Success && res.Code == domain.CodeSessionNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, res)
}

// decode reads a JSON body bounded by MaxBodyBytes. With allowEmpty an
// empty body leaves v untouched.
func (h *HTTPChannel) decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.deps.Config.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	if err != nil {
		return errors.New(bodyError("invalid JSON", err, h.deps.Config.MaxBodyBytes))
	}
	return nil
}

func (h *HTTPChannel) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.deps.Logger.ErrorContext(r.Context(), "request failed", "op", op, "error", err)
	}
	writeError(w, status, err.Error(), domain.ErrorCodeOf(err))
}

func statusFor(err error) int {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeInvalidInput, domain.CodeToolArgument, domain.CodeNoValidItems:
		return http.StatusBadRequest
	case domain.CodeSessionNotFound, domain.CodeNotFound, domain.CodeProductNotFound:
		return http.StatusNotFound
	case domain.CodeSessionBusy:
		return http.StatusConflict
	case domain.CodeRateLimit:
		return http.StatusTooManyRequests
	case domain.CodeTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeStoreUnavailable, domain.CodeCatalog:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bodyError(prefix string, err error, limit int64) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Sprintf("request body too large (max %d bytes)", limit)
	}
	return prefix + ": " + err.Error()
}

func floatParam(raw, name string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("%s must be a non-negative number", name)
	}
	return &v, nil
}

// audioFormat guesses the container from the upload's name or content type.
func audioFormat(filename, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), "."); ext != "" {
		return ext
	}
	if _, sub, ok := strings.Cut(contentType, "/"); ok {
		sub, _, _ = strings.Cut(sub, ";")
		return strings.TrimPrefix(strings.TrimSpace(sub), "x-")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code domain.ErrorCode) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
