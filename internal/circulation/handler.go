// internal/circulation/handler.go
package circulation

import (
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"kitabu/internal/apperr"
	"kitabu/internal/catalog"
	"kitabu/internal/membership"
	"kitabu/internal/money"
	"kitabu/internal/notify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service Service
	logger  *zap.Logger
	books   *listCache
	members *listCache
}

// NewHandler builds the HTTP surface. When hub is non-nil, book and member
// listings are cached and dropped whenever a committed event touches them.
func NewHandler(service Service, hub *notify.Hub, logger *zap.Logger) *Handler {
	h := &Handler{service: service, logger: logger}
	if hub != nil {
		h.books = &listCache{}
		h.members = &listCache{}
		hub.Subscribe(h.invalidate)
	}
	return h
}

func (h *Handler) invalidate(e notify.Event) {
	switch e.Type {
	case notify.BookRegistered, notify.BookUpdated, notify.LoanIssued:
		h.books.drop()
	case notify.MemberRegistered, notify.MemberUpdated, notify.PaymentPosted:
		h.members.drop()
	case notify.LoanReturned:
		h.books.drop()
		h.members.drop()
	}
}

// Routes mounts every operation on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/books", func(r chi.Router) {
		r.Post("/", h.handleCreateBook)
		r.Get("/", h.handleListBooks)
		r.Get("/{id}", h.handleGetBook)
		r.Patch("/{id}", h.handleUpdateBook)
		r.Get("/{id}/loans", h.handleActiveLoans)
	})
	r.Route("/members", func(r chi.Router) {
		r.Post("/", h.handleRegisterMember)
		r.Get("/", h.handleListMembers)
		r.Get("/{id}", h.handleGetMember)
		r.Patch("/{id}", h.handleUpdateMember)
		r.Get("/{id}/transactions", h.handleMemberTransactions)
		r.Get("/{id}/issued", h.handleIssuedBooks)
		r.Post("/{id}/payments", h.handlePostPayment)
	})
	r.Route("/loans", func(r chi.Router) {
		r.Post("/", h.handleIssue)
		r.Get("/", h.handleListLoans)
		r.Post("/{id}/return", h.handleReturn)
	})
	return r
}

func (h *Handler) handleCreateBook(w http.ResponseWriter, r *http.Request) {
	var req catalog.NewBook
	if !h.decode(w, r, &req) {
		return
	}
	book, err := h.service.CreateBook(r.Context(), req)
	h.respond(w, r, http.StatusCreated, book, err)
}

func (h *Handler) handleListBooks(w http.ResponseWriter, r *http.Request) {
	h.serveList(w, r, h.books, func() (interface{}, error) {
		return h.service.ListBooks(r.Context())
	})
}

func (h *Handler) handleGetBook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	h.respond(w, r, http.StatusOK, book, err)
}

func (h *Handler) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req catalog.Update
	if !h.decode(w, r, &req) {
		return
	}
	book, err := h.service.UpdateBook(r.Context(), id, req)
	h.respond(w, r, http.StatusOK, book, err)
}

func (h *Handler) handleActiveLoans(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	txs, err := h.service.GetActiveLoans(r.Context(), id)
	h.respond(w, r, http.StatusOK, txs, err)
}

func (h *Handler) handleRegisterMember(w http.ResponseWriter, r *http.Request) {
	var req membership.NewMember
	if !h.decode(w, r, &req) {
		return
	}
	member, err := h.service.RegisterMember(r.Context(), req)
	h.respond(w, r, http.StatusCreated, member, err)
}

func (h *Handler) handleListMembers(w http.ResponseWriter, r *http.Request) {
	h.serveList(w, r, h.members, func() (interface{}, error) {
		return h.service.ListMembers(r.Context())
	})
}

func (h *Handler) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	member, err := h.service.GetMember(r.Context(), id)
	h.respond(w, r, http.StatusOK, member, err)
}

func (h *Handler) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req membership.Update
	if !h.decode(w, r, &req) {
		return
	}
	member, err := h.service.UpdateMember(r.Context(), id, req)
	h.respond(w, r, http.StatusOK, member, err)
}

func (h *Handler) handleMemberTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	loans, err := h.service.ListMemberTransactions(r.Context(), id)
	h.respond(w, r, http.StatusOK, loans, err)
}

func (h *Handler) handleIssuedBooks(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	loans, err := h.service.ListIssuedBooks(r.Context(), id)
	h.respond(w, r, http.StatusOK, loans, err)
}

func (h *Handler) handlePostPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Amount money.Amount `json:"amount"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	member, err := h.service.PostPayment(r.Context(), id, req.Amount)
	h.respond(w, r, http.StatusOK, member, err)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookID   uuid.UUID `json:"book_id"`
		MemberID uuid.UUID `json:"member_id"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	loan, err := h.service.IssueBook(r.Context(), req.BookID, req.MemberID)
	h.respond(w, r, http.StatusCreated, loan, err)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	loan, err := h.service.ReturnBook(r.Context(), id)
	h.respond(w, r, http.StatusOK, loan, err)
}

func (h *Handler) handleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListTransactions(r.Context())
	h.respond(w, r, http.StatusOK, loans, err)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, apperr.Validation("invalid id %q", chi.URLParam(r, "id")))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, apperr.Validation("malformed request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v interface{}, err error) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, status, body)
}

// serveList answers from the cache when it holds a fresh copy.
func (h *Handler) serveList(w http.ResponseWriter, r *http.Request, cache *listCache, load func() (interface{}, error)) {
	if body, ok := cache.get(); ok {
		writeJSON(w, http.StatusOK, body)
		return
	}
	gen := cache.generation()
	v, err := load()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cache.put(gen, body)
	writeJSON(w, http.StatusOK, body)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	body, _ := json.Marshal(errorResponse{Error: apperr.Code(err), Message: err.Error()})
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// listCache holds one encoded listing. A fill that started before an
// invalidation is discarded, so a stale read never outlives a commit.
type listCache struct {
	mu   sync.Mutex
	gen  uint64
	body []byte
}

func (c *listCache) get() ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body, c.body != nil
}

func (c *listCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *listCache) put(gen uint64, body []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.body = body
	}
}

func (c *listCache) drop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.body = nil
}
