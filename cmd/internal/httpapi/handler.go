// Package httpapi exposes the chat operations over REST under /chat/.
//
// Every route runs as the caller resolved by the configured auth.Resolver and is rate limited per
// caller. Errors use the shared chat codes; see writeChatError for the status mapping.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatd/cmd/internal/auth"
	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/metrics"
	"chatd/cmd/internal/presence"
	"chatd/cmd/internal/ratelimit"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// ChatService is the chat core as seen by the REST surface.
type ChatService interface {
	CreateConversation(ctx context.Context, in chat.CreateConversationInput) (chat.Conversation, bool, error)
	GetConversations(ctx context.Context, participantID string) ([]chat.Conversation, error)
	GetConversation(ctx context.Context, conversationID, requesterID string) (chat.Conversation, error)

	SendMessage(ctx context.Context, in chat.SendMessageInput) (chat.SendResult, error)
	GetMessages(ctx context.Context, in chat.GetMessagesInput) (chat.MessagePage, error)
	MarkMessagesAsRead(ctx context.Context, in chat.MarkReadInput) (chat.ReadResult, error)
	DeleteMessage(ctx context.Context, messageID, requesterID string) (chat.Message, error)
	EditMessage(ctx context.Context, messageID, requesterID, text string) (chat.Message, error)

	SetTypingIndicator(ctx context.Context, conversationID, participantID string, isTyping bool) (presence.Indicator, error)
	GetTypingIndicators(ctx context.Context, conversationID, requesterID string) ([]presence.Indicator, error)
	GetPresence(ctx context.Context, conversationID, requesterID string) ([]chat.ParticipantPresence, error)

	GetOfflineMessages(ctx context.Context, participantID string, lastSyncTime time.Time) (chat.OfflineSync, error)
	SyncOfflineMessages(ctx context.Context, sender chat.Caller, items []chat.SyncItem) ([]chat.SyncedMessage, error)

	GetConversationStats(ctx context.Context, conversationID, requesterID string) (chat.Stats, error)
}

// Handler wires REST endpoints to the chat service.
type Handler struct {
	log      *slog.Logger
	svc      ChatService
	resolver auth.Resolver
	limiter  *ratelimit.KeyLimiter
	metrics  *metrics.Metrics
	now      func() time.Time

	maxBodyBytes int64
}

// Option configures optional handler dependencies.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

// WithMetrics records per-route request durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimiter limits requests per caller. A nil limiter disables limiting.
func WithRateLimiter(l *ratelimit.KeyLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// WithMaxBodyBytes bounds JSON request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// New constructs a Handler.
func New(svc ChatService, resolver auth.Resolver, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("httpapi: nil chat service")
	}
	if resolver == nil {
		return nil, errors.New("httpapi: nil identity resolver")
	}
	h := &Handler{
		log:          slog.Default(),
		svc:          svc,
		resolver:     resolver,
		now:          func() time.Time { return time.Now().UTC() },
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	h.handle(mux, "POST /chat/conversations", h.handleCreateConversation)
	h.handle(mux, "GET /chat/conversations", h.handleListConversations)
	h.handle(mux, "GET /chat/conversations/{id}", h.handleGetConversation)
	h.handle(mux, "GET /chat/conversations/{id}/messages", h.handleGetMessages)
	h.handle(mux, "GET /chat/conversations/{id}/typing", h.handleGetTyping)
	h.handle(mux, "GET /chat/conversations/{id}/presence", h.handleGetPresence)
	h.handle(mux, "GET /chat/conversations/{id}/stats", h.handleGetStats)

	h.handle(mux, "POST /chat/messages", h.handleSendMessage)
	h.handle(mux, "PUT /chat/messages/read", h.handleMarkRead)
	h.handle(mux, "PUT /chat/messages/{id}", h.handleEditMessage)
	h.handle(mux, "DELETE /chat/messages/{id}", h.handleDeleteMessage)

	h.handle(mux, "POST /chat/typing", h.handleSetTyping)

	h.handle(mux, "GET /chat/offline/messages", h.handleOfflineMessages)
	h.handle(mux, "POST /chat/offline/sync", h.handleOfflineSync)
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller chat.Caller)

// handle wraps fn with identity resolution, per-caller rate limiting and route metrics.
func (h *Handler) handle(mux *http.ServeMux, pattern string, fn callerHandler) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() { h.metrics.ObserveHTTP(pattern, sw.status, time.Since(start)) }()

		caller, err := h.resolver.Resolve(r)
		if err != nil {
			if !auth.IsAuthError(err) {
				h.log.Error("http.auth.fail", "route", pattern, "err", err)
			}
			writeError(sw, http.StatusUnauthorized, chat.CodeUnauthenticated, "authentication required")
			return
		}

		if !h.limiter.Allow(caller.ID, h.now()) {
			sw.Header().Set("Retry-After", "1")
			writeError(sw, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		fn(sw, r.WithContext(auth.WithCaller(r.Context(), caller)), caller)
	})
}

// fail logs unexpected failures and renders err.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch chat.Code(err) {
	case chat.CodeInternal, chat.CodeStorageUnavailable:
		h.log.Error("http.chat.fail", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeChatError(w, err)
}

// ---- conversations ----

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req createConversationRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	participants := make([]chat.Participant, 0, len(req.ParticipantIDs)+len(req.Participants))
	for _, id := range req.ParticipantIDs {
		participants = append(participants, chat.Participant{ID: id})
	}
	participants = append(participants, req.Participants...)

	kind := chat.ConversationKind(strings.TrimSpace(req.Kind))

	conv, created, err := h.svc.CreateConversation(r.Context(), chat.CreateConversationInput{
		Creator:      caller,
		Kind:         kind,
		Participants: participants,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toConversationResponse(conv, caller.ID))
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	convs, err := h.svc.GetConversations(r.Context(), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := conversationsResponse{Conversations: make([]conversationResponse, 0, len(convs))}
	for _, c := range convs {
		out.Conversations = append(out.Conversations, toConversationResponse(c, caller.ID))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	conv, err := h.svc.GetConversation(r.Context(), r.PathValue("id"), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversationResponse(conv, caller.ID))
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	q := r.URL.Query()
	page, ok := queryInt(q.Get("page"))
	if !ok {
		writeError(w, http.StatusBadRequest, chat.CodeInvalidRequest, "page must be a positive integer")
		return
	}
	limit, ok := queryInt(q.Get("limit"))
	if !ok {
		writeError(w, http.StatusBadRequest, chat.CodeInvalidRequest, "limit must be a positive integer")
		return
	}

	res, err := h.svc.GetMessages(r.Context(), chat.GetMessagesInput{
		ConversationID: r.PathValue("id"),
		RequesterID:    caller.ID,
		Page:           page,
		Limit:          limit,
		Before:         strings.TrimSpace(q.Get("before")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messagePageResponse{
		Messages:   toMessageResponses(res.Messages, caller.ID),
		HasMore:    res.HasMore,
		NextBefore: res.NextBefore,
	})
}

func (h *Handler) handleGetTyping(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	inds, err := h.svc.GetTypingIndicators(r.Context(), r.PathValue("id"), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if inds == nil {
		inds = []presence.Indicator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"typing": inds})
}

func (h *Handler) handleGetPresence(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	out, err := h.svc.GetPresence(r.Context(), r.PathValue("id"), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	st, err := h.svc.GetConversationStats(r.Context(), r.PathValue("id"), caller.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ConversationID: st.ConversationID,
		TotalMessages:  st.TotalMessages,
		UnreadCount:    st.UnreadCount,
		LastActivity:   st.LastActivity,
		Participants:   st.Participants,
	})
}

// ---- messages ----

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	res, err := h.svc.SendMessage(r.Context(), chat.SendMessageInput{
		Sender:          caller,
		ConversationID:  req.ConversationID,
		Body:            chat.NewBody(req.Content, req.Media),
		ReplyTo:         strings.TrimSpace(req.ReplyTo),
		ClientMessageID: strings.TrimSpace(req.ClientMessageID),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := toMessageResponse(res.Message, caller.ID)
	out.Duplicated = res.Duplicated
	status := http.StatusCreated
	if res.Duplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req markReadRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	res, err := h.svc.MarkMessagesAsRead(r.Context(), chat.MarkReadInput{
		ConversationID: req.ConversationID,
		ParticipantID:  caller.ID,
		MessageIDs:     req.MessageIDs,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	marked := res.Marked
	if marked == nil {
		marked = []string{}
	}
	writeJSON(w, http.StatusOK, readResponse{
		ConversationID:    res.ConversationID,
		Marked:            marked,
		LastReadMessageID: res.LastReadMessageID,
	})
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req editMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	msg, err := h.svc.EditMessage(r.Context(), r.PathValue("id"), caller.ID, req.Content)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg, caller.ID))
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	if _, err := h.svc.DeleteMessage(r.Context(), r.PathValue("id"), caller.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSetTyping(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req typingRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if _, err := h.svc.SetTypingIndicator(r.Context(), req.ConversationID, caller.ID, req.IsTyping); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- offline ----

func (h *Handler) handleOfflineMessages(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	since, ok := parseSyncTime(r.URL.Query().Get("lastSyncTime"))
	if !ok {
		writeError(w, http.StatusBadRequest, chat.CodeInvalidRequest, "lastSyncTime must be RFC 3339 or unix milliseconds")
		return
	}

	res, err := h.svc.GetOfflineMessages(r.Context(), caller.ID, since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := offlineResponse{
		Conversations: make([]offlineBatchResponse, 0, len(res.Batches)),
		ServerTime:    res.Checkpoint,
	}
	for _, b := range res.Batches {
		out.Conversations = append(out.Conversations, offlineBatchResponse{
			ConversationID: b.ConversationID,
			Messages:       toMessageResponses(b.Messages, caller.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleOfflineSync(w http.ResponseWriter, r *http.Request, caller chat.Caller) {
	var req syncRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	items := make([]chat.SyncItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		items = append(items, chat.SyncItem{
			ConversationID:  m.ConversationID,
			Body:            chat.NewBody(m.Content, m.Media),
			ReplyTo:         strings.TrimSpace(m.ReplyTo),
			ClientMessageID: strings.TrimSpace(m.ClientMessageID),
		})
	}

	synced, err := h.svc.SyncOfflineMessages(r.Context(), caller, items)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := syncResponse{Messages: make([]messageResponse, 0, len(synced))}
	for _, s := range synced {
		m := toMessageResponse(s.Message, caller.ID)
		m.Duplicated = s.Duplicated
		out.Messages = append(out.Messages, m)
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- helpers ----

// queryInt parses an optional positive integer query value. Empty yields 0.
func queryInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseSyncTime accepts RFC 3339 timestamps or unix milliseconds. Empty means "from the beginning".
func parseSyncTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(ms).UTC(), true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// statusWriter records the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
