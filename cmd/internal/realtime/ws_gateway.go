package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chatd/cmd/internal/auth"
	"chatd/cmd/internal/chat"
	"chatd/cmd/internal/ids"
	"chatd/cmd/internal/presence"
	"chatd/cmd/internal/ratelimit"
	v1 "chatd/shared/contracts/realtime/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatService is the slice of the chat core the gateway routes client frames to.
type ChatService interface {
	SendMessage(ctx context.Context, in chat.SendMessageInput) (chat.SendResult, error)
	SetTypingIndicator(ctx context.Context, conversationID, participantID string, isTyping bool) (presence.Indicator, error)
	MarkMessagesAsRead(ctx context.Context, in chat.MarkReadInput) (chat.ReadResult, error)
	GetMessages(ctx context.Context, in chat.GetMessagesInput) (chat.MessagePage, error)
}

// GatewayConfig holds the WebSocket transport knobs (populated from CHATD_WS_* by the app).
type GatewayConfig struct {
	// DevInsecure disables websocket.Accept's own origin verification. Dev only.
	DevInsecure    bool
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration

	HelloTimeout time.Duration
}

// DefaultGatewayConfig returns secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:   wsDefaultOriginRequired,
		AllowedOrigins:   SplitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
		HelloTimeout:     helloTimeout,
	}
}

// WSGateway is the WebSocket entrypoint for chatd realtime.
//
// It enforces origin policy, subprotocol selection, authentication, rate limits and heartbeats,
// registers sessions with the Hub, and routes validated envelopes to the chat service.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	svc      ChatService
	resolver auth.Resolver

	cfg GatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// NewWSGateway constructs a gateway. Zero-valued durations and sizes in cfg fall back to defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, svc ChatService, resolver auth.Resolver, cfg GatewayConfig) (*WSGateway, error) {
	if hub == nil {
		return nil, errors.New("realtime: nil hub")
	}
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if resolver == nil {
		return nil, errors.New("realtime: nil identity resolver")
	}
	if log == nil {
		log = slog.Default()
	}

	def := DefaultGatewayConfig()
	cfg.WriteTimeout = nonZeroDuration(cfg.WriteTimeout, def.WriteTimeout)
	cfg.ReadIdleTimeout = nonZeroDuration(cfg.ReadIdleTimeout, def.ReadIdleTimeout)
	cfg.HeartbeatEvery = nonZeroDuration(cfg.HeartbeatEvery, def.HeartbeatEvery)
	cfg.HeartbeatTimeout = nonZeroDuration(cfg.HeartbeatTimeout, def.HeartbeatTimeout)
	cfg.RateWindow = nonZeroDuration(cfg.RateWindow, def.RateWindow)
	cfg.HelloTimeout = nonZeroDuration(cfg.HelloTimeout, def.HelloTimeout)
	if cfg.RateEvents <= 0 {
		cfg.RateEvents = def.RateEvents
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.SendQueueSize < wsMinSendQueueSize {
		cfg.SendQueueSize = wsMinSendQueueSize
	}

	return &WSGateway{
		log:      log,
		hub:      hub,
		svc:      svc,
		resolver: resolver,
		cfg:      cfg,

		// IMPORTANT:
		// websocket.Accept enforces its own origin policy:
		// - same-host is ok
		// - cross-origin requires OriginPatterns (host patterns)
		// We derive these patterns from allowed origins so the two layers agree.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
//
// Identity comes from the upgrade request (bearer header, access_token query or trusted headers).
// When none is present the first frame must be a hello carrying a token.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	caller, err := g.resolver.Resolve(r)
	identified := err == nil
	if err != nil && !errors.Is(err, auth.ErrMissingIdentity) {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Unidentified upgrades authenticate in-band before anything else is processed.
	var helloRef string
	if !identified {
		caller, helloRef, err = g.awaitHello(ctx, conn)
		if err != nil {
			g.log.Info("ws.reject.hello", "err", err, "remote", r.RemoteAddr)
			g.writeErrorDirect(ctx, conn, chat.CodeUnauthenticated, "authentication required", helloRef)
			_ = conn.Close(websocket.StatusPolicyViolation, "authentication required")
			return
		}
	}

	now := time.Now().UTC()
	sessionID, err := ids.NewULID(now)
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(caller, sessionID, g.cfg.SendQueueSize)
	g.hub.Register(ctx, client)
	g.log.Info("ws.session.open", "session_id", sessionID, "user_id", caller.ID, "user_type", string(caller.Type))

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Push safety: client.Send remains open and the hub forgets the session before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.Unregister(ctx, client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			g.log.Info("ws.session.close", "session_id", sessionID, "user_id", caller.ID, "reason", reason)
		})
	}

	rl := ratelimit.NewConnLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.hub.Touch(ctx, client.UserID)
			}
		}
	}()

	g.sendHelloAck(ctx, client, helloRef)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.trySendError(ctx, client, "rate_limited", "too many events", env.ID)
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), env.ID)
			continue readLoop
		}

		var herr error
		switch env.Type {
		case v1.TypeHello:
			// Already authenticated; a repeated hello just re-acknowledges the session.
			g.sendHelloAck(ctx, client, env.ID)
		case v1.TypeMessageSend:
			herr = g.onMessageSend(ctx, client, env)
		case v1.TypeTyping:
			herr = g.onTyping(ctx, client, env)
		case v1.TypeMessagesRead:
			herr = g.onMessagesRead(ctx, client, env)
		case v1.TypeConversationHistoryFetch:
			herr = g.onHistoryFetch(ctx, client, env)
		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
			continue readLoop
		}
		if herr != nil {
			g.sendHandlerError(ctx, client, env, herr)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// awaitHello reads the first frame of an unidentified session and authenticates its token.
func (g *WSGateway) awaitHello(ctx context.Context, conn *websocket.Conn) (chat.Caller, string, error) {
	hctx, cancel := context.WithTimeout(ctx, g.cfg.HelloTimeout)
	defer cancel()

	env, err := readEnvelope(hctx, conn)
	if err != nil {
		return chat.Caller{}, "", fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return chat.Caller{}, env.ID, err
	}
	if env.Type != v1.TypeHello {
		return chat.Caller{}, env.ID, fmt.Errorf("expected hello, got %s", env.Type)
	}
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return chat.Caller{}, env.ID, err
	}
	caller, err := g.resolver.ResolveToken(p.Token)
	if err != nil {
		return chat.Caller{}, env.ID, err
	}
	return caller, env.ID, nil
}

// ---- handlers ----

// badPayload marks frame decoding failures so they map to invalid_request.
type badPayload struct{ err error }

func (e badPayload) Error() string { return "invalid payload: " + e.err.Error() }

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return badPayload{err: errors.New("missing payload")}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return badPayload{err: err}
	}
	return nil
}

func (g *WSGateway) sendHelloAck(ctx context.Context, client *Client, refID string) {
	p, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: client.SessionID,
		UserID:    client.UserID,
		UserType:  string(client.UserType),
	})
	ack := newEnvelope(v1.TypeHelloAck, p, time.Now().UTC())
	ack.ID = nonEmpty(refID, ack.ID)
	if !g.enqueue(ctx, client, ack) {
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "type", v1.TypeHelloAck)
	}
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := nonEmpty(strings.TrimSpace(p.ConversationID), env.ConvID)

	res, err := g.svc.SendMessage(ctx, chat.SendMessageInput{
		Sender:          client.Caller(),
		ConversationID:  convID,
		Body:            chat.NewBody(p.Text, mediaFromWire(p.Media)),
		ReplyTo:         strings.TrimSpace(p.ReplyTo),
		ClientMessageID: strings.TrimSpace(p.ClientMsgID),
	})
	if err != nil {
		return err
	}

	msg := res.Message
	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		ClientMsgID:    msg.ClientMessageID,
		MessageID:      msg.ID,
		Seq:            msg.Seq,
		Duplicated:     res.Duplicated,
	})
	ack := newEnvelope(v1.TypeMessageAck, ackPayload, time.Now().UTC())
	ack.ConvID = msg.ConversationID

	// Fan-out (message_new) is the Delivery Coordinator's job; the ack only confirms durability.
	if !g.enqueue(ctx, client, ack) {
		g.log.Info("ws.backpressure", "session_id", client.SessionID, "type", v1.TypeMessageAck)
	}
	return nil
}

func (g *WSGateway) onTyping(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := nonEmpty(strings.TrimSpace(p.ConversationID), env.ConvID)
	_, err := g.svc.SetTypingIndicator(ctx, convID, client.UserID, p.IsTyping)
	return err
}

func (g *WSGateway) onMessagesRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessagesReadPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	_, err := g.svc.MarkMessagesAsRead(ctx, chat.MarkReadInput{
		ConversationID: nonEmpty(strings.TrimSpace(p.ConversationID), env.ConvID),
		ParticipantID:  client.UserID,
		MessageIDs:     p.MessageIDs,
	})
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.ConversationHistoryFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	convID := nonEmpty(strings.TrimSpace(p.ConversationID), env.ConvID)

	page, err := g.svc.GetMessages(ctx, chat.GetMessagesInput{
		ConversationID: convID,
		RequesterID:    client.UserID,
		Limit:          p.Limit,
		Before:         strings.TrimSpace(p.Before),
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		msgs = append(msgs, WireMessage(m, client.UserID))
	}

	chunkPayload, _ := json.Marshal(v1.ConversationHistoryChunkPayload{
		ConversationID: convID,
		Messages:       msgs,
		HasMore:        page.HasMore,
		NextBefore:     page.NextBefore,
	})
	chunk := newEnvelope(v1.TypeConversationHistoryChunk, chunkPayload, time.Now().UTC())
	chunk.ID = nonEmpty(env.ID, chunk.ID)
	chunk.ConvID = convID

	if !g.enqueue(ctx, client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendHandlerError(ctx context.Context, client *Client, env v1.Envelope, err error) {
	var bp badPayload
	if errors.As(err, &bp) {
		g.trySendError(ctx, client, chat.CodeInvalidRequest, bp.Error(), env.ID)
		return
	}
	code := chat.Code(err)
	if code == chat.CodeInternal || code == chat.CodeStorageUnavailable {
		g.log.Warn("ws.handler.fail", "session_id", client.SessionID, "type", env.Type, "code", code, "err", err)
	}
	g.trySendError(ctx, client, code, chat.PublicMessage(err), env.ID)
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, refID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// writeErrorDirect writes an error before the session (and its writer goroutine) exists.
func (g *WSGateway) writeErrorDirect(ctx context.Context, conn *websocket.Conn, code, msg, refID string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg, RefID: refID})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return client.offer(env)
}

func nonEmpty(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

func nonZeroDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatternsFromAllowedOrigins extracts the sorted unique hosts of the allowlist.
// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// SplitCSV splits a comma-separated list, dropping blanks.
func SplitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
