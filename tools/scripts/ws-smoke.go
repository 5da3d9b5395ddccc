// Package main provides a CI-friendly end-to-end smoke test for chatd.
//
// It validates:
//   - REST conversation creation
//   - handshake + subprotocol selection and hello_ack
//   - send -> ack, fan-out message_new and the delivered receipt back to the sender
//   - read receipts over the socket
//   - history fetch
//   - idempotent dedupe by client_msg_id
//
// Identities come either from bearer tokens (-token-a/-token-b, see `chatd token`) or, against a
// server running CHATD_AUTH_MODE=header, from -user-a/-user-b.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "chatd/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20 // 1MiB

type identity struct {
	name   string
	userID string
	token  string
}

func (id identity) headers() http.Header {
	h := http.Header{}
	if id.token != "" {
		h.Set("Authorization", "Bearer "+id.token)
	} else {
		h.Set("X-Chat-User-ID", id.userID)
	}
	return h
}

type smokeClient struct {
	identity
	conn      *websocket.Conn
	sessionID string

	inbox   chan v1.Envelope
	errCh   chan error
	pending []v1.Envelope
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		apiURL  = flag.String("api", "", "REST base URL (default derived from -url)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		tokenA  = flag.String("token-a", "", "access token for participant A")
		tokenB  = flag.String("token-b", "", "access token for participant B")
		userA   = flag.String("user-a", "smoke-a", "participant A id (header auth mode)")
		userB   = flag.String("user-b", "smoke-b", "participant B id (header auth mode)")
		text    = flag.String("text", "hello chatd 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	base := strings.TrimRight(*apiURL, "/")
	if base == "" {
		base = restBaseURL(*wsURL)
	}

	root := context.Background()

	a := mustConnect(root, identity{name: "A", userID: *userA, token: *tokenA}, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, identity{name: "B", userID: *userB, token: *tokenB}, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s(%s) B=%s(%s)\n", a.userID, a.sessionID, b.userID, b.sessionID)
	}

	convID := mustCreateConversation(root, base, a.identity, b.userID, *timeout)
	if *verbose {
		fmt.Printf("conversation: %s\n", convID)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())
	ack := mustSend(root, a, convID, clientMsgID, *text, *timeout)
	if ack.Duplicated {
		fatalf("first send reported as duplicate")
	}

	msg := mustRead[v1.Message](root, b, v1.TypeMessageNew, *timeout)
	if msg.ID != ack.MessageID || msg.Seq != ack.Seq || msg.SenderID != a.userID || msg.Text != *text {
		fatalf("message_new mismatch: %+v (ack %+v)", msg, ack)
	}

	st := mustRead[v1.StatusPayload](root, a, v1.TypeMessageStatus, *timeout)
	if st.Status != "delivered" || st.ParticipantID != b.userID || !contains(st.MessageIDs, ack.MessageID) {
		fatalf("delivered receipt mismatch: %+v", st)
	}

	mustWrite(root, b, v1.TypeMessagesRead, "B-read", v1.MessagesReadPayload{ConversationID: convID, MessageIDs: []string{ack.MessageID}}, *timeout)
	for {
		st = mustRead[v1.StatusPayload](root, a, v1.TypeMessageStatus, *timeout)
		if st.Status == "read" {
			break
		}
	}
	if st.ParticipantID != b.userID || !contains(st.MessageIDs, ack.MessageID) {
		fatalf("read receipt mismatch: %+v", st)
	}

	mustWrite(root, b, v1.TypeConversationHistoryFetch, "B-history", v1.ConversationHistoryFetchPayload{ConversationID: convID, Limit: 50}, *timeout)
	chunk := mustRead[v1.ConversationHistoryChunkPayload](root, b, v1.TypeConversationHistoryChunk, *timeout)
	found := false
	for _, m := range chunk.Messages {
		if m.ID == ack.MessageID && m.ClientMsgID == clientMsgID && m.Status == "read" {
			found = true
			break
		}
	}
	if !found {
		fatalf("history chunk missing %s: %+v", ack.MessageID, chunk.Messages)
	}

	again := mustSend(root, a, convID, clientMsgID, *text, *timeout)
	if !again.Duplicated || again.MessageID != ack.MessageID || again.Seq != ack.Seq {
		fatalf("dedupe mismatch: first=%+v second=%+v", ack, again)
	}
	mustAssertNoType(b, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: conv_id=%s message_id=%s seq=%d\n", convID, ack.MessageID, ack.Seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func restBaseURL(wsURL string) string {
	u, _ := url.Parse(wsURL)
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func mustCreateConversation(parent context.Context, base string, creator identity, otherID string, stepTimeout time.Duration) string {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{"participantIds": []string{otherID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/conversations", bytes.NewReader(body))
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	req.Header = creator.headers()
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create conversation: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		fatalf("create conversation: status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		fatalf("create conversation: bad response: %v", err)
	}
	return out.ID
}

func mustConnect(parent context.Context, id identity, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := id.headers()
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", id.name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		identity: id,
		conn:     conn,
		inbox:    make(chan v1.Envelope, 512),
		errCh:    make(chan error, 1),
	}
	c.startReadLoop()

	ack := mustRead[v1.HelloAckPayload](parent, c, v1.TypeHelloAck, stepTimeout)
	if strings.TrimSpace(ack.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", id.name)
	}
	c.sessionID = ack.SessionID
	c.userID = ack.UserID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.errCh <- fmt.Errorf("bad json: %w", err)
				return
			}
			if err := env.Validate(); err != nil {
				c.errCh <- fmt.Errorf("bad envelope: %w", err)
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.errCh <- errors.New("inbox overflow: consumer too slow")
				return
			}
		}
	}()
}

func mustWrite(parent context.Context, c *smokeClient, typ, id string, payload any, stepTimeout time.Duration) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s: %v", typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw}
	data, _ := json.Marshal(env)

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

func mustSend(parent context.Context, c *smokeClient, convID, clientMsgID, text string, stepTimeout time.Duration) v1.MessageAckPayload {
	mustWrite(parent, c, v1.TypeMessageSend, "send-"+clientMsgID, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Text:           text,
	}, stepTimeout)

	ack := mustRead[v1.MessageAckPayload](parent, c, v1.TypeMessageAck, stepTimeout)
	if ack.ConversationID != convID || ack.ClientMsgID != clientMsgID {
		fatalf("ack mismatch (%s): %+v", c.name, ack)
	}
	if ack.MessageID == "" || ack.Seq <= 0 {
		fatalf("ack missing id/seq (%s): %+v", c.name, ack)
	}
	return ack
}

// next returns the first envelope of type typ, keeping others for later reads.
func (c *smokeClient) next(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	for i, env := range c.pending {
		if env.Type == typ {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return env
		}
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", typ, c.name)
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", typ, c.name)
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): %s", c.name, string(env.Payload))
			}
			if env.Type == typ {
				return env
			}
			c.pending = append(c.pending, env)
		}
	}
}

func mustRead[T any](parent context.Context, c *smokeClient, typ string, stepTimeout time.Duration) T {
	env := c.next(parent, typ, stepTimeout)
	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		fatalf("unmarshal %s (%s): %v", typ, c.name, err)
	}
	return out
}

func mustAssertNoType(c *smokeClient, typ string, window time.Duration) {
	for _, env := range c.pending {
		if env.Type == typ {
			fatalf("unexpected %s (%s)", typ, c.name)
		}
	}
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == typ {
				fatalf("unexpected %s (%s)", typ, c.name)
			}
		}
	}
}

func contains(ids []string, want string) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

func closeWS(c *websocket.Conn) {
	_ = c.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
