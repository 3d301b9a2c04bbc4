package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/cipherchat/core"
	"github.com/putto11262002/cipherchat/pkg/router"
)

// Client talks to a cipherchat server over REST and the direct path.
// The session cookie obtained by SignIn is reused by every later call.
type Client struct {
	base    *url.URL
	http    *http.Client
	jar     http.CookieJar
	logger  *slog.Logger
	session *core.Session
}

func New(baseURL string, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookiejar.New: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		base:   base,
		http:   &http.Client{Jar: jar},
		jar:    jar,
		logger: logger,
	}, nil
}

// Session returns the identity of the signed in user, or nil.
func (c *Client) Session() *core.Session {
	return c.session
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return fmt.Errorf("NewRequest: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 400 {
		apiErr := router.JsonError{Code: res.StatusCode}
		if err := json.NewDecoder(res.Body).Decode(&apiErr); err != nil || apiErr.Err == "" {
			apiErr.Err = http.StatusText(res.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Register(ctx context.Context, user core.User) (*core.UserWithoutSecrets, error) {
	var created core.UserWithoutSecrets
	if err := c.do(ctx, http.MethodPost, "/api/users", nil, user, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) SignIn(ctx context.Context, id, password string) (*core.Session, error) {
	var session core.Session
	if err := c.do(ctx, http.MethodPost, "/api/auth/signin", nil,
		map[string]string{"id": id, "password": password}, &session); err != nil {
		return nil, err
	}
	c.session = &session
	return &session, nil
}

func (c *Client) Messages(ctx context.Context, otherUserID string, limit int) (string, []core.Message, error) {
	q := url.Values{"otherUserId": {otherUserID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var res struct {
		Messages []core.Message `json:"messages"`
		RoomID   string         `json:"roomId"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages", q, nil, &res); err != nil {
		return "", nil, err
	}
	return res.RoomID, res.Messages, nil
}

func (c *Client) Send(ctx context.Context, receiverID, encryptedContent string) (*core.Message, error) {
	var res struct {
		Message *core.Message `json:"message"`
	}
	body := map[string]string{"receiverId": receiverID, "encryptedContent": encryptedContent}
	if err := c.do(ctx, http.MethodPost, "/api/messages", nil, body, &res); err != nil {
		return nil, err
	}
	if res.Message == nil {
		return nil, errors.New("empty send response")
	}
	return res.Message, nil
}

func (c *Client) MarkRead(ctx context.Context, otherUserID string) (int, error) {
	var res struct {
		Marked int `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/messages/read", nil,
		map[string]string{"otherUserId": otherUserID}, &res); err != nil {
		return 0, err
	}
	return res.Marked, nil
}

func (c *Client) Unread(ctx context.Context, otherUserID string) (int, error) {
	var res struct {
		Unread int `json:"unread"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread",
		url.Values{"otherUserId": {otherUserID}}, nil, &res); err != nil {
		return 0, err
	}
	return res.Unread, nil
}

func (c *Client) KeyExchange(ctx context.Context, targetUserID, publicKey string, isResponse bool) error {
	body := map[string]any{"targetUserId": targetUserID, "publicKey": publicKey, "isResponse": isResponse}
	return c.do(ctx, http.MethodPost, "/api/key-exchange", nil, body, nil)
}

// Socket is an open direct path connection.
type Socket struct {
	conn   *websocket.Conn
	events chan *core.Event
	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	logger    *slog.Logger
}

// Dial opens the direct path with the session cookie.
func (c *Client) Dial(ctx context.Context) (*Socket, error) {
	u := c.base.JoinPath("/ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	dialer := websocket.Dialer{Jar: c.jar}
	conn, res, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("dial %s (%d): %w", u, res.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	s := &Socket{
		conn:   conn,
		events: make(chan *core.Event, 100),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop()
	return s, nil
}

func (s *Socket) readLoop() {
	defer close(s.events)
	for {
		var e core.Event
		if err := s.conn.ReadJSON(&e); err != nil {
			select {
			case <-s.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug(fmt.Sprintf("ReadJSON: %v", err))
				}
			}
			return
		}
		s.events <- &e
	}
}

// Events delivers the server events in arrival order. It is closed when the connection ends.
func (s *Socket) Events() <-chan *core.Event {
	return s.events
}

func (s *Socket) Emit(kind core.EventKind, payload any) error {
	e, err := core.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(e)
}

func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.mu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
