// Package ws implements the server contract over one websocket for
// realtime frames plus HTTP on the same host for range pulls and blobs.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/imerr"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// Client talks to the IM server. It implements transport.Server.
type Client struct {
	baseURL *url.URL
	httpc   *http.Client
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex // guards conn and writes (gorilla allows one writer)
	conn    *websocket.Conn
	inbound transport.Inbound
}

// New creates a client for the given server base URL, e.g.
// https://im.example.com.
func New(serverURL string, b *bus.Bus, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url scheme %q: want http or https", u.Scheme)
	}
	return &Client{
		baseURL: u,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		bus:     b,
		logger:  logger,
	}, nil
}

// SetInbound registers the receiver for frames pushed by the server.
// Must be called before Connect.
func (c *Client) SetInbound(h transport.Inbound) {
	c.mu.Lock()
	c.inbound = h
	c.mu.Unlock()
}

// Connect dials the websocket endpoint and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	wsURL.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return &imerr.TransportError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	c.logger.Info("connected", zap.String("url", wsURL.String()))
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindConnected, Timestamp: time.Now()})
	}
	go c.readLoop(conn)
	return nil
}

// Close tears down the websocket connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("read loop ended", zap.Error(err))
			if c.bus != nil {
				c.bus.Publish(bus.Event{Kind: bus.KindDisconnected, Timestamp: time.Now()})
			}
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	v, err := transport.DecodeFrame(raw)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	c.mu.Lock()
	h := c.inbound
	c.mu.Unlock()
	if h == nil {
		return
	}
	switch env := v.(type) {
	case *transport.MessageEnvelope:
		h.HandleMessage(env)
	case *transport.AckEnvelope:
		h.HandleAck(env)
	case *transport.ReadEnvelope:
		h.HandleRead(env)
	}
}

// SendMessage writes one message frame to the socket.
func (c *Client) SendMessage(_ context.Context, env *transport.MessageEnvelope) error {
	raw, err := transport.EncodeFrame(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return &imerr.TransportError{Op: "send", Err: fmt.Errorf("not connected")}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return &imerr.TransportError{Op: "send", Err: err}
	}
	return nil
}

// ResolvePrivateConversation asks the server for the private conversation
// with a peer, creating it if needed.
func (c *Client) ResolvePrivateConversation(ctx context.Context, peerID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"peer_id": peerID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL("/api/conversations/private"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &imerr.ConversationResolutionError{PeerID: peerID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", &imerr.ConversationResolutionError{PeerID: peerID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &imerr.ConversationResolutionError{PeerID: peerID, Err: err}
	}
	return out.ConversationID, nil
}

// FetchMessages pulls a message range over HTTP.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, boundarySeq int64, forward bool, limit int) ([]transport.MessageEnvelope, error) {
	q := url.Values{}
	if forward {
		q.Set("after", strconv.FormatInt(boundarySeq, 10))
	} else {
		q.Set("before", strconv.FormatInt(boundarySeq, 10))
	}
	q.Set("limit", strconv.Itoa(limit))

	reqURL := c.apiURL("/api/conversations/"+url.PathEscape(conversationID)+"/messages") + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &imerr.TransportError{Op: "fetch messages", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &imerr.TransportError{Op: "fetch messages", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var out struct {
		Messages []transport.MessageEnvelope `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &imerr.TransportError{Op: "fetch messages", Err: err}
	}
	return out.Messages, nil
}

// Download fetches a blob by file id. Metadata rides on response headers.
func (c *Client) Download(ctx context.Context, fileID string) ([]byte, *transport.FileInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.apiURL("/api/files/"+url.PathEscape(fileID)), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, nil, &imerr.TransportError{Op: "download", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, &imerr.NotFoundError{Kind: "file", ID: fileID}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, &imerr.TransportError{Op: "download", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &imerr.TransportError{Op: "download", Err: err}
	}
	durationMs, _ := strconv.ParseInt(resp.Header.Get("X-Duration-Ms"), 10, 64)
	info := &transport.FileInfo{
		FileID:      fileID,
		Name:        resp.Header.Get("X-File-Name"),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        int64(len(data)),
		DurationMs:  durationMs,
	}
	return data, info, nil
}

// Upload pushes a blob by file id. The message metadata travels separately
// over the websocket; the server joins the two by file id.
func (c *Client) Upload(ctx context.Context, info *transport.FileInfo, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.apiURL("/api/files/"+url.PathEscape(info.FileID)), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", info.ContentType)
	req.Header.Set("X-File-Name", info.Name)
	if info.DurationMs > 0 {
		req.Header.Set("X-Duration-Ms", strconv.FormatInt(info.DurationMs, 10))
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &imerr.UploadError{FileID: info.FileID, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &imerr.UploadError{FileID: info.FileID, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) apiURL(path string) string {
	u := *c.baseURL
	u.Path = path
	return u.String()
}
