package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorumhq/quorum/internal/config"
	"github.com/quorumhq/quorum/internal/gateway"
)

// client is one WebSocket connection to quorumd.
type client struct {
	conn *websocket.Conn
}

// frame is a superset of every server→client message the CLI reads.
type frame struct {
	Type        string          `json:"type"`
	UISessionID string          `json:"ui_session_id,omitempty"`
	SessionID   string          `json:"uiSessionId,omitempty"` // reply frames
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Questions   json.RawMessage `json:"questions,omitempty"`
	Message     string          `json:"message,omitempty"`
	Role        string          `json:"role,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	Sessions    json.RawMessage `json:"sessions,omitempty"`
	Aggregates  json.RawMessage `json:"aggregates,omitempty"`
	Messages    json.RawMessage `json:"messages,omitempty"`
	Unread      map[string]int  `json:"unread,omitempty"`
}

func dialDaemon(cfg *config.Config) (*client, error) {
	url := fmt.Sprintf("ws://%s/ws", cfg.Gateway.Listen)

	header := http.Header{}
	if !cfg.Gateway.AllowInsecure {
		token, err := gateway.MintToken(cfg.Gateway.AuthSecret, "quorum-cli", cfg.Gateway.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("mint token (is gateway.auth_secret set?): %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("connect to quorumd at %s: %w", cfg.Gateway.Listen, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) close() { c.conn.Close() }

func (c *client) send(v any) error {
	return c.conn.WriteJSON(v)
}

// read blocks for the next frame.
func (c *client) read() (*frame, error) {
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// await reads frames until one of the wanted types arrives, discarding
// unrelated broadcast traffic.
func (c *client) await(timeout time.Duration, types ...string) (*frame, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		f, err := c.read()
		if err != nil {
			return nil, err
		}
		for _, t := range types {
			if f.Type == t {
				return f, nil
			}
		}
	}
}
