package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	kit "herald/internal/transport"
	logx "herald/pkg/logx"
)

// Client speaks JSON over HTTP to a local user-session gateway, an
// alternative delivery backend to the bot API. The gateway owns the session
// and the flood-control handling; this client only relays messages and reads
// the chat directory.
//
// Wire contract:
//
//	POST {base}/send  {"chat_id": N, "text": "..."}
//	  -> {"ok": true} | {"ok": false, "error": "...", "unreachable": bool}
//	GET  {base}/chats
//	  -> {"ok": true, "chats": [{"id": N, "title": "..."}]}
type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type sendRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
	Unreachable bool   `json:"unreachable,omitempty"`
}

func (c *Client) Deliver(ctx context.Context, destination int64, text string) kit.Delivery {
	body, err := json.Marshal(sendRequest{ChatID: destination, Text: text})
	if err != nil {
		return kit.Failure(err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return kit.Failure(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return kit.Failure(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return kit.Failure(fmt.Sprintf("gateway send: http %d", resp.StatusCode))
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return kit.Failure(fmt.Sprintf("gateway send decode: %v", err))
	}
	if out.OK {
		return kit.Success()
	}
	reason := out.Error
	if reason == "" {
		reason = "gateway rejected the message"
	}
	if out.Unreachable {
		return kit.Unreachable(reason)
	}
	return kit.Failure(reason)
}

type chatsResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Chats []struct {
		ID    int64  `json:"id"`
		Title string `json:"title"`
	} `json:"chats"`
}

// ListReachable returns the gateway's current chat directory. The session
// enumerates its own dialogs, so the known set is not needed.
func (c *Client) ListReachable(ctx context.Context, _ []int64) ([]kit.DirectoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/chats", http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("gateway chats: http %d", resp.StatusCode)
	}

	var out chatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gateway chats decode: %w", err)
	}
	if !out.OK {
		if out.Error != "" {
			return nil, fmt.Errorf("gateway chats: %s", out.Error)
		}
		return nil, errors.New("gateway chats: rejected")
	}

	entries := make([]kit.DirectoryEntry, 0, len(out.Chats))
	for _, ch := range out.Chats {
		entries = append(entries, kit.DirectoryEntry{ID: ch.ID, Title: ch.Title})
	}
	return entries, nil
}
