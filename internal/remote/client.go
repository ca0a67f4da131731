// Package remote talks to the sync server: the key directory and message
// store over HTTP, realtime events over a websocket.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"e2e_sync/internal/model"
)

type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient returns a client for the server at baseURL. httpClient may be
// nil.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: u, http: httpClient}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// StatusError is a non-2xx response that maps to no sentinel.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Body)
}

// do sends the request and decodes a 2xx body into out. Transport failures
// and 5xx wrap model.ErrNetworkUnavailable; 404, 409 and 410 map to
// sentinels.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", model.ErrNetworkUnavailable, method, path, err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s: status %d", model.ErrNetworkUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return model.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return model.ErrConflict
	case resp.StatusCode == http.StatusGone:
		return model.ErrRecipientRevoked
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) PublishIdentity(ctx context.Context, b *model.PublicBundle) error {
	return c.do(ctx, http.MethodPut, "/users/"+b.UserID+"/identity", nil, b, nil)
}

// FetchIdentity returns model.ErrNotFound when userID never published.
func (c *Client) FetchIdentity(ctx context.Context, userID string) (*model.PublicBundle, error) {
	var b model.PublicBundle
	if err := c.do(ctx, http.MethodGet, "/users/"+userID+"/identity", nil, nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) PublishPreKeys(ctx context.Context, b *model.PreKeyBundle) error {
	return c.do(ctx, http.MethodPut, "/users/"+b.UserID+"/prekeys", nil, b, nil)
}

// FetchBundle returns nil, nil when userID has no bundle and
// model.ErrRecipientRevoked when it revoked end-to-end encryption.
func (c *Client) FetchBundle(ctx context.Context, userID string) (*model.PreKeyBundle, error) {
	var b model.PreKeyBundle
	err := c.do(ctx, http.MethodGet, "/users/"+userID+"/prekeys", nil, nil, &b)
	if err == model.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *Client) Revoke(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodDelete, "/users/"+userID+"/prekeys", nil, nil, nil)
}

// InsertMessage stores row. Inserting a known correlation id returns the
// existing row.
func (c *Client) InsertMessage(ctx context.Context, row *model.Row) (*model.Row, error) {
	var out model.Row
	path := "/conversations/" + row.ConversationID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, row, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchPage(ctx context.Context, conversationID string, beforeSeq int64, limit int) (*model.Page, error) {
	q := url.Values{"limit": []string{strconv.Itoa(limit)}}
	if beforeSeq > 0 {
		q.Set("before", strconv.FormatInt(beforeSeq, 10))
	}
	var page model.Page
	if err := c.do(ctx, http.MethodGet, "/conversations/"+conversationID+"/messages", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) UpdateMessage(ctx context.Context, id string, patch model.RowPatch) (*model.Row, error) {
	var out model.Row
	if err := c.do(ctx, http.MethodPatch, "/messages/"+id, nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
