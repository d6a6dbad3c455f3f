// Package api is the HTTP client for the remote CRM API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wesm/callsync/internal/model"
)

// DefaultTimeout bounds each request when no timeout is given.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// ErrRejected marks a request the server refused on its merits
// (validation, auth, missing resource). Repeating it will not
// help.
var ErrRejected = errors.New("request rejected")

// StatusError is a non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: %d %s",
			e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s",
		e.Method, e.Path, e.Code, e.Message)
}

// Is reports 4xx responses other than 408 and 429 as
// ErrRejected.
func (e *StatusError) Is(target error) bool {
	if target != ErrRejected {
		return false
	}
	if e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

// IsRejected reports whether err is a permanent rejection.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// Client talks to the CRM API with a bearer token.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New creates a Client for baseURL. A zero timeout uses
// DefaultTimeout.
func New(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api url is empty")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}, nil
}

// CreateLead posts a new lead and returns the stored record.
func (c *Client) CreateLead(ctx context.Context, lead model.Record) (model.Record, error) {
	return c.record(ctx, http.MethodPost, "/leads", lead, "lead")
}

// UpdateLead patches a lead.
func (c *Client) UpdateLead(
	ctx context.Context, id string, patch model.Record,
) (model.Record, error) {
	return c.record(ctx, http.MethodPatch, "/leads/"+url.PathEscape(id), patch, "lead")
}

// DeleteLead deletes a lead. A 404 counts as success.
func (c *Client) DeleteLead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/leads/"+url.PathEscape(id), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

// CreateCall posts a new call log.
func (c *Client) CreateCall(ctx context.Context, call model.Record) (model.Record, error) {
	return c.record(ctx, http.MethodPost, "/calls", call, "call")
}

// UpdateCall patches a call log.
func (c *Client) UpdateCall(
	ctx context.Context, id string, patch model.Record,
) (model.Record, error) {
	return c.record(ctx, http.MethodPatch, "/calls/"+url.PathEscape(id), patch, "call")
}

// ListLeads fetches every lead.
func (c *Client) ListLeads(ctx context.Context) ([]model.Record, error) {
	return c.list(ctx, "/leads")
}

// ListCalls fetches every call log.
func (c *Client) ListCalls(ctx context.Context) ([]model.Record, error) {
	return c.list(ctx, "/calls")
}

// Health returns nil when the API answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *Client) record(
	ctx context.Context, method, path string, body model.Record, wrapper string,
) (model.Record, error) {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return decodeRecord(data, wrapper)
}

func (c *Client) list(ctx context.Context, path string) ([]model.Record, error) {
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeList(data)
}

func (c *Client) do(
	ctx context.Context, method, path string, body model.Record,
) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(
		ctx, method, c.base.String()+path, reader,
	)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "callsync")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:  method,
			Path:    path,
			Code:    resp.StatusCode,
			Message: errorMessage(data),
		}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return data, nil
}

// errorMessage extracts a human-readable message from an error
// body in any of the shapes APIs commonly use.
func errorMessage(data []byte) string {
	if !gjson.ValidBytes(data) {
		return strings.TrimSpace(string(data))
	}
	for _, path := range []string{
		"error.message", "error", "message", "detail", "errors.0.message",
	} {
		if r := gjson.GetBytes(data, path); r.Type == gjson.String {
			return r.Str
		}
	}
	return ""
}

// decodeRecord accepts the record at the root or wrapped under
// data or the singular entity name.
func decodeRecord(data []byte, wrapper string) (model.Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.Record{}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New("response is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	obj := root
	for _, key := range []string{"data", wrapper} {
		if r := root.Get(key); r.IsObject() {
			obj = r
			break
		}
	}
	if !obj.IsObject() {
		return nil, fmt.Errorf("expected a JSON object, got %s", obj.Type)
	}
	return unmarshalRecord(obj.Raw)
}

// decodeList accepts an array at the root or under data, items
// or results.
func decodeList(data []byte) ([]model.Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("response is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	arr := root
	if !arr.IsArray() {
		for _, key := range []string{"data", "items", "results"} {
			if r := root.Get(key); r.IsArray() {
				arr = r
				break
			}
		}
	}
	if !arr.IsArray() {
		return nil, errors.New("expected a JSON array of records")
	}

	out := make([]model.Record, 0, len(arr.Array()))
	for _, item := range arr.Array() {
		if !item.IsObject() {
			continue
		}
		rec, err := unmarshalRecord(item.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func unmarshalRecord(raw string) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return rec, nil
}
