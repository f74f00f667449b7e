// Package client talks to a fleet server over its HTTP API.
package client

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

	"github.com/wI2L/jsondiff"

	"github.com/yowenter/fleetd/pkg/types"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrPreconditionRequired = errors.New("server requires a base version")
	ErrUnavailable          = errors.New("fleet server store unavailable")
)

// ConflictError means the record changed since the version the update was
// based on. Current is the record as the server has it now.
type ConflictError struct {
	Current *types.RecordView
	Pending jsondiff.Patch
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s was modified, now at version %s", e.Current.Kind, e.Current.ID, e.Current.Version)
}

type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s (field %s)", e.Status, e.Message, e.Field)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

type Client struct {
	server string
	http   *http.Client
}

func NewClient(server string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		server: strings.TrimRight(server, "/"),
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) recordURL(collection, id string) string {
	u := fmt.Sprintf("%s/api/%s", c.server, collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

func (c *Client) do(ctx context.Context, method, u string, body interface{}, headers map[string]string) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, data, nil
}

func decodeError(status int, data []byte) error {
	switch status {
	case http.StatusPreconditionFailed:
		var cr types.ConflictResp
		if err := json.Unmarshal(data, &cr); err != nil || cr.Current == nil {
			return &APIError{Status: status, Message: string(data)}
		}
		return &ConflictError{Current: cr.Current, Pending: cr.Pending}
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionRequired:
		return ErrPreconditionRequired
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	}
	var er types.ErrorResp
	if err := json.Unmarshal(data, &er); err != nil || er.Error == "" {
		return &APIError{Status: status, Message: strings.TrimSpace(string(data))}
	}
	return &APIError{Status: status, Message: er.Error, Field: er.Field}
}

func (c *Client) Ping(ctx context.Context) error {
	resp, _, err := c.do(ctx, http.MethodGet, c.server+"/ping", nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping fleet server %s failed: %s", c.server, resp.Status)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, collection, id string) (*types.RecordView, error) {
	resp, data, err := c.do(ctx, http.MethodGet, c.recordURL(collection, id), nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}
	var view types.RecordView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *Client) List(ctx context.Context, collection string, expand bool) ([]*types.RecordView, error) {
	u := c.recordURL(collection, "")
	if expand {
		u += "?expand=true"
	}
	resp, data, err := c.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}
	var views []*types.RecordView
	if err := json.Unmarshal(data, &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *Client) Create(ctx context.Context, collection, id string, fields map[string]string) (*types.RecordView, error) {
	body := map[string]interface{}{"id": id, "fields": fields}
	resp, data, err := c.do(ctx, http.MethodPost, c.recordURL(collection, ""), body, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp.StatusCode, data)
	}
	var view types.RecordView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Update submits changes based on version, the version the caller last read.
func (c *Client) Update(ctx context.Context, collection, id, version string, changes map[string]string) (*types.UpdateResp, error) {
	if version == "" {
		return nil, ErrPreconditionRequired
	}
	rev, err := types.ParseVersion(version)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"If-Match": types.ETag(rev)}
	resp, data, err := c.do(ctx, http.MethodPut, c.recordURL(collection, id), changes, headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, data)
	}
	var ur types.UpdateResp
	if err := json.Unmarshal(data, &ur); err != nil {
		return nil, err
	}
	return &ur, nil
}
