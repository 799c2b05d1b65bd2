package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wyydra/orchestra/internal/core/domain"
)

// Client talks to the server's token and canvas RPC. It implements
// port.TokenStateReader and port.OperationStore.
type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiError struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// codeErrors maps response codes back onto the domain taxonomy.
var codeErrors = map[string]error{
	"invalid_state":     domain.ErrInvalidState,
	"permission_denied": domain.ErrPermissionDenied,
	"not_found":         domain.ErrNotFound,
	"transient_io":      domain.ErrTransientIO,
	"bad_request":       domain.ErrProtocol,
	"already_exists":    domain.ErrAlreadyExists,
}

func (c *Client) TokenState(ctx context.Context, meetingID domain.MeetingID) (domain.TokenState, error) {
	var state domain.TokenState
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/meetings/%d/token", meetingID), nil, &state)
	return state, err
}

func (c *Client) SaveOperation(ctx context.Context, op domain.CanvasOperation) (domain.CanvasOperation, error) {
	var out struct {
		Operation domain.CanvasOperation `json:"operation"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/meetings/%d/canvas/operations", op.MeetingID), op, &out); err != nil {
		return op, err
	}
	return out.Operation, nil
}

func (c *Client) ListOperations(ctx context.Context, meetingID domain.MeetingID) ([]domain.CanvasOperation, error) {
	var ops []domain.CanvasOperation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/meetings/%d/canvas/operations", meetingID), nil, &ops)
	return ops, err
}

// ICEServers fetches the STUN/TURN urls the server hands to peers.
func (c *Client) ICEServers(ctx context.Context) ([]string, error) {
	var cfg domain.ICEConfig
	if err := c.do(ctx, http.MethodGet, "/api/signaling/ice-servers", nil, &cfg); err != nil {
		return nil, err
	}
	var urls []string
	for _, s := range cfg.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransientIO, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrTransientIO, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrProtocol, err)
	}
	return nil
}

func decodeError(status int, raw []byte) error {
	var e apiError
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != nil {
		if sentinel, ok := codeErrors[e.Error.Code]; ok {
			if e.Error.Message == sentinel.Error() {
				return sentinel
			}
			return fmt.Errorf("%w: %s", sentinel, e.Error.Message)
		}
		return fmt.Errorf("rpc %d %s: %s", status, e.Error.Code, e.Error.Message)
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: rpc status %d", domain.ErrTransientIO, status)
	}
	return fmt.Errorf("rpc status %d", status)
}
