package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vesaa/talonscope/internal/ingest"
	"github.com/vesaa/talonscope/internal/models"
	"github.com/vesaa/talonscope/internal/retry"
)

// ErrUnauthorized is returned when the server rejects the ingest token or
// the enrollment credentials.
var ErrUnauthorized = errors.New("unauthorized")

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server returned %d", e.Code)
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Msg)
}

// Client talks to the talonscope data plane.
type Client struct {
	base   string
	http   *http.Client
	policy retry.Policy
}

// NewClient returns a client for the data plane at serverURL.
func NewClient(serverURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(serverURL, "/"),
		http:   &http.Client{Timeout: timeout},
		policy: retry.Default,
	}
}

// EnrollResponse is the server's answer to a successful enrollment.
type EnrollResponse struct {
	OK          bool   `json:"ok"`
	ServerSlug  string `json:"server_slug"`
	IngestToken string `json:"ingest_token"`
}

// Enroll exchanges operator credentials for a server slug and ingest token.
func (c *Client) Enroll(ctx context.Context, req ingest.EnrollRequest) (*EnrollResponse, error) {
	var out EnrollResponse
	if err := c.post(ctx, "/api/agent/enroll/", nil, req, &out); err != nil {
		return nil, fmt.Errorf("enroll: %w", err)
	}
	if out.ServerSlug == "" || out.IngestToken == "" {
		return nil, errors.New("enroll: response is missing slug or token")
	}
	return &out, nil
}

// IngestResponse summarizes the stored snapshot.
type IngestResponse struct {
	OK       bool `json:"ok"`
	Snapshot struct {
		ID         uint   `json:"id"`
		Bottleneck string `json:"bottleneck"`
	} `json:"snapshot"`
}

// Ingest posts one envelope for slug.
func (c *Client) Ingest(ctx context.Context, slug, token string, env models.AgentEnvelope) (*IngestResponse, error) {
	header := http.Header{"X-Monitoring-Token": {token}}
	var out IngestResponse
	path := "/api/ingest/servers/" + url.PathEscape(slug) + "/metrics/"
	if err := c.post(ctx, path, header, env, &out); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return &out, nil
}

// post sends body as JSON, retrying transport failures and 5xx replies.
func (c *Client) post(ctx context.Context, path string, header http.Header, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return retry.Do(ctx, c.policy, retryable, func() error {
		return c.postOnce(ctx, path, header, raw, out)
	})
}

func (c *Client) postOnce(ctx context.Context, path string, header http.Header, raw []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		serr := &StatusError{Code: resp.StatusCode, Msg: e.Error}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %w", ErrUnauthorized, serr)
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// retryable accepts what retry.Transient does plus refused connections and
// server-side failures.
func retryable(err error) bool {
	if retry.Transient(err) {
		return true
	}
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr.Code >= 500 || serr.Code == http.StatusTooManyRequests
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
