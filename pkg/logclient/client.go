// Package logclient is a thin typed wrapper over the durable log service.
// Every other component reaches the log through this client.
package logclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/streamplex/streamplex/pkg/version"
)

// Wire headers of the durable log protocol.
const (
	HeaderProducerID      = "Producer-Id"
	HeaderProducerEpoch   = "Producer-Epoch"
	HeaderProducerSeq     = "Producer-Seq"
	HeaderStreamOffset    = "Stream-Offset"
	HeaderNextOffset      = "Stream-Next-Offset"
	HeaderCursor          = "Stream-Cursor"
	HeaderUpToDate        = "Stream-Up-To-Date"
	HeaderClosed          = "Stream-Closed"
	HeaderExpiresAt       = "Stream-Expires-At"
	HeaderSeal            = "Stream-Seal"
	HeaderContentTypeName = "Content-Type"
)

// SessionStreamPrefix is the path prefix for per-consumer session streams.
const SessionStreamPrefix = "session:"

// idPattern constrains stream and session identifiers: non-empty, no
// whitespace, no SQL metacharacters.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// ValidIdentifier reports whether id is a legal stream or session identifier.
func ValidIdentifier(id string) bool {
	return idPattern.MatchString(id)
}

// DoKey addresses a stream within a project.
func DoKey(project, streamID string) string {
	return project + "/" + streamID
}

// SessionStreamID returns the stream identifier of a session's private stream.
func SessionStreamID(sessionID string) string {
	return SessionStreamPrefix + sessionID
}

// Producer is the idempotency triple forwarded verbatim to the log.
type Producer struct {
	ID    string
	Epoch string
	Seq   string
}

// Result is the outcome of a non-streaming log operation.
type Result struct {
	OK         bool
	Status     int
	NextOffset string
	Body       []byte
}

// HeadResult is the outcome of a HeadStream call.
type HeadResult struct {
	OK     bool
	Status int
	Header http.Header
}

// Client talks to the durable log service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a log client for the service at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			// Long-poll reads can block for the upstream window; leave the
			// client timeout to per-request contexts.
			Timeout: 0,
		},
	}
}

// streamURL builds the stream resource URL. doKey is "project/streamId";
// identifiers are already constrained to URL-safe characters.
func (c *Client) streamURL(doKey string) string {
	return c.baseURL + "/v1/stream/" + doKey
}

// PutStream idempotently creates a stream. A 409 means it already exists.
// expiresAt, when non-zero, is carried as an epoch-ms expiry header and
// refreshed on every PUT.
func (c *Client) PutStream(ctx context.Context, doKey, contentType string, expiresAt time.Time) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.streamURL(doKey), nil)
	if err != nil {
		return Result{}, fmt.Errorf("put stream %s: %w", doKey, err)
	}
	if contentType != "" {
		req.Header.Set(HeaderContentTypeName, contentType)
	}
	if !expiresAt.IsZero() {
		req.Header.Set(HeaderExpiresAt, strconv.FormatInt(expiresAt.UnixMilli(), 10))
	}
	return c.do(req)
}

// PostStream appends body to a stream. The producer triple, when present,
// is forwarded verbatim so the log can deduplicate replays.
func (c *Client) PostStream(ctx context.Context, doKey string, body []byte, contentType string, producer *Producer) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamURL(doKey), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("post stream %s: %w", doKey, err)
	}
	if contentType != "" {
		req.Header.Set(HeaderContentTypeName, contentType)
	}
	if producer != nil {
		req.Header.Set(HeaderProducerID, producer.ID)
		req.Header.Set(HeaderProducerEpoch, producer.Epoch)
		req.Header.Set(HeaderProducerSeq, producer.Seq)
	}
	return c.do(req)
}

// DeleteStream removes a stream. Callers treat 404 as success.
func (c *Client) DeleteStream(ctx context.Context, doKey string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.streamURL(doKey), nil)
	if err != nil {
		return Result{}, fmt.Errorf("delete stream %s: %w", doKey, err)
	}
	return c.do(req)
}

// HeadStream checks stream existence and returns its headers.
func (c *Client) HeadStream(ctx context.Context, doKey string) (HeadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.streamURL(doKey), nil)
	if err != nil {
		return HeadResult{}, fmt.Errorf("head stream %s: %w", doKey, err)
	}
	req.Header.Set("User-Agent", version.Full())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HeadResult{}, fmt.Errorf("head stream %s: %w", doKey, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return HeadResult{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}, nil
}

// ReadStream issues a read against the log and returns the raw response.
// query carries offset/cursor/live parameters untouched; the caller (the
// edge cache) owns response handling and must close the body.
func (c *Client) ReadStream(ctx context.Context, doKey string, query url.Values) (*http.Response, error) {
	u := c.streamURL(doKey)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", doKey, err)
	}
	req.Header.Set("User-Agent", version.Full())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("read stream %s: %w", doKey, err)
	}
	return resp, nil
}

// do executes req and drains the response into a Result.
func (c *Client) do(req *http.Request) (Result, error) {
	req.Header.Set("User-Agent", version.Full())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: reading body: %w", req.Method, req.URL.Path, err)
	}

	return Result{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:     resp.StatusCode,
		NextOffset: resp.Header.Get(HeaderNextOffset),
		Body:       body,
	}, nil
}
