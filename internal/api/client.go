package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/harrylevesque/qrattend/internal/models"
	"github.com/harrylevesque/qrattend/internal/utils"
)

// Credentials is the slot requests read their authorization from.
type Credentials interface {
	Token() string
	Clear() error
}

var codec = sonic.ConfigStd

// Client talks to the attendance backend.
type Client struct {
	baseURL        string
	http           *http.Client
	creds          Credentials
	timeout        time.Duration
	log            *utils.Logger
	onUnauthorized func()
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l *utils.Logger) Option { return func(c *Client) { c.log = l } }

// WithTimeout bounds every call, including body reads.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = cfg
		c.http.Transport = tr
	}
}

// OnUnauthorized runs after a 401 cleared the credential, e.g. to show the login screen.
func OnUnauthorized(f func()) Option { return func(c *Client) { c.onUnauthorized = f } }

func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		creds:   creds,
		timeout: 10 * time.Second,
		log:     utils.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.http.Timeout == 0 {
		c.http.Timeout = c.timeout
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		data, err := codec.Marshal(body)
		if err != nil {
			return nil, utils.Wrap(utils.KindValidation, "encode request", err)
		}
		rd = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, utils.Wrap(utils.KindValidation, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	// Read at call time: a logout racing this request makes it fail with 401 instead
	// of reusing a stale value.
	if c.creds != nil {
		if tok := c.creds.Token(); tok != "" {
			req.Header.Set("Authorization", "Token "+tok)
		}
	}
	return req, nil
}

// send performs the request and returns the response for a 2xx status, or a
// classified error. The caller closes the body.
func (c *Client) send(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnf("[REQ] id=%s %s %s failed after %s: %v", req.Header.Get("X-Request-ID"), req.Method, req.URL.Path, time.Since(start), err)
		return nil, utils.Wrap(utils.KindNetwork, "request failed", err)
	}
	c.log.Infof("[REQ] id=%s %s %s status=%d dur=%s", req.Header.Get("X-Request-ID"), req.Method, req.URL.Path, resp.StatusCode, time.Since(start))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := classify(resp.StatusCode, body)
	if resp.StatusCode == http.StatusUnauthorized {
		c.forceLogout()
	}
	return nil, apiErr
}

func (c *Client) forceLogout() {
	if c.creds == nil {
		return
	}
	if c.creds.Token() == "" {
		return
	}
	if err := c.creds.Clear(); err != nil {
		c.log.Errorf("clear credential after 401: %v", err)
	}
	if c.onUnauthorized != nil {
		c.onUnauthorized()
	}
}

// do runs a JSON round-trip. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return utils.Wrap(utils.KindNetwork, "read response", err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return utils.Wrap(utils.KindServer, "decode response", err)
	}
	return nil
}

// download streams a binary response into w and returns the server's suggested filename.
func (c *Client) download(ctx context.Context, path string, query url.Values, w io.Writer) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "*/*")
	resp, err := c.send(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", utils.Wrap(utils.KindNetwork, "read report", err)
	}
	name := ""
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			name = params["filename"]
		}
	}
	return name, nil
}

func classify(status int, body []byte) error {
	var eb models.ErrorResponse
	_ = codec.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = eb.Detail
	}
	kind := utils.KindRejected
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = utils.KindUnauthorized
	case status == http.StatusTooManyRequests:
		kind = utils.KindRateLimited
	case status >= 500:
		kind = utils.KindServer
	}
	// An empty message lets the caller fall back to its own wording.
	return &utils.CustomError{Kind: kind, Code: status, Message: msg}
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var ce *utils.CustomError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

func idPath(format string, id int) string { return fmt.Sprintf(format, id) }
