// Package reghttp executes individual requests against a distribution
// compatible registry. It handles host configuration, authentication, and
// mapping response status codes to typed errors. Retrying failed requests is
// left to the caller so that attempt counts stay visible there.
package reghttp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/config"
	"github.com/dierbei/imagesync/internal/auth"
	"github.com/dierbei/imagesync/types"
)

// Client is used to communicate with registries
type Client struct {
	getConfigHost  func(string) *config.Host
	httpClient     *http.Client
	userAgent      string
	log            *logrus.Logger
	mu             sync.Mutex
	auths          map[string]*auth.Auth
	limits         map[string]*reqLimit
	insecureClient *http.Client
}

// Req is a request to send to a registry
type Req struct {
	Host       string
	Method     string
	Repository string
	Path       string
	Query      url.Values
	Headers    http.Header
	DirectURL  *url.URL
	BodyLen    int64
	BodyBytes  []byte
	BodyFunc   func() (io.ReadCloser, error)
}

// Resp is used to handle the result of a request
type Resp struct {
	resp *http.Response
}

// Opts is used to configure client options
type Opts func(*Client)

// NewClient returns a client for handling requests
func NewClient(opts ...Opts) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  "imagesync",
		log:        &logrus.Logger{Out: io.Discard},
		auths:      map[string]*auth.Auth{},
		limits:     map[string]*reqLimit{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.getConfigHost == nil {
		hosts := map[string]*config.Host{}
		c.getConfigHost = func(name string) *config.Host {
			if hosts[name] == nil {
				hosts[name] = config.HostNewName(name)
			}
			return hosts[name]
		}
	}
	return c
}

// WithConfigHostFn adds the callback to request a config.Host struct
func WithConfigHostFn(gch func(string) *config.Host) Opts {
	return func(c *Client) {
		c.getConfigHost = gch
	}
}

// WithConfigHosts adds a list of hosts, names not in the list fall back to defaults
func WithConfigHosts(hosts []*config.Host) Opts {
	return func(c *Client) {
		known := map[string]*config.Host{}
		for _, h := range hosts {
			known[h.Name] = h
		}
		c.getConfigHost = func(name string) *config.Host {
			if known[name] == nil {
				known[name] = config.HostNewName(name)
			}
			return known[name]
		}
	}
}

// WithHTTPClient uses a specific http client with retryable requests
func WithHTTPClient(hc *http.Client) Opts {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent sets a user agent header
func WithUserAgent(ua string) Opts {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLog injects a logrus Logger configuration
func WithLog(log *logrus.Logger) Opts {
	return func(c *Client) {
		c.log = log
	}
}

// Do runs a request, returning the response on a 2xx status. Any other status
// is converted to a typed error the caller can classify. A 401 triggers a
// single auth refresh and resend before failing.
func (c *Client) Do(ctx context.Context, req *Req) (*Resp, error) {
	host := c.getConfigHost(req.Host)
	if host == nil {
		return nil, fmt.Errorf("host not configured: %s%.0w", req.Host, types.ErrNotFound)
	}
	u := req.DirectURL
	if u == nil {
		scheme := "https"
		if host.TLS == config.TLSDisabled {
			scheme = "http"
		}
		u = &url.URL{
			Scheme: scheme,
			Host:   host.Hostname,
			Path:   "/v2/" + req.Repository + "/" + req.Path,
		}
		if req.Repository == "" {
			u.Path = "/v2/" + req.Path
		}
		if len(req.Query) > 0 {
			u.RawQuery = req.Query.Encode()
		}
	}
	hAuth := c.getAuth(host, req.Repository)
	hClient := c.hostClient(host)
	if err := c.limit(ctx, host); err != nil {
		return nil, err
	}

	// the request runs at most twice, a 401 response refreshes auth and resends
	authRetried := false
	for {
		httpReq, err := c.buildReq(ctx, req, u)
		if err != nil {
			return nil, err
		}
		if err := hAuth.UpdateRequest(httpReq); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				// anonymous when no credentials exist
				httpReq.Header.Del("Authorization")
			} else {
				return nil, authError(err, req.Host)
			}
		}
		resp, err := hClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("request to %s failed: %v%.0w", u.Redacted(), err, types.ErrRetryNeeded)
		}
		if resp.StatusCode == http.StatusUnauthorized && !authRetried {
			err = hAuth.HandleResponse(resp)
			_ = resp.Body.Close()
			if err != nil {
				c.log.WithFields(logrus.Fields{
					"URL": u.String(),
					"Err": err,
				}).Warn("Failed to handle auth request")
				return nil, authError(err, req.Host)
			}
			authRetried = true
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Resp{resp: resp}, nil
		}
		err = statusError(resp)
		_ = resp.Body.Close()
		c.log.WithFields(logrus.Fields{
			"URL":    u.String(),
			"Status": resp.StatusCode,
		}).Debug("Request failed")
		return nil, err
	}
}

func (c *Client) buildReq(ctx context.Context, req *Req, u *url.URL) (*http.Request, error) {
	var body io.Reader
	if req.BodyFunc != nil {
		rc, err := req.BodyFunc()
		if err != nil {
			return nil, err
		}
		body = rc
	} else if len(req.BodyBytes) > 0 {
		body = bytes.NewReader(req.BodyBytes)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if req.BodyLen > 0 {
		httpReq.ContentLength = req.BodyLen
	} else if len(req.BodyBytes) > 0 {
		httpReq.ContentLength = int64(len(req.BodyBytes))
	}
	for k, vals := range req.Headers {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	return httpReq, nil
}

// hostClient returns the http client for a host, certificate checks are
// disabled for hosts configured with tls insecure
func (c *Client) hostClient(host *config.Host) *http.Client {
	if host.TLS != config.TLSInsecure {
		return c.httpClient
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insecureClient == nil {
		hc := *c.httpClient
		hc.Transport = TLSInsecureTransport()
		c.insecureClient = &hc
	}
	return c.insecureClient
}

// getAuth returns the auth for a host, separate per repository when RepoAuth
// is set since those tokens are not shared between repositories
func (c *Client) getAuth(host *config.Host, repo string) *auth.Auth {
	key := host.Name
	if host.RepoAuth {
		key = host.Name + "/" + repo
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.auths[key] == nil {
		c.auths[key] = auth.NewAuth(
			auth.WithLog(c.log),
			auth.WithHTTPClient(c.httpClient),
			auth.WithClientID(c.userAgent),
			auth.WithCreds(func(h string) auth.Cred {
				if h != host.Hostname {
					return auth.Cred{}
				}
				return auth.Cred{User: host.User, Password: host.Pass, Token: host.Token}
			}),
		)
	}
	return c.auths[key]
}

type reqLimit struct {
	mu   sync.Mutex
	next time.Time
}

// limit delays the request to hold the host under its configured requests per second
func (c *Client) limit(ctx context.Context, host *config.Host) error {
	if host.ReqPerSec <= 0 {
		return nil
	}
	c.mu.Lock()
	rl := c.limits[host.Name]
	if rl == nil {
		rl = &reqLimit{}
		c.limits[host.Name] = rl
	}
	c.mu.Unlock()
	interval := time.Duration(float64(time.Second) / host.ReqPerSec)
	rl.mu.Lock()
	now := time.Now()
	wait := rl.next.Sub(now)
	if wait < 0 {
		wait = 0
		rl.next = now
	}
	rl.next = rl.next.Add(interval)
	rl.mu.Unlock()
	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authError converts errors from the auth package to their typed equivalent
func authError(err error, host string) error {
	switch {
	case errors.Is(err, auth.ErrEmptyChallenge):
		return fmt.Errorf("auth for %s failed: %v%.0w", host, err, types.ErrEmptyChallenge)
	case errors.Is(err, auth.ErrParseFailure):
		return fmt.Errorf("auth for %s failed: %v%.0w", host, err, types.ErrParsingFailed)
	case errors.Is(err, auth.ErrUnauthorized):
		return fmt.Errorf("auth for %s failed%.0w", host, types.ErrUnauthorized)
	default:
		return fmt.Errorf("auth for %s failed: %v%.0w", host, err, types.ErrUnauthorized)
	}
}

// statusError maps a response status code to a typed error
func statusError(resp *http.Response) error {
	u := resp.Request.URL
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("request for %s denied%.0w", u.Redacted(), types.ErrUnauthorized)
	case http.StatusNotFound:
		return fmt.Errorf("%s not found%.0w", u.Redacted(), types.ErrNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("rate limited on %s: %w", u.Host, &types.RateLimitError{RetryAfter: retryAfter(resp)})
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("request for %s failed with status %d%.0w", u.Redacted(), resp.StatusCode, types.ErrRetryNeeded)
	default:
		return fmt.Errorf("request for %s failed with status %d%.0w", u.Redacted(), resp.StatusCode, types.ErrHTTPStatus)
	}
}

// retryAfter extracts the delay from a Retry-After header, either an integer
// number of seconds or an http date
func retryAfter(resp *http.Response) time.Duration {
	val := resp.Header.Get("Retry-After")
	if val == "" {
		return 0
	}
	if sec, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
		if sec < 0 {
			return 0
		}
		return time.Duration(sec) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		d := time.Until(t)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// Read is passed through to the response body
func (r *Resp) Read(b []byte) (int, error) {
	if r.resp == nil {
		return 0, types.ErrNotFound
	}
	return r.resp.Body.Read(b)
}

// Close frees the response body
func (r *Resp) Close() error {
	if r.resp == nil {
		return nil
	}
	return r.resp.Body.Close()
}

// HTTPResponse returns the handled response
func (r *Resp) HTTPResponse() *http.Response {
	return r.resp
}

// TLSInsecureTransport returns a transport that skips certificate checks, used
// for hosts configured with tls insecure
func TLSInsecureTransport() *http.Transport {
	t, ok := http.DefaultTransport.(*http.Transport)
	if ok {
		t = t.Clone()
	} else {
		t = &http.Transport{}
	}
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{}
	}
	t.TLSClientConfig.InsecureSkipVerify = true
	return t
}
