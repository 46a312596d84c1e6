package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/canopy-network/chainheights/pkg/utils"
	"github.com/google/uuid"
)

const maxCapturedBody = 64 << 10

// HTTPClient is the shared transport of the reference providers: a token-bucket
// rate limit, a per-request timeout and a unique User-Agent per request.
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
	headers http.Header

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time
}

// Opts is the set of options for a new HTTPClient.
type Opts struct {
	Timeout    time.Duration
	RPS        int
	Burst      int
	Headers    http.Header
	HTTPClient *http.Client
}

// NewHTTPClient creates a new HTTPClient with the given options.
func NewHTTPClient(o Opts) *HTTPClient {
	if o.RPS <= 0 {
		o.RPS = 10
	}
	if o.Burst <= 0 {
		o.Burst = 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	c := &HTTPClient{
		client:      client,
		timeout:     o.Timeout,
		headers:     o.Headers.Clone(),
		maxTokens:   int64(o.Burst),
		refillEvery: time.Second / time.Duration(o.RPS),
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

func (c *HTTPClient) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire takes a token, blocking until one is available or ctx is done.
func (c *HTTPClient) acquire(ctx context.Context) error {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.refillEvery / 2):
		}
	}
}

// Request describes one call.
type Request struct {
	Method  string
	URL     string
	Query   url.Values
	Headers http.Header
	// JSON is marshalled as the request body when non-nil.
	JSON any
}

// Do sends req and returns the response body. Non-2xx statuses yield *HTTPError,
// transport failures yield *RequestError.
func (c *HTTPClient) Do(ctx context.Context, req Request) ([]byte, error) {
	ex := Exchange{Method: req.Method, URL: req.URL}
	if ex.Method == "" {
		ex.Method = http.MethodGet
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, &RequestError{Exchange: ex, Err: err}
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	ex.URL = u.String()

	var body io.Reader = http.NoBody
	if req.JSON != nil {
		b, mErr := json.Marshal(req.JSON)
		if mErr != nil {
			return nil, &RequestError{Exchange: ex, Err: mErr}
		}
		ex.RequestBody = b
		body = bytes.NewReader(b)
	}

	if err := c.acquire(ctx); err != nil {
		return nil, &RequestError{Exchange: ex, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, ex.Method, ex.URL, body)
	if err != nil {
		return nil, &RequestError{Exchange: ex, Err: err}
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.JSON != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	// a unique agent per request helps isolate connection resets in provider logs
	httpReq.Header.Set("User-Agent", fmt.Sprintf("chain-heights/%s", uuid.NewString()))
	ex.RequestHeaders = httpReq.Header.Clone()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &RequestError{Exchange: ex, Err: err}
	}
	ex.StatusCode = resp.StatusCode
	ex.ResponseHeaders = resp.Header.Clone()

	raw, readErr := io.ReadAll(resp.Body)
	if cerr := utils.DrainAndClose(resp.Body); cerr != nil && readErr == nil {
		readErr = cerr
	}
	ex.ResponseBody = truncate(raw)
	if readErr != nil {
		return nil, &RequestError{Exchange: ex, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Exchange: ex}
	}
	return raw, nil
}

// DoJSON sends req and decodes the JSON response into out.
func (c *HTTPClient) DoJSON(ctx context.Context, req Request, out any) error {
	raw, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		return &RequestError{
			Exchange: Exchange{Method: method, URL: req.URL, ResponseBody: truncate(raw)},
			Err:      fmt.Errorf("%w: %w", ErrDecode, err),
		}
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) > maxCapturedBody {
		return b[:maxCapturedBody]
	}
	return b
}
