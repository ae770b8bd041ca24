package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/graphops/poiwatch/pkg/utils"
)

// ErrBreakerOpen is returned without touching the network when an endpoint's
// circuit-breaker is open.
var ErrBreakerOpen = errors.New("endpoint breaker open")

// Client is a GraphQL-over-HTTP client with a per-endpoint circuit-breaker and
// a token-bucket rate limit shared across all endpoints. Unlike a failover
// client, each call targets one specific endpoint: the indexer being audited.
type Client struct {
	client *http.Client

	// token-bucket
	tokens      int64
	maxTokens   int64
	refillEvery time.Duration
	lastRefill  atomic.Value // time.Time

	// circuit-breaker
	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new Client.
type Opts struct {
	Timeout         time.Duration
	RPS             int
	Burst           int
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// NewWithOpts creates a new Client with the given options.
func NewWithOpts(o Opts) *Client {
	if o.RPS <= 0 {
		o.RPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 40
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 5 * time.Second
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	c := &Client{
		client:           client,
		maxTokens:        int64(o.Burst),
		refillEvery:      time.Second / time.Duration(o.RPS),
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
	c.tokens = c.maxTokens
	c.lastRefill.Store(time.Now())
	return c
}

// refill refills the token-bucket with new tokens if necessary.
func (c *Client) refill() {
	last := c.lastRefill.Load().(time.Time)
	now := time.Now()
	if now.Sub(last) >= c.refillEvery {
		if atomic.LoadInt64(&c.tokens) < c.maxTokens {
			atomic.AddInt64(&c.tokens, 1)
		}
		c.lastRefill.Store(now)
	}
}

// acquire acquires a token from the token-bucket, blocking if necessary.
func (c *Client) acquire() {
	for {
		c.refill()
		if atomic.LoadInt64(&c.tokens) > 0 {
			atomic.AddInt64(&c.tokens, -1)
			return
		}
		time.Sleep(c.refillEvery / 2)
	}
}

// isOpen returns true if the endpoint's breaker is in the OPEN state.
func (c *Client) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the circuit-breaker if the
// failure count exceeds the threshold.
func (c *Client) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

// noteSuccess resets an endpoint's failure count.
func (c *Client) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
}

// Request is one GraphQL operation.
type Request struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message string `json:"message"`
}

type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors,omitempty"`
}

// QueryError carries the errors an endpoint returned inside a 200 response.
type QueryError struct {
	Endpoint string
	Messages []string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("graphql %s: %s", e.Endpoint, strings.Join(e.Messages, "; "))
}

// ServerError is a transport-level failure (non-2xx status) from an endpoint.
type ServerError struct {
	Endpoint string
	Status   int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("http %d from %s", e.Status, e.Endpoint)
}

// Query posts the request to the endpoint and unmarshals the data field into
// out. A breaker-open endpoint fails fast with ErrBreakerOpen; 5xx responses
// and transport errors feed the breaker.
func (c *Client) Query(ctx context.Context, endpoint string, gql Request, out any) error {
	if c.isOpen(endpoint) {
		return fmt.Errorf("%s: %w", endpoint, ErrBreakerOpen)
	}

	c.acquire()

	b, err := json.Marshal(gql)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure(endpoint)
		return err
	}

	// From here on, always drain+close the body before returning.
	if resp.StatusCode >= 500 {
		c.noteFailure(endpoint)
		_ = utils.DrainAndClose(resp.Body)
		return &ServerError{Endpoint: endpoint, Status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		_ = utils.DrainAndClose(resp.Body)
		return &ServerError{Endpoint: endpoint, Status: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		_ = utils.DrainAndClose(resp.Body)
		c.noteFailure(endpoint)
		return err
	}
	if cerr := utils.DrainAndClose(resp.Body); cerr != nil {
		return cerr
	}

	c.noteSuccess(endpoint)

	if len(env.Errors) > 0 {
		qe := &QueryError{Endpoint: endpoint}
		for _, e := range env.Errors {
			qe.Messages = append(qe.Messages, e.Message)
		}
		return qe
	}
	if out != nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}
