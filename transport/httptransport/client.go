// Package httptransport carries transport envelopes over HTTP: a gin
// server on the receiving side and a retrying net/http client on the
// sending side.
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	"github.com/hupe1980/vecmesh/transport"
)

// EnvelopePath is the route envelopes are posted to.
const EnvelopePath = "/v1/envelope"

const maxResponseBytes = 256 << 20

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry sets how often a send is retried on connection errors and
// gateway failures, and the first Fibonacci backoff step.
func WithRetry(maxRetries uint64, base time.Duration) ClientOption {
	return func(c *Client) {
		c.retries = maxRetries
		c.backoff = base
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Client implements transport.Transport over HTTP.
type Client struct {
	from    string
	http    *http.Client
	retries uint64
	backoff time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	peers map[string]string
}

var _ transport.Transport = (*Client)(nil)

// NewClient returns a client sending as node from. peers maps node ids to
// base URLs such as "http://10.0.0.2:7070".
func NewClient(from string, peers map[string]string, opts ...ClientOption) *Client {
	c := &Client{
		from:    from,
		http:    &http.Client{},
		retries: 2,
		backoff: 50 * time.Millisecond,
		logger:  slog.New(slog.DiscardHandler),
		peers:   make(map[string]string, len(peers)),
	}
	for id, addr := range peers {
		c.peers[id] = strings.TrimRight(addr, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetPeer adds or replaces the address of a peer.
func (c *Client) SetPeer(id, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[id] = strings.TrimRight(addr, "/")
}

func (c *Client) addr(peer string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.peers[peer]
	return a, ok
}

// Send posts env to peer and decodes the response envelope.
func (c *Client) Send(ctx context.Context, peer string, env transport.Envelope) (transport.Envelope, error) {
	addr, ok := c.addr(peer)
	if !ok {
		return transport.Envelope{}, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}

	env.From = c.from
	payload, err := json.Marshal(env)
	if err != nil {
		return transport.Envelope{}, err
	}

	var out transport.Envelope
	b := retry.WithMaxRetries(c.retries, retry.NewFibonacci(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		resp, err := c.post(ctx, addr+EnvelopePath, payload)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("envelope send failed, retrying", "peer", peer, "kind", env.Kind.String(), "error", err)
			return retry.RetryableError(fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, peer, err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return retry.RetryableError(fmt.Errorf("%w: %s: %v", transport.ErrUnreachable, peer, err))
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return json.Unmarshal(data, &out)
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return retry.RetryableError(fmt.Errorf("%w: %s: status %d", transport.ErrUnreachable, peer, resp.StatusCode))
		}

		var eb errorBody
		if err := json.Unmarshal(data, &eb); err != nil || eb.Code == "" {
			return fmt.Errorf("httptransport: peer %s: unexpected status %d", peer, resp.StatusCode)
		}
		return &transport.RemoteError{Peer: peer, Code: eb.Code, Message: eb.Message}
	})
	if err != nil {
		return transport.Envelope{}, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.http.Do(req)
}
