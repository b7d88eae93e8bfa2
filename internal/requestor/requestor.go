package requestor

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"h12.io/socks"

	"github.com/ResistanceIsUseless/ProxyScout/internal/errors"
	"github.com/ResistanceIsUseless/ProxyScout/internal/proxy"
)

// Config represents requestor configuration
type Config struct {
	Timeout            time.Duration
	DefaultHeaders     map[string]string
	UserAgents         []string
	InsecureSkipVerify bool
}

// Response is the outcome of a single GET through a built client
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	Elapsed time.Duration
}

// Requestor builds per-request HTTP clients bound to an outbound proxy,
// user-agent and timeout. Clients are cached per (proxy, timeout) so
// repeated probes of the same record reuse transports.
type Requestor struct {
	config Config

	uaMutex sync.Mutex
	uaIndex int

	clientMutex sync.RWMutex
	clients     map[string]*http.Client
}

// New creates a Requestor
func New(config Config) *Requestor {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Requestor{
		config:  config,
		clients: make(map[string]*http.Client),
	}
}

// NextUserAgent returns the next agent from the rotating pool, or the
// empty string when no pool is configured.
func (r *Requestor) NextUserAgent() string {
	r.uaMutex.Lock()
	defer r.uaMutex.Unlock()
	if len(r.config.UserAgents) == 0 {
		return ""
	}
	ua := r.config.UserAgents[r.uaIndex%len(r.config.UserAgents)]
	r.uaIndex++
	return ua
}

// Build produces an HTTP client routed through the given proxy record,
// or a direct client when record is nil.
func (r *Requestor) Build(record *proxy.Record, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = r.config.Timeout
	}

	cacheKey := "direct:" + timeout.String()
	if record != nil {
		cacheKey = record.URL() + ":" + timeout.String()
	}

	r.clientMutex.RLock()
	if client, exists := r.clients[cacheKey]; exists {
		r.clientMutex.RUnlock()
		return client, nil
	}
	r.clientMutex.RUnlock()

	client, err := r.createClient(record, timeout)
	if err != nil {
		return nil, err
	}

	r.clientMutex.Lock()
	r.clients[cacheKey] = client
	r.clientMutex.Unlock()

	return client, nil
}

// createClient assembles the transport for the record's proxy kind:
// HTTP CONNECT for http/https proxies, native SOCKS4/5 dialers otherwise.
func (r *Requestor) createClient(record *proxy.Record, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   timeout / 2,
		ResponseHeaderTimeout: timeout / 2,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     false,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: r.config.InsecureSkipVerify,
		},
	}

	if record != nil {
		switch record.Kind {
		case proxy.TypeHTTP, proxy.TypeHTTPS:
			r.configureHTTPProxy(transport, record)
		case proxy.TypeSOCKS4, proxy.TypeSOCKS5:
			transport.DialContext = r.socksDialer(record)
		default:
			return nil, errors.NewParseError(errors.ErrorProxySchemeUnknown,
				"cannot build client for unknown proxy kind", string(record.Kind), nil)
		}
	} else {
		dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
		transport.DialContext = dialer.DialContext
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

// configureHTTPProxy points the transport at an HTTP(S) proxy, encoding
// credentials both in the proxy URL and as a Proxy-Authorization CONNECT
// header for proxies that only honor one of the two.
func (r *Requestor) configureHTTPProxy(transport *http.Transport, record *proxy.Record) {
	hostport := net.JoinHostPort(record.Host, fmt.Sprintf("%d", record.Port))
	proxyURL := &url.URL{
		Scheme: string(record.Kind),
		Host:   hostport,
	}

	if record.Credentials != nil {
		proxyURL.User = url.UserPassword(record.Credentials.Username, record.Credentials.Password)
		basic := base64.StdEncoding.EncodeToString(
			[]byte(record.Credentials.Username + ":" + record.Credentials.Password))
		transport.ProxyConnectHeader = http.Header{
			"Proxy-Authorization": []string{"Basic " + basic},
		}
	}

	transport.Proxy = http.ProxyURL(proxyURL)
}

// socksDialer builds a SOCKS4/5 dial function. Credentials ride in the
// socks URL per the protocol's own scheme (SOCKS4 user id, SOCKS5
// username/password auth).
func (r *Requestor) socksDialer(record *proxy.Record) func(context.Context, string, string) (net.Conn, error) {
	hostport := net.JoinHostPort(record.Host, fmt.Sprintf("%d", record.Port))

	var socksURL string
	if record.Credentials != nil {
		socksURL = fmt.Sprintf("%s://%s:%s@%s",
			record.Kind, record.Credentials.Username, record.Credentials.Password, hostport)
	} else {
		socksURL = fmt.Sprintf("%s://%s", record.Kind, hostport)
	}

	dialFunc := socks.Dial(socksURL)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type dialResult struct {
			conn net.Conn
			err  error
		}
		results := make(chan dialResult, 1)
		go func() {
			conn, err := dialFunc(network, addr)
			results <- dialResult{conn, err}
		}()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			return res.conn, res.err
		}
	}
}

// Get performs a GET with the configured headers and reads the full body
func (r *Requestor) Get(ctx context.Context, client *http.Client, rawURL string, userAgent string, extraHeaders map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.NewParseError(errors.ErrorProxyURLInvalid,
			"invalid request URL", rawURL, err)
	}

	for key, value := range r.config.DefaultHeaders {
		req.Header.Set(key, value)
	}
	for key, value := range extraHeaders {
		req.Header.Set(key, value)
	}
	if userAgent == "" {
		userAgent = r.NextUserAgent()
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, ClassifyTransportError(err, rawURL)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransportError(errors.ErrorConnectFailed,
			"failed to read response body", "", err).WithURL(rawURL)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: resp.Header,
		Body:    body,
		Elapsed: elapsed,
	}, nil
}

// CloseIdleConnections closes idle connections for all cached clients
func (r *Requestor) CloseIdleConnections() {
	r.clientMutex.RLock()
	defer r.clientMutex.RUnlock()

	for _, client := range r.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
}

// ClassifyTransportError maps a client error onto the transport taxonomy
func ClassifyTransportError(err error, url string) *errors.ScoutError {
	text := strings.ToLower(err.Error())

	switch {
	case strings.Contains(text, "context deadline exceeded"),
		strings.Contains(text, "i/o timeout"),
		strings.Contains(text, "timeout awaiting response headers"):
		return errors.NewTransportError(errors.ErrorConnectTimeout,
			"request timed out", "", err).WithURL(url)
	case strings.Contains(text, "connection refused"):
		return errors.NewTransportError(errors.ErrorConnectRefused,
			"connection refused", "", err).WithURL(url)
	case strings.Contains(text, "tls"), strings.Contains(text, "certificate"),
		strings.Contains(text, "handshake"):
		return errors.NewTransportError(errors.ErrorTLSHandshakeFailed,
			"TLS handshake failed", "", err).WithURL(url)
	case strings.Contains(text, "407"),
		strings.Contains(text, "proxy authentication required"),
		strings.Contains(text, "malformed http response"),
		strings.Contains(text, "socks"):
		return errors.NewTransportError(errors.ErrorProxyRejected,
			"proxy rejected the request", "", err).WithURL(url)
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return errors.NewTransportError(errors.ErrorConnectTimeout,
			"request timed out", "", err).WithURL(url)
	}

	return errors.NewTransportError(errors.ErrorConnectFailed,
		"connection failed", "", err).WithURL(url)
}
