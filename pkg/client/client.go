// Package client talks to a running procmon agent from the fuzzer side.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/loykin/procmon/internal/crashbin"
)

const DefaultBaseURL = "http://127.0.0.1:26002"

// Client provides HTTP client functionality to communicate with the agent
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration. A zero Timeout leaves requests bounded
// only by their context, since post_send may block during forensic capture.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	CACert   string // PEM file trusted for an https agent
	Insecure bool   // skip certificate verification
}

func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.CACert != "" || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402 explicit opt-in for self-signed lab agents
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	caCert, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate %s", config.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// IsReachable checks if the agent is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		c.logger.Debug("Agent unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) PreSend(ctx context.Context, testNumber int) error {
	c.logger.Debug("pre_send", "test_number", testNumber)
	return c.do(ctx, http.MethodPost, "/pre_send", PreSendRequest{TestNumber: testNumber}, nil)
}

// PostSend reports whether the target survived the last test case.
func (c *Client) PostSend(ctx context.Context) (bool, error) {
	var resp PostSendResponse
	if err := c.do(ctx, http.MethodPost, "/post_send", nil, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

func (c *Client) BinKeys(ctx context.Context) ([]crashbin.Key, error) {
	var resp KeysResponse
	if err := c.do(ctx, http.MethodGet, "/bin_keys", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

// unknownKey is the message the agent sends with a 404 from /bin.
const unknownKey = "unknown key"

// Bin returns the records for key. An unknown key is reported as ok=false
// with a nil error. Any other 404, such as a wrong base path, is an error.
func (c *Client) Bin(ctx context.Context, key crashbin.Key) ([]crashbin.Record, bool, error) {
	var resp BinResponse
	err := c.do(ctx, http.MethodGet, "/bin?key="+url.QueryEscape(key.String()), nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && apiErr.Message == unknownKey {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.Records, true, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Samples returns the target's buffered resource readings, oldest first.
// The list is empty when the agent's sampler is disabled.
func (c *Client) Samples(ctx context.Context) ([]Sample, error) {
	var resp SamplesResponse
	if err := c.do(ctx, http.MethodGet, "/samples", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Samples, nil
}

// StopTarget runs the agent's stop sequence against the current target.
func (c *Client) StopTarget(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/stop_target", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFrom(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Message = er.Error
	}
	if apiErr.Message != unknownKey {
		c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	}
	return apiErr
}
