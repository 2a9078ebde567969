// Package fly is a thin client for the Fly Machines API: it launches and
// destroys auto-destroying worker machines and checks that a token can
// operate on an app before the first dispatch.
package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/timeout"
)

const (
	// DefaultBaseURL is the Machines API endpoint
	DefaultBaseURL = "https://api.machines.dev/v1"
	// DefaultGraphQLURL is used for organization discovery
	DefaultGraphQLURL = "https://api.fly.io/graphql"
	// DefaultTimeout bounds a single API request
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrMissingToken indicates no API token was provided.
	ErrMissingToken = errors.New("fly: missing API token")
	// ErrMissingApp indicates an empty app name in a request.
	ErrMissingApp = errors.New("fly: missing app")
	// ErrMissingMachineID indicates an empty machine id in a request.
	ErrMissingMachineID = errors.New("fly: missing machine id")
	// ErrMissingImage indicates a machine spec without an image.
	ErrMissingImage = errors.New("fly: missing image")
	// ErrMockNotImplemented indicates no behavior is configured for a mock method.
	ErrMockNotImplemented = errors.New("fly: mock method not implemented")
)

// MachineClient is the remote compute capability used by dispatch and the watchdog
type MachineClient interface {
	CreateMachine(ctx context.Context, token, app string, spec MachineSpec) (Machine, error)
	DestroyMachine(ctx context.Context, token, app, machineID string) error
	ValidateCredentials(ctx context.Context, token, app string, mode ValidationMode) ValidationResult
}

// Guest is the machine resource shape
type Guest struct {
	CPUKind  string `json:"cpu_kind"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
}

// MachineSpec describes a worker machine to launch
type MachineSpec struct {
	Name        string
	Region      string
	Image       string
	AutoDestroy bool
	Env         map[string]string
	Guest       Guest
}

// Machine is the subset of machine metadata returned on create
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state,omitempty"`
	Region string `json:"region,omitempty"`
}

// APIError captures non-success HTTP responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("fly api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("fly api error: status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// Client is the Machines API implementation. The token is supplied per
// call because it belongs to the tenant settings, not the process.
type Client struct {
	baseURL    string
	graphqlURL string
	httpClient *http.Client
	timeout    time.Duration
	nameFn     func() string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithBaseURL overrides the Machines API URL.
func WithBaseURL(baseURL string) Option {
	return func(client *Client) {
		if strings.TrimSpace(baseURL) != "" {
			client.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithGraphQLURL overrides the GraphQL endpoint.
func WithGraphQLURL(graphqlURL string) Option {
	return func(client *Client) {
		if strings.TrimSpace(graphqlURL) != "" {
			client.graphqlURL = graphqlURL
		}
	}
}

// WithTimeout overrides the per-request time bound.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		if d > 0 {
			client.timeout = d
		}
	}
}

// WithNameFn overrides app name generation (useful for tests).
func WithNameFn(nameFn func() string) Option {
	return func(client *Client) {
		if nameFn != nil {
			client.nameFn = nameFn
		}
	}
}

// NewClient constructs a Machines API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		baseURL:    DefaultBaseURL,
		graphqlURL: DefaultGraphQLURL,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		nameFn:     GenerateAppName,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// CreateMachine launches a machine in app
func (c *Client) CreateMachine(ctx context.Context, token, app string, spec MachineSpec) (Machine, error) {
	if strings.TrimSpace(token) == "" {
		return Machine{}, ErrMissingToken
	}
	if strings.TrimSpace(app) == "" {
		return Machine{}, ErrMissingApp
	}
	if strings.TrimSpace(spec.Image) == "" {
		return Machine{}, ErrMissingImage
	}

	config := map[string]any{
		"image":        spec.Image,
		"auto_destroy": spec.AutoDestroy,
		"env":          spec.Env,
		"guest":        spec.Guest,
		"restart":      map[string]string{"policy": "no"},
	}
	payload := map[string]any{"config": config}
	if spec.Name != "" {
		payload["name"] = spec.Name
	}
	if spec.Region != "" {
		payload["region"] = spec.Region
	}

	path := fmt.Sprintf("/apps/%s/machines", url.PathEscape(app))
	var machine Machine
	if err := c.doJSON(ctx, token, http.MethodPost, c.baseURL+path, payload, &machine); err != nil {
		return Machine{}, err
	}
	if machine.ID == "" {
		return Machine{}, errors.New("fly: create machine returned no id")
	}
	return machine, nil
}

// DestroyMachine force-deletes a machine. Callers treat failure as non-fatal.
func (c *Client) DestroyMachine(ctx context.Context, token, app, machineID string) error {
	if strings.TrimSpace(token) == "" {
		return ErrMissingToken
	}
	if strings.TrimSpace(app) == "" {
		return ErrMissingApp
	}
	if strings.TrimSpace(machineID) == "" {
		return ErrMissingMachineID
	}

	path := fmt.Sprintf("/apps/%s/machines/%s?force=true", url.PathEscape(app), url.PathEscape(machineID))
	return c.doJSON(ctx, token, http.MethodDelete, c.baseURL+path, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, token, method, endpoint string, payload any, out any) error {
	body, err := c.doRequest(ctx, token, method, endpoint, payload)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// doRequest performs a single bounded request; no retries
func (c *Client) doRequest(ctx context.Context, token, method, endpoint string, payload any) ([]byte, error) {
	var requestBody []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		requestBody = encoded
	}

	bound := timeout.New[[]byte](timeout.Config{DefaultTimeout: c.timeout})
	return bound.Execute(ctx, c.timeout, func(ctx context.Context) ([]byte, error) {
		bodyReader := io.Reader(nil)
		if len(requestBody) > 0 {
			bodyReader = bytes.NewReader(requestBody)
		}

		request, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Authorization", "Bearer "+token)
		request.Header.Set("Accept", "application/json")
		if payload != nil {
			request.Header.Set("Content-Type", "application/json")
		}

		response, err := c.httpClient.Do(request)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()

		responseBody, err := io.ReadAll(response.Body)
		if err != nil {
			return nil, err
		}
		if response.StatusCode < 200 || response.StatusCode >= 300 {
			return nil, APIError{StatusCode: response.StatusCode, Body: string(responseBody)}
		}
		return responseBody, nil
	})
}
