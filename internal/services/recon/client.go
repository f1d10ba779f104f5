package recon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gsscan/internal/config"
	"gsscan/internal/fileutil"
	"gsscan/internal/services"
	"gsscan/internal/upload"
)

const (
	defaultRequestTimeout  = 60 * time.Second
	defaultResourceTimeout = 600 * time.Second
	maxErrorBody           = 64 * 1024
	artifactExt            = ".ply"
)

// HTTPDoer describes the HTTP client used by the reconstruction client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds connection settings for a Client.
type Config struct {
	BaseURL         string
	RequestTimeout  time.Duration
	ResourceTimeout time.Duration
	ArtifactsDir    string
	MaxFileBytes    int64
	// SpoolDir receives encoded upload bodies and partial downloads. Empty
	// selects ArtifactsDir for downloads and the OS temp dir for uploads.
	SpoolDir string
}

// Client is a stateless wrapper for the reconstruction service endpoints.
type Client struct {
	baseURL      *url.URL
	api          HTTPDoer
	transfer     HTTPDoer
	artifactsDir string
	spoolDir     string
	encoder      upload.Encoder
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient routes every call through doer. Timeouts are then the
// caller's responsibility.
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) {
		if doer != nil {
			c.api = doer
			c.transfer = doer
		}
	}
}

// New constructs a Client for cfg.
func New(cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, services.Wrap(services.ErrConfiguration, "recon", "configure", fmt.Sprintf("invalid base url %q", cfg.BaseURL), err)
	}
	if strings.TrimSpace(cfg.ArtifactsDir) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "recon", "configure", "artifacts directory is required", nil)
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	resourceTimeout := cfg.ResourceTimeout
	if resourceTimeout <= 0 {
		resourceTimeout = defaultResourceTimeout
	}

	client := &Client{
		baseURL:      base,
		api:          &http.Client{Timeout: requestTimeout},
		transfer:     &http.Client{Timeout: resourceTimeout},
		artifactsDir: cfg.ArtifactsDir,
		spoolDir:     cfg.SpoolDir,
		encoder:      upload.Encoder{MaxFileBytes: cfg.MaxFileBytes, TempDir: cfg.SpoolDir},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// NewFromConfig builds a Client from the application configuration.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "recon", "configure", "config is required", nil)
	}
	return New(Config{
		BaseURL:         cfg.Server.BaseURL,
		RequestTimeout:  cfg.RequestTimeout(),
		ResourceTimeout: cfg.ResourceTimeout(),
		ArtifactsDir:    cfg.Paths.ArtifactsDir,
		MaxFileBytes:    cfg.MaxUploadBytes(),
	}, opts...)
}

// BaseURL returns the service root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// ArtifactPath returns where the artifact for taskID is stored locally.
func (c *Client) ArtifactPath(taskID string) string {
	return filepath.Join(c.artifactsDir, taskID+artifactExt)
}

// HealthCheck reports whether the service answered GET /health with status
// "ok". Any non-2xx or undecodable response is reported as unhealthy; only
// transport failures return an error.
func (c *Client) HealthCheck(ctx context.Context) (bool, HealthResponse, error) {
	var health HealthResponse
	resp, err := c.do(ctx, c.api, http.MethodGet, c.endpoint("health"), nil, nil)
	if err != nil {
		return false, health, err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, health, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, health, nil
	}
	return health.Healthy(), health, nil
}

// UploadVideo submits a single video for reconstruction.
func (c *Client) UploadVideo(ctx context.Context, path string, params upload.Params) (UploadResponse, error) {
	return c.submit(ctx, "upload", upload.Request{Kind: upload.KindVideo, Files: []string{path}, Params: params})
}

// UploadImages submits a photo burst of at least upload.MinBurstImages images.
func (c *Client) UploadImages(ctx context.Context, paths []string, params upload.Params) (UploadResponse, error) {
	return c.submit(ctx, "upload_images", upload.Request{Kind: upload.KindImages, Files: paths, Params: params})
}

// Upload dispatches req to the endpoint matching its kind.
func (c *Client) Upload(ctx context.Context, req upload.Request) (UploadResponse, error) {
	if req.Kind == upload.KindImages {
		return c.UploadImages(ctx, req.Files, req.Params)
	}
	if len(req.Files) != 1 {
		return UploadResponse{}, c.encoder.Validate(req)
	}
	return c.UploadVideo(ctx, req.Files[0], req.Params)
}

func (c *Client) submit(ctx context.Context, endpoint string, req upload.Request) (UploadResponse, error) {
	var accepted UploadResponse

	payload, err := c.encoder.Encode(ctx, req)
	if err != nil {
		return accepted, err
	}
	defer payload.Remove()

	body, err := payload.Open()
	if err != nil {
		return accepted, fmt.Errorf("open upload payload: %w", err)
	}
	defer body.Close()

	resp, err := c.do(ctx, c.transfer, http.MethodPost, c.endpoint(endpoint), body, func(r *http.Request) {
		r.ContentLength = payload.Size()
		r.Header.Set("Content-Type", payload.ContentType)
		r.GetBody = payload.Open
	})
	if err != nil {
		return accepted, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return accepted, serverError(resp)
	}
	if err := decodeJSON(resp.Body, &accepted, endpoint); err != nil {
		return accepted, err
	}
	if strings.TrimSpace(accepted.TaskID) == "" {
		return accepted, services.Wrap(services.ErrMalformedResponse, "recon", endpoint, "response carried no task_id", nil)
	}
	return accepted, nil
}

// Status fetches the current snapshot for taskID.
func (c *Client) Status(ctx context.Context, taskID string) (Job, error) {
	var job Job
	resp, err := c.do(ctx, c.api, http.MethodGet, c.endpoint("status", taskID), nil, nil)
	if err != nil {
		return job, err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return job, services.Wrap(services.ErrTaskNotFound, "recon", "status", taskID, nil)
	case resp.StatusCode != http.StatusOK:
		return job, serverError(resp)
	}
	if err := decodeJSON(resp.Body, &job, "status"); err != nil {
		return job, err
	}
	return job, nil
}

// Download streams the artifact for taskID into a temporary file and then
// atomically replaces ArtifactPath(taskID). The final path is returned.
func (c *Client) Download(ctx context.Context, taskID string) (string, error) {
	resp, err := c.do(ctx, c.transfer, http.MethodGet, c.endpoint("download", taskID), nil, nil)
	if err != nil {
		return "", err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", services.Wrap(services.ErrTaskNotFound, "recon", "download", taskID, nil)
	case resp.StatusCode != http.StatusOK:
		return "", serverError(resp)
	}

	if err := os.MkdirAll(c.artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts directory: %w", err)
	}
	spool := c.spoolDir
	if spool == "" {
		spool = c.artifactsDir
	}
	tmp, err := os.CreateTemp(spool, "."+taskID+".*.download")
	if err != nil {
		return "", fmt.Errorf("create download temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		cleanup()
		return "", classifyTransport(ctx, "download", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("sync download: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("close download: %w", err)
	}

	target := c.ArtifactPath(taskID)
	if err := fileutil.ReplaceFile(tmpPath, target); err != nil {
		cleanup()
		return "", err
	}
	return target, nil
}

// DeleteTask asks the service to forget taskID and remove its files.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	resp, err := c.do(ctx, c.api, http.MethodDelete, c.endpoint("task", taskID), nil, nil)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return services.Wrap(services.ErrTaskNotFound, "recon", "delete", taskID, nil)
	case resp.StatusCode != http.StatusOK:
		return serverError(resp)
	}
	return nil
}

// ListTasks returns every task the service knows about keyed by task id.
func (c *Client) ListTasks(ctx context.Context) (map[string]Job, error) {
	resp, err := c.do(ctx, c.api, http.MethodGet, c.endpoint("tasks"), nil, nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, serverError(resp)
	}
	tasks := make(map[string]Job)
	if err := decodeJSON(resp.Body, &tasks, "tasks"); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return c.baseURL.JoinPath(escaped...).String()
}

func (c *Client) do(ctx context.Context, doer HTTPDoer, method, target string, body io.Reader, prepare func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "recon", "build request", target, err)
	}
	req.Header.Set("Accept", "application/json")
	if prepare != nil {
		prepare(req)
	}
	resp, err := doer.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, strings.ToLower(method)+" "+req.URL.Path, err)
	}
	return resp, nil
}

func classifyTransport(ctx context.Context, operation string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return services.Wrap(services.ErrTransport, "recon", operation, "request canceled", ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTransport, "recon", operation, "timed out", err)
	}
	return services.Wrap(services.ErrTransport, "recon", operation, "", err)
}

func decodeJSON(body io.Reader, target any, operation string) error {
	if err := json.NewDecoder(body).Decode(target); err != nil {
		if errors.Is(err, services.ErrUnknownStatus) {
			return services.Wrap(services.ErrUnknownStatus, "recon", operation, "", err)
		}
		return services.Wrap(services.ErrMalformedResponse, "recon", operation, "decode response", err)
	}
	return nil
}

// serverError extracts the service's "error" field when present.
func serverError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorBody
	message := ""
	if json.Unmarshal(data, &body) == nil {
		message = strings.TrimSpace(body.Error)
	}
	return &services.ServerError{StatusCode: resp.StatusCode, Message: message}
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
