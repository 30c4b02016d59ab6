package render

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"atelier/internal/infra"
)

// Options controls how the render vendor client is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
	// RatePerSecond caps outbound vendor calls so self-rescheduling pollers
	// cannot hammer the API. Zero disables the limiter.
	RatePerSecond float64
}

// HTTPClient talks to the render vendor's async task API. When no API key is
// configured every submitted task completes immediately with a deterministic
// synthetic artifact, keeping workers fully operational in local and CI
// environments while preserving the real integration points.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
	limiter    *rate.Limiter

	mu        sync.Mutex
	synthetic map[string]SubmitRequest
}

// NewClient builds an HTTPClient from options, applying defaults.
func NewClient(opts Options) (*HTTPClient, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.renderworks.example/v1"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	return &HTTPClient{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     opts.Logger,
		limiter:    limiter,
		synthetic:  make(map[string]SubmitRequest),
	}, nil
}

type submitBody struct {
	Operation   string   `json:"operation"`
	Prompt      string   `json:"prompt,omitempty"`
	SourceURL   string   `json:"source_url,omitempty"`
	ExtraURLs   []string `json:"extra_urls,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
	Scale       int      `json:"scale,omitempty"`
	Region      [4]int   `json:"region,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	State     string `json:"state"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Submit starts a remote task and returns the vendor task handle.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if c.apiKey == "" {
		return c.submitSynthetic(req), nil
	}
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	body, err := json.Marshal(submitBody{
		Operation:   string(req.Operation),
		Prompt:      req.Prompt,
		SourceURL:   req.SourceURL,
		ExtraURLs:   req.ExtraURLs,
		AspectRatio: req.AspectRatio,
		Scale:       req.Scale,
		Region:      req.Region,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return "", fmt.Errorf("encode submit request: %w", err)
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/tasks", body, &resp); err != nil {
		return "", err
	}
	if resp.TaskID == "" {
		return "", fmt.Errorf("vendor returned empty task id")
	}
	return resp.TaskID, nil
}

// Status fetches the remote state of a task.
func (c *HTTPClient) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	if strings.HasPrefix(taskID, "synthetic-") {
		return c.statusSynthetic(taskID)
	}
	if err := c.wait(ctx); err != nil {
		return TaskStatus{}, err
	}
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &resp); err != nil {
		return TaskStatus{}, err
	}
	switch resp.State {
	case "queued", "in_progress", "completed", "failed":
		return TaskStatus{State: TaskState(resp.State), ResultURL: resp.ResultURL, Reason: resp.Error}, nil
	default:
		return TaskStatus{}, fmt.Errorf("vendor reported unknown state %q", resp.State)
	}
}

// Fetch downloads result or source bytes.
func (c *HTTPClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "synthetic://") {
		return syntheticImage(strings.TrimPrefix(url, "synthetic://")), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vendor request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vendor status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *HTTPClient) submitSynthetic(req SubmitRequest) string {
	taskID := "synthetic-" + uuid.NewString()
	c.mu.Lock()
	c.synthetic[taskID] = req
	c.mu.Unlock()
	if c.logger != nil {
		c.logger.Debug().Str("task_id", taskID).Str("operation", string(req.Operation)).Msg("render: synthetic task submitted")
	}
	return taskID
}

func (c *HTTPClient) statusSynthetic(taskID string) (TaskStatus, error) {
	c.mu.Lock()
	_, ok := c.synthetic[taskID]
	c.mu.Unlock()
	if !ok {
		return TaskStatus{State: StateFailed, Reason: "unknown synthetic task"}, nil
	}
	return TaskStatus{State: StateCompleted, ResultURL: "synthetic://" + taskID}, nil
}

// syntheticImage renders a small solid-color PNG whose color is derived from
// the seed, so repeated runs of the same task produce identical bytes.
func syntheticImage(seed string) []byte {
	sum := sha256.Sum256([]byte(seed))
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return []byte(hex.EncodeToString(sum[:]))
	}
	return buf.Bytes()
}

var _ Client = (*HTTPClient)(nil)
