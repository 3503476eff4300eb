package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the external inference service over HTTP. One endpoint
// per capability: POST /detect and POST /segment both take a multipart
// image upload and return JSON.
type Client struct {
	baseURL string
	apiKey  string
	device  string
	http    *http.Client
}

var (
	_ Detector  = (*Client)(nil)
	_ Segmenter = (*Client)(nil)
)

// NewClient creates an inference client bound to a compute device. The
// device identifier is forwarded with every request so the service can
// pin the model instance serving this worker.
func NewClient(baseURL, apiKey, device string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		device:  device,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

// Device returns the compute device this client is bound to.
func (c *Client) Device() string {
	return c.device
}

// Release drops pooled connections. Called when the resource cache clears.
func (c *Client) Release() {
	c.http.CloseIdleConnections()
}

// Detect runs the detection model over an image.
func (c *Client) Detect(ctx context.Context, img image.Image) ([]RawDetection, error) {
	var result struct {
		Detections []RawDetection `json:"detections"`
	}
	if err := c.postImage(ctx, "/detect", img, &result); err != nil {
		return nil, err
	}
	return result.Detections, nil
}

// Segment runs the segmentation model over a full photo.
func (c *Client) Segment(ctx context.Context, img image.Image) ([]Region, error) {
	var result struct {
		Regions []Region `json:"regions"`
	}
	if err := c.postImage(ctx, "/segment", img, &result); err != nil {
		return nil, err
	}
	return result.Regions, nil
}

// CheckHealth verifies the inference service is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// postImage encodes img as JPEG, uploads it as a multipart form, and
// decodes the JSON response into out.
func (c *Client) postImage(ctx context.Context, path string, img image.Image, out interface{}) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if err := jpeg.Encode(part, img, &jpeg.Options{Quality: 92}); err != nil {
		return fmt.Errorf("encode image: %w", err)
	}
	if err := writer.WriteField("device", c.device); err != nil {
		return fmt.Errorf("write device field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("inference %s: status %d: %s", path, resp.StatusCode, snippet)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode inference response: %w", err)
	}

	log.Debug().
		Str("path", path).
		Str("device", c.device).
		Dur("elapsed", time.Since(start)).
		Msg("Inference call complete")
	return nil
}
