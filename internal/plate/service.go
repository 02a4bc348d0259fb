package plate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"time"

	"github.com/platepay/kiosk-detector/internal/coords"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// ErrService wraps every plate-detection service failure: transport,
// timeout, non-2xx status or a response that cannot be interpreted.
var ErrService = errors.New("plate: detection service failed")

// ServiceConfig describes the plate-detection endpoint.
type ServiceConfig struct {
	URL           string
	ModelID       string
	APIKey        string
	Confidence    float64
	IoU           float64
	Timeout       time.Duration
	EncodeQuality int
}

type inferImage struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type inferRequest struct {
	ModelID      string       `json:"model_id"`
	APIKey       string       `json:"api_key,omitempty"`
	Image        []inferImage `json:"image"`
	Confidence   float64      `json:"confidence"`
	IoUThreshold float64      `json:"iou_threshold"`
}

type inferPrediction struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class"`
}

type inferResult struct {
	InferenceID string `json:"inference_id"`
	Image       struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"image"`
	Predictions []inferPrediction `json:"predictions"`
}

// ServiceClient calls the external plate-detection service.
type ServiceClient struct {
	cfg    ServiceConfig
	client *http.Client
}

// NewServiceClient creates a client. The per-request timeout comes from
// cfg.Timeout.
func NewServiceClient(cfg ServiceConfig) *ServiceClient {
	if cfg.EncodeQuality <= 0 {
		cfg.EncodeQuality = 90
	}
	return &ServiceClient{cfg: cfg, client: &http.Client{}}
}

// DetectPlates sends the full frame and returns candidate boxes tagged with
// the image space the service evaluated against. Boxes are not yet remapped.
func (c *ServiceClient) DetectPlates(ctx context.Context, frame *types.Frame) ([]types.PlateCandidate, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var jpg bytes.Buffer
	if err := jpeg.Encode(&jpg, frame.Pixels, &jpeg.Options{Quality: c.cfg.EncodeQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	body, err := json.Marshal(inferRequest{
		ModelID:      c.cfg.ModelID,
		APIKey:       c.cfg.APIKey,
		Image:        []inferImage{{Type: "base64", Value: base64.StdEncoding.EncodeToString(jpg.Bytes())}},
		Confidence:   c.cfg.Confidence,
		IoUThreshold: c.cfg.IoU,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrService, resp.StatusCode)
	}

	var results []inferResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrService, err)
	}
	return parseResults(results)
}

// parseResults validates the service response and converts centre-form
// predictions into corner-form candidates in the service's own space.
func parseResults(results []inferResult) ([]types.PlateCandidate, error) {
	if len(results) == 0 || len(results[0].Predictions) == 0 {
		return nil, nil
	}
	first := results[0]
	space := types.ImageSpace{Width: first.Image.Width, Height: first.Image.Height}
	if !space.Valid() {
		return nil, fmt.Errorf("%w: response has no image size (%dx%d)", ErrService, space.Width, space.Height)
	}

	out := make([]types.PlateCandidate, 0, len(first.Predictions))
	for _, p := range first.Predictions {
		if p.Width <= 0 || p.Height <= 0 {
			continue
		}
		out = append(out, types.PlateCandidate{
			Box:        coords.FromCenter(p.X, p.Y, p.Width, p.Height, space),
			Confidence: p.Confidence,
			Source:     types.SourceDetected,
		})
	}
	return out, nil
}
