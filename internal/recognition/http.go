package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

const plateFileName = "license_plate.jpg"

// HTTPClient posts plate crops to the parking backend as multipart forms.
type HTTPClient struct {
	endpoint string
	event    EventContext
	timeout  time.Duration
	client   *http.Client
	log      *logger.Scoped
}

// NewHTTPClient creates a client for endpoint.
func NewHTTPClient(endpoint string, event EventContext, timeout time.Duration, log *logger.Scoped) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		event:    event,
		timeout:  timeout,
		client:   &http.Client{},
		log:      log,
	}
}

// Recognize implements Client.
func (c *HTTPClient) Recognize(ctx context.Context, image []byte) (types.RecognitionResult, error) {
	return withTimeout(ctx, c.timeout, func(ctx context.Context) (types.RecognitionResult, error) {
		return c.post(ctx, image)
	})
}

func (c *HTTPClient) post(ctx context.Context, image []byte) (types.RecognitionResult, error) {
	lotID := strconv.FormatInt(c.event.ParkingLotID, 10)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", plateFileName)
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("build form: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return types.RecognitionResult{}, fmt.Errorf("build form: %w", err)
	}
	for _, f := range [][2]string{{"eventType", c.event.EventType}, {"parkingLotId", lotID}} {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return types.RecognitionResult{}, fmt.Errorf("build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return types.RecognitionResult{}, fmt.Errorf("build form: %w", err)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("%w: endpoint: %v", ErrTransport, err)
	}
	// The backend binds these as request params, so mirror them in the query.
	q := u.Query()
	q.Set("eventType", c.event.EventType)
	q.Set("parkingLotId", lotID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), &body)
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return types.RecognitionResult{}, fmt.Errorf("%w: read body: %w", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.RecognitionResult{}, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	res, err := parseResponse(raw)
	if err != nil {
		return types.RecognitionResult{}, err
	}
	if res.HasPlate() {
		c.log.Info("Recognized plate %q", res.Plate())
	} else {
		c.log.Info("Backend answered without plate text")
	}
	return res, nil
}

type platePayload struct {
	Success       *bool           `json:"success"`
	Result        string          `json:"result"`
	PlateNumber   string          `json:"plateNumber"`
	PlateNumber2  string          `json:"plate_number"`
	BestResult    *string         `json:"best_result"`
	Confidence    *float64        `json:"confidence"`
	LicensePlates []licensePlate  `json:"license_plates"`
	Data          json.RawMessage `json:"data"`
}

type licensePlate struct {
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence"`
}

// parseResponse validates the backend body at the boundary. Plate text is
// taken from the first non-empty of plateNumber, plate_number, best_result
// and license_plates[0].text, looking inside a "data" envelope as well.
func parseResponse(raw []byte) (types.RecognitionResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return types.Unrecognized(types.RecognitionNoText), nil
	}

	var p platePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return types.RecognitionResult{}, fmt.Errorf("%w: decode body: %v", ErrTransport, err)
	}
	if (p.Success != nil && !*p.Success) || strings.EqualFold(p.Result, "fail") {
		return types.Unrecognized(types.RecognitionNoText), nil
	}

	if text, conf := p.plate(); text != "" {
		return types.Recognized(text, conf), nil
	}

	if len(p.Data) > 0 && p.Data[0] == '{' {
		var inner platePayload
		if err := json.Unmarshal(p.Data, &inner); err == nil {
			if text, conf := inner.plate(); text != "" {
				return types.Recognized(text, conf), nil
			}
		}
	}
	return types.Unrecognized(types.RecognitionNoText), nil
}

func (p platePayload) plate() (string, *float64) {
	for _, s := range []string{p.PlateNumber, p.PlateNumber2} {
		if t := strings.TrimSpace(s); t != "" {
			return t, p.Confidence
		}
	}
	if p.BestResult != nil {
		if t := strings.TrimSpace(*p.BestResult); t != "" {
			conf := p.Confidence
			if conf == nil && len(p.LicensePlates) > 0 {
				conf = p.LicensePlates[0].Confidence
			}
			return t, conf
		}
	}
	if len(p.LicensePlates) > 0 {
		if t := strings.TrimSpace(p.LicensePlates[0].Text); t != "" {
			return t, p.LicensePlates[0].Confidence
		}
	}
	return "", nil
}
