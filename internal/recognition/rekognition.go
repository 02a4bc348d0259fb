package recognition

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rektypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// DefaultPlatePattern matches Korean civilian plates ("12가3456",
// "123가4567") and Latin-letter plates after whitespace is removed.
const DefaultPlatePattern = `^([0-9]{2,3}[가-힣][0-9]{4}|[0-9]{2}[A-Z]{1,2}-?[0-9]{3,5})$`

// TextDetector is the subset of the Rekognition API the backend uses.
type TextDetector interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

// RekognitionClient reads plate text with AWS Rekognition DetectText.
type RekognitionClient struct {
	api     TextDetector
	pattern *regexp.Regexp
	timeout time.Duration
	log     *logger.Scoped
}

// NewRekognition loads AWS credentials from the default chain.
func NewRekognition(ctx context.Context, region string, timeout time.Duration, log *logger.Scoped) (*RekognitionClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewRekognitionWithAPI(rekognition.NewFromConfig(cfg), DefaultPlatePattern, timeout, log)
}

// NewRekognitionWithAPI wraps an existing API client.
func NewRekognitionWithAPI(api TextDetector, pattern string, timeout time.Duration, log *logger.Scoped) (*RekognitionClient, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("plate pattern: %w", err)
	}
	return &RekognitionClient{api: api, pattern: re, timeout: timeout, log: log}, nil
}

// Recognize implements Client. Among LINE and WORD detections matching the
// plate pattern the most confident wins.
func (c *RekognitionClient) Recognize(ctx context.Context, image []byte) (types.RecognitionResult, error) {
	return withTimeout(ctx, c.timeout, func(ctx context.Context) (types.RecognitionResult, error) {
		out, err := c.api.DetectText(ctx, &rekognition.DetectTextInput{
			Image: &rektypes.Image{Bytes: image},
		})
		if err != nil {
			return types.RecognitionResult{}, fmt.Errorf("%w: detect text: %w", ErrTransport, err)
		}
		return c.pick(out.TextDetections), nil
	})
}

func (c *RekognitionClient) pick(detections []rektypes.TextDetection) types.RecognitionResult {
	var best string
	var bestConf float32
	for _, d := range detections {
		if d.Type != rektypes.TextTypesLine && d.Type != rektypes.TextTypesWord {
			continue
		}
		text := normalizePlate(aws.ToString(d.DetectedText))
		conf := aws.ToFloat32(d.Confidence)
		if text == "" || !c.pattern.MatchString(text) {
			continue
		}
		if best == "" || conf > bestConf {
			best, bestConf = text, conf
		}
	}

	if best == "" {
		c.log.Info("No text matched the plate pattern (%d detections)", len(detections))
		return types.Unrecognized(types.RecognitionNoText)
	}
	// Rekognition reports confidence in percent.
	conf := float64(bestConf) / 100
	c.log.Info("Recognized plate %q (%.2f)", best, conf)
	return types.Recognized(best, &conf)
}

func normalizePlate(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '.':
			return -1
		}
		return r
	}, s)
}
