// Package config holds every externally settable kiosk parameter.
//
// Values are resolved in order: Default, then a .env file, then KIOSK_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config defines the runtime configuration for the kiosk detector.
type Config struct {
	// Session timing
	PollInterval time.Duration
	StartDelay   time.Duration
	Countdown    time.Duration
	DisplayDelay time.Duration

	// Camera
	CameraDevice int
	StillImage   string // when set, frames come from this file instead of the webcam

	// Vehicle detector
	ModelPath        string
	ModelConfigPath  string
	VehicleMinConf   float64
	VehicleClasses   []string
	DetectorInputDim int

	// Plate-detection service
	PlateServiceURL     string
	PlateModelID        string
	PlateAPIKey         string
	PlateConfidence     float64 // sent to the service
	PlateIoU            float64
	PlateMinConf        float64 // applied to returned predictions
	PlateServiceTimeout time.Duration

	// Geometric fallback, as fractions of the vehicle box
	EstimateMarginX    float64
	EstimateBandTop    float64
	EstimateBandHeight float64
	EstimateConfidence float64

	// Crop
	CropMinWidth     int
	CropMinHeight    int
	JPEGQuality      int
	CropUpscaleWidth int // 0 disables upscaling

	// Recognition
	RecognitionBackend string // "http" or "rekognition"
	RecognitionURL     string
	RecognitionTimeout time.Duration
	EventType          string
	ParkingLotID       int64
	AWSRegion          string

	// Feedback
	SuccessSound string
	FailureSound string
	AudioPlayer  string

	// Process
	HTTPAddr    string
	MetricsAddr string
	PlateLogDB  string
	LogLevel    string
	LogColor    bool
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		PollInterval: time.Second,
		StartDelay:   100 * time.Millisecond,
		Countdown:    2 * time.Second,
		DisplayDelay: time.Second,

		CameraDevice: 0,

		ModelPath:        "models/frozen_inference_graph.pb",
		ModelConfigPath:  "models/ssd_mobilenet_v1_coco_2017_11_17.pbtxt",
		VehicleMinConf:   0.5,
		VehicleClasses:   []string{"car", "motorcycle", "bus", "truck", "bicycle"},
		DetectorInputDim: 300,

		PlateServiceURL:     "http://localhost:9001/infer/object_detection",
		PlateModelID:        "yolov8-anpr/1",
		PlateConfidence:     0.4,
		PlateIoU:            0.5,
		PlateMinConf:        0.4,
		PlateServiceTimeout: 5 * time.Second,

		EstimateMarginX:    0.15,
		EstimateBandTop:    0.70,
		EstimateBandHeight: 0.30,
		EstimateConfidence: 0.8,

		CropMinWidth:     30,
		CropMinHeight:    10,
		JPEGQuality:      90,
		CropUpscaleWidth: 0,

		RecognitionBackend: "http",
		RecognitionURL:     "http://localhost:8080/api/v1/plates/scan",
		RecognitionTimeout: 5 * time.Second,
		EventType:          "ENTRY",
		ParkingLotID:       1,
		AWSRegion:          "ap-southeast-1",

		SuccessSound: "assets/good.mp3",
		FailureSound: "assets/notgood.mp3",
		AudioPlayer:  "mpg123 -q",

		HTTPAddr:    ":8090",
		MetricsAddr: ":9090",
		PlateLogDB:  "plates.db",
		LogLevel:    "info",
		LogColor:    true,
	}
}

// LoadEnv applies the .env file at path (a missing file is ignored) and
// then any KIOSK_* environment variables.
func (c *Config) LoadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}

	var errs []error
	env := envReader{errs: &errs}

	env.duration("KIOSK_POLL_INTERVAL", &c.PollInterval)
	env.duration("KIOSK_START_DELAY", &c.StartDelay)
	env.duration("KIOSK_COUNTDOWN", &c.Countdown)
	env.duration("KIOSK_DISPLAY_DELAY", &c.DisplayDelay)

	env.integer("KIOSK_CAMERA_DEVICE", &c.CameraDevice)
	env.str("KIOSK_STILL_IMAGE", &c.StillImage)

	env.str("KIOSK_MODEL_PATH", &c.ModelPath)
	env.str("KIOSK_MODEL_CONFIG", &c.ModelConfigPath)
	env.float("KIOSK_VEHICLE_MIN_CONF", &c.VehicleMinConf)
	env.list("KIOSK_VEHICLE_CLASSES", &c.VehicleClasses)

	env.str("KIOSK_PLATE_SERVICE_URL", &c.PlateServiceURL)
	env.str("KIOSK_PLATE_MODEL_ID", &c.PlateModelID)
	env.str("KIOSK_PLATE_API_KEY", &c.PlateAPIKey)
	env.float("KIOSK_PLATE_CONFIDENCE", &c.PlateConfidence)
	env.float("KIOSK_PLATE_IOU", &c.PlateIoU)
	env.float("KIOSK_PLATE_MIN_CONF", &c.PlateMinConf)
	env.duration("KIOSK_PLATE_TIMEOUT", &c.PlateServiceTimeout)

	env.float("KIOSK_ESTIMATE_MARGIN_X", &c.EstimateMarginX)
	env.float("KIOSK_ESTIMATE_BAND_TOP", &c.EstimateBandTop)
	env.float("KIOSK_ESTIMATE_BAND_HEIGHT", &c.EstimateBandHeight)
	env.float("KIOSK_ESTIMATE_CONFIDENCE", &c.EstimateConfidence)

	env.integer("KIOSK_CROP_MIN_WIDTH", &c.CropMinWidth)
	env.integer("KIOSK_CROP_MIN_HEIGHT", &c.CropMinHeight)
	env.integer("KIOSK_JPEG_QUALITY", &c.JPEGQuality)
	env.integer("KIOSK_CROP_UPSCALE_WIDTH", &c.CropUpscaleWidth)

	env.str("KIOSK_RECOGNITION_BACKEND", &c.RecognitionBackend)
	env.str("KIOSK_RECOGNITION_URL", &c.RecognitionURL)
	env.duration("KIOSK_RECOGNITION_TIMEOUT", &c.RecognitionTimeout)
	env.str("KIOSK_EVENT_TYPE", &c.EventType)
	env.int64("KIOSK_PARKING_LOT_ID", &c.ParkingLotID)
	env.str("AWS_REGION", &c.AWSRegion)

	env.str("KIOSK_SUCCESS_SOUND", &c.SuccessSound)
	env.str("KIOSK_FAILURE_SOUND", &c.FailureSound)
	env.str("KIOSK_AUDIO_PLAYER", &c.AudioPlayer)

	env.str("KIOSK_HTTP_ADDR", &c.HTTPAddr)
	env.str("KIOSK_METRICS_ADDR", &c.MetricsAddr)
	env.str("KIOSK_PLATE_DB", &c.PlateLogDB)
	env.str("KIOSK_LOG_LEVEL", &c.LogLevel)
	env.boolean("KIOSK_LOG_COLOR", &c.LogColor)

	return errors.Join(errs...)
}

// RegisterFlags binds command-line flags to c. Current field values become
// the flag defaults, so call it after LoadEnv.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Vehicle presence polling interval")
	fs.DurationVar(&c.StartDelay, "start-delay", c.StartDelay, "Delay before polling resumes after a reset")
	fs.DurationVar(&c.Countdown, "countdown", c.Countdown, "Settle countdown after a vehicle is detected")
	fs.DurationVar(&c.DisplayDelay, "display-delay", c.DisplayDelay, "How long a result stays on screen")

	fs.IntVar(&c.CameraDevice, "camera", c.CameraDevice, "Camera device id")
	fs.StringVar(&c.StillImage, "still-image", c.StillImage, "Serve frames from this image instead of the camera")

	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "Object detector weights")
	fs.StringVar(&c.ModelConfigPath, "model-config", c.ModelConfigPath, "Object detector graph config")
	fs.Float64Var(&c.VehicleMinConf, "vehicle-min-conf", c.VehicleMinConf, "Vehicle detection confidence floor")
	fs.Func("vehicle-classes", "Comma-separated vehicle classes", func(s string) error {
		c.VehicleClasses = splitList(s)
		return nil
	})

	fs.StringVar(&c.PlateServiceURL, "plate-url", c.PlateServiceURL, "Plate-detection service endpoint")
	fs.StringVar(&c.PlateModelID, "plate-model", c.PlateModelID, "Plate-detection model id")
	fs.StringVar(&c.PlateAPIKey, "plate-api-key", c.PlateAPIKey, "Plate-detection API key")
	fs.Float64Var(&c.PlateConfidence, "plate-confidence", c.PlateConfidence, "Confidence threshold sent to the plate service")
	fs.Float64Var(&c.PlateIoU, "plate-iou", c.PlateIoU, "IoU threshold sent to the plate service")
	fs.Float64Var(&c.PlateMinConf, "plate-min-conf", c.PlateMinConf, "Plate candidate confidence floor")
	fs.DurationVar(&c.PlateServiceTimeout, "plate-timeout", c.PlateServiceTimeout, "Plate service request timeout")

	fs.Float64Var(&c.EstimateMarginX, "estimate-margin-x", c.EstimateMarginX, "Horizontal margin of the estimated plate box")
	fs.Float64Var(&c.EstimateBandTop, "estimate-band-top", c.EstimateBandTop, "Top of the estimated plate band")
	fs.Float64Var(&c.EstimateBandHeight, "estimate-band-height", c.EstimateBandHeight, "Height of the estimated plate band")
	fs.Float64Var(&c.EstimateConfidence, "estimate-confidence", c.EstimateConfidence, "Confidence assigned to estimated candidates")

	fs.IntVar(&c.CropMinWidth, "crop-min-width", c.CropMinWidth, "Minimum plate crop width")
	fs.IntVar(&c.CropMinHeight, "crop-min-height", c.CropMinHeight, "Minimum plate crop height")
	fs.IntVar(&c.JPEGQuality, "jpeg-quality", c.JPEGQuality, "JPEG quality of plate crops")
	fs.IntVar(&c.CropUpscaleWidth, "crop-upscale-width", c.CropUpscaleWidth, "Upscale narrow crops to this width (0 = off)")

	fs.StringVar(&c.RecognitionBackend, "recognition", c.RecognitionBackend, "Recognition backend (http, rekognition)")
	fs.StringVar(&c.RecognitionURL, "recognition-url", c.RecognitionURL, "Recognition service endpoint")
	fs.DurationVar(&c.RecognitionTimeout, "recognition-timeout", c.RecognitionTimeout, "Recognition request timeout")
	fs.StringVar(&c.EventType, "event-type", c.EventType, "Event type sent with recognition requests (ENTRY, EXIT)")
	fs.Int64Var(&c.ParkingLotID, "lot-id", c.ParkingLotID, "Parking lot id sent with recognition requests")
	fs.StringVar(&c.AWSRegion, "aws-region", c.AWSRegion, "AWS region for the rekognition backend")

	fs.StringVar(&c.SuccessSound, "success-sound", c.SuccessSound, "Success audio cue")
	fs.StringVar(&c.FailureSound, "failure-sound", c.FailureSound, "Failure audio cue")
	fs.StringVar(&c.AudioPlayer, "audio-player", c.AudioPlayer, "Audio player command line")

	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Metrics server address")
	fs.StringVar(&c.PlateLogDB, "plate-db", c.PlateLogDB, "Processed plate log database")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %g", name, v))
		}
	}

	positive("poll interval", c.PollInterval)
	positive("display delay", c.DisplayDelay)
	positive("plate timeout", c.PlateServiceTimeout)
	positive("recognition timeout", c.RecognitionTimeout)
	if c.StartDelay < 0 {
		errs = append(errs, fmt.Errorf("start delay must not be negative, got %s", c.StartDelay))
	}
	if c.Countdown < 0 {
		errs = append(errs, fmt.Errorf("countdown must not be negative, got %s", c.Countdown))
	}

	unit("vehicle confidence floor", c.VehicleMinConf)
	unit("plate confidence", c.PlateConfidence)
	unit("plate IoU", c.PlateIoU)
	unit("plate confidence floor", c.PlateMinConf)
	unit("estimate confidence", c.EstimateConfidence)
	unit("estimate margin", c.EstimateMarginX)
	unit("estimate band top", c.EstimateBandTop)
	unit("estimate band height", c.EstimateBandHeight)

	if c.EstimateMarginX >= 0.5 {
		errs = append(errs, fmt.Errorf("estimate margin %g leaves no horizontal span", c.EstimateMarginX))
	}
	if c.EstimateBandHeight <= 0 || c.EstimateBandTop+c.EstimateBandHeight > 1 {
		errs = append(errs, fmt.Errorf("estimate band [%g, %g] is empty or outside the vehicle box",
			c.EstimateBandTop, c.EstimateBandTop+c.EstimateBandHeight))
	}
	if c.EstimateBandTop < 0.5 {
		errs = append(errs, fmt.Errorf("estimate band top %g is above the lower half of the vehicle", c.EstimateBandTop))
	}

	if len(c.VehicleClasses) == 0 {
		errs = append(errs, errors.New("at least one vehicle class is required"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg quality must be within [1,100], got %d", c.JPEGQuality))
	}
	if c.CropMinWidth < 1 || c.CropMinHeight < 1 {
		errs = append(errs, fmt.Errorf("crop minimum %dx%d must be positive", c.CropMinWidth, c.CropMinHeight))
	}

	switch c.EventType {
	case "ENTRY", "EXIT":
	default:
		errs = append(errs, fmt.Errorf("event type must be ENTRY or EXIT, got %q", c.EventType))
	}
	switch c.RecognitionBackend {
	case "http":
		if c.RecognitionURL == "" {
			errs = append(errs, errors.New("recognition url is required for the http backend"))
		}
	case "rekognition":
		if c.AWSRegion == "" {
			errs = append(errs, errors.New("aws region is required for the rekognition backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown recognition backend %q", c.RecognitionBackend))
	}

	return errors.Join(errs...)
}

type envReader struct {
	errs *[]error
}

func (e envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e envReader) fail(key, value string, err error) {
	*e.errs = append(*e.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (e envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e envReader) list(key string, dst *[]string) {
	if v, ok := e.lookup(key); ok {
		*dst = splitList(v)
	}
}

func (e envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (e envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (e envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (e envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
