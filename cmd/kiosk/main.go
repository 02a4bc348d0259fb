package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/platepay/kiosk-detector/internal/camera"
	"github.com/platepay/kiosk-detector/internal/config"
	"github.com/platepay/kiosk-detector/internal/crop"
	"github.com/platepay/kiosk-detector/internal/feedback"
	"github.com/platepay/kiosk-detector/internal/logger"
	"github.com/platepay/kiosk-detector/internal/metrics"
	"github.com/platepay/kiosk-detector/internal/monitor"
	"github.com/platepay/kiosk-detector/internal/objdetect"
	"github.com/platepay/kiosk-detector/internal/plate"
	"github.com/platepay/kiosk-detector/internal/platelog"
	"github.com/platepay/kiosk-detector/internal/recognition"
	"github.com/platepay/kiosk-detector/internal/session"
	"github.com/platepay/kiosk-detector/internal/vehicle"
	"github.com/platepay/kiosk-detector/pkg/types"
)

// Kiosk owns every long-lived component of the detector process.
type Kiosk struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics     *metrics.Metrics
	camera      camera.Source
	detector    *objdetect.SSD
	store       *platelog.Store
	feedback    *feedback.Signaler
	broadcaster *monitor.StatusBroadcaster
	machine     *session.Machine
	httpServer  *http.Server
}

func main() {
	// The .env file is applied before flags, but its path is itself a flag.
	envPath := lookupEnvFlag(os.Args[1:])

	cfg := config.Default()
	if err := cfg.LoadEnv(envPath); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.String("env", envPath, "Path to a .env file (missing file is ignored)")
	autoStart := fs.Bool("autostart", true, "Start the session loop at boot")
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	logger.Info("Main", "Kiosk detector starting...")
	logger.Info("Main", "Log level: %s", level)

	k, err := NewKiosk(cfg)
	if err != nil {
		log.Fatalf("Failed to create kiosk: %v", err)
	}

	if err := k.Start(*autoStart); err != nil {
		log.Fatalf("Failed to start kiosk: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := k.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Kiosk stopped")
}

// lookupEnvFlag returns the value of -env in args, or ".env".
func lookupEnvFlag(args []string) string {
	for i, a := range args {
		for _, name := range []string{"-env", "--env"} {
			if a == name && i+1 < len(args) {
				return args[i+1]
			}
			if v, ok := strings.CutPrefix(a, name+"="); ok {
				return v
			}
		}
	}
	return ".env"
}

// NewKiosk builds every component from cfg.
func NewKiosk(cfg config.Config) (*Kiosk, error) {
	ctx, cancel := context.WithCancel(context.Background())
	k := &Kiosk{cfg: cfg, ctx: ctx, cancel: cancel, metrics: metrics.New()}

	fail := func(err error) (*Kiosk, error) {
		k.closeComponents()
		cancel()
		return nil, err
	}

	// Camera
	if cfg.StillImage != "" {
		still, err := camera.LoadStill(cfg.StillImage)
		if err != nil {
			return fail(fmt.Errorf("failed to load still image: %w", err))
		}
		k.camera = still
		logger.Info("Main", "Using still image %s", cfg.StillImage)
	} else {
		cam, err := camera.OpenWebcam(cfg.CameraDevice, logger.For("Camera"))
		if err != nil {
			return fail(fmt.Errorf("failed to open camera %d: %w", cfg.CameraDevice, err))
		}
		k.camera = cam
	}

	// Vehicle detector
	ssd, err := objdetect.NewSSD(cfg.ModelPath, cfg.ModelConfigPath, cfg.DetectorInputDim, logger.For("Detector"))
	if err != nil {
		return fail(fmt.Errorf("failed to load detector: %w", err))
	}
	k.detector = ssd
	vehicles := vehicle.NewDetector(ssd, cfg.VehicleClasses, cfg.VehicleMinConf, logger.For("Vehicle"))

	// Plate localisation
	service := plate.NewServiceClient(plate.ServiceConfig{
		URL:           cfg.PlateServiceURL,
		ModelID:       cfg.PlateModelID,
		APIKey:        cfg.PlateAPIKey,
		Confidence:    cfg.PlateConfidence,
		IoU:           cfg.PlateIoU,
		Timeout:       cfg.PlateServiceTimeout,
		EncodeQuality: cfg.JPEGQuality,
	})
	localizer := plate.NewLocalizer(service, plate.LocalizerConfig{
		MinConfidence: cfg.PlateMinConf,
		Proportions: plate.Proportions{
			MarginX:    cfg.EstimateMarginX,
			BandTop:    cfg.EstimateBandTop,
			BandHeight: cfg.EstimateBandHeight,
		},
		EstimatedConfidence: cfg.EstimateConfidence,
	}, k.metrics, logger.For("Plate"))

	cropper := crop.New(crop.Options{
		MinWidth:     cfg.CropMinWidth,
		MinHeight:    cfg.CropMinHeight,
		Quality:      cfg.JPEGQuality,
		UpscaleWidth: cfg.CropUpscaleWidth,
	})

	// Recognition
	event := recognition.EventContext{EventType: cfg.EventType, ParkingLotID: cfg.ParkingLotID}
	var recognizer recognition.Client
	switch cfg.RecognitionBackend {
	case "rekognition":
		rek, err := recognition.NewRekognition(ctx, cfg.AWSRegion, cfg.RecognitionTimeout, logger.For("Recognition"))
		if err != nil {
			return fail(fmt.Errorf("failed to create rekognition client: %w", err))
		}
		recognizer = rek
	default:
		recognizer = recognition.NewHTTPClient(cfg.RecognitionURL, event, cfg.RecognitionTimeout, logger.For("Recognition"))
	}

	// Feedback
	var player feedback.Player = feedback.NopPlayer{}
	if cfg.AudioPlayer != "" {
		p, err := feedback.NewExecPlayer(cfg.AudioPlayer)
		if err != nil {
			logger.Warn("Main", "Audio disabled: %v", err)
		} else {
			player = p
		}
	}
	k.feedback = feedback.NewSignaler(player, cfg.SuccessSound, cfg.FailureSound, logger.For("Feedback"))

	// Plate log
	store, err := platelog.Open(cfg.PlateLogDB)
	if err != nil {
		return fail(err)
	}
	k.store = store

	k.broadcaster = monitor.NewStatusBroadcaster(monitor.DefaultConfig().ResyncInterval, k.metrics, logger.For("Broadcaster"))

	k.machine = session.New(session.Config{
		PollInterval: cfg.PollInterval,
		StartDelay:   cfg.StartDelay,
		Countdown:    cfg.Countdown,
		DisplayDelay: cfg.DisplayDelay,
	}, session.Deps{
		Camera:     k.camera,
		Vehicles:   vehicles,
		Plates:     localizer,
		Cropper:    cropper,
		Recognizer: recognizer,
		Feedback:   k.feedback,
		Event:      event,
		Metrics:    k.metrics,
		Log:        logger.For("Session"),
		OnStatus:   k.broadcaster.Publish,
		OnComplete: k.recordPlate,
	})

	statusServer := monitor.NewServer(ctx, monitor.DefaultConfig(), monitor.Deps{
		Control:     k.machine,
		Broadcaster: k.broadcaster,
		Plates:      store,
		Feedback:    k.feedback,
		Metrics:     k.metrics,
		Log:         logger.For("HTTP"),
	})
	k.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           statusServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return k, nil
}

// recordPlate appends a processed plate to the log. It runs on the session
// goroutine, so it is bounded.
func (k *Kiosk) recordPlate(p types.ProcessedPlate) {
	ctx, cancel := context.WithTimeout(k.ctx, 2*time.Second)
	defer cancel()
	if err := k.store.Append(ctx, p); err != nil {
		logger.Error("PlateLog", "Failed to record plate %s: %v", p.Plate, err)
		return
	}
	logger.Info("PlateLog", "Recorded %s (%s, lot %d)", p.Plate, p.EventType, p.LotID)
}

// Start launches the servers and, if autoStart, the session loop.
func (k *Kiosk) Start(autoStart bool) error {
	logger.Info("Main", "Starting kiosk detector...")
	logger.Info("Main", "  HTTP server: %s", k.cfg.HTTPAddr)
	logger.Info("Main", "  Metrics server: %s", k.cfg.MetricsAddr)
	logger.Info("Main", "  Plate service: %s", k.cfg.PlateServiceURL)
	logger.Info("Main", "  Recognition: %s (%s, lot %d)", k.cfg.RecognitionBackend, k.cfg.EventType, k.cfg.ParkingLotID)

	k.broadcaster.Start()

	if k.cfg.MetricsAddr != "" {
		go func() {
			logger.Info("Main", "Starting metrics server on %s", k.cfg.MetricsAddr)
			if err := k.metrics.StartServer(k.cfg.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		logger.Info("Main", "Starting HTTP server on %s", k.cfg.HTTPAddr)
		if err := k.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	if autoStart {
		k.machine.Start(k.ctx)
	} else {
		logger.Info("Main", "Session loop paused; POST /api/start to begin")
	}

	logger.Info("Main", "Kiosk started successfully")
	return nil
}

// Shutdown stops the loop, the servers and every component.
func (k *Kiosk) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	loopExited := true
	if err := k.machine.Stop(ctx); err != nil {
		errs = append(errs, err)
		loopExited = false
	}
	k.cancel()

	// Streaming handlers return once their channels close.
	k.broadcaster.Stop()
	if err := k.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	k.wg.Wait()

	// A loop stuck in a backend call may still touch the camera, the
	// detector or the plate log.
	if !loopExited {
		logger.Warn("Main", "Session loop still running; leaving components open")
		return errors.Join(errs...)
	}
	k.feedback.Clear()
	k.closeComponents()
	return errors.Join(errs...)
}

func (k *Kiosk) closeComponents() {
	if k.camera != nil {
		if err := k.camera.Close(); err != nil {
			logger.Warn("Main", "Camera close: %v", err)
		}
	}
	if k.detector != nil {
		_ = k.detector.Close()
	}
	if k.store != nil {
		if err := k.store.Close(); err != nil {
			logger.Warn("Main", "Plate log close: %v", err)
		}
	}
}
