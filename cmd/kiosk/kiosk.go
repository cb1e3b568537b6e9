package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"

	"github.com/banshee-data/attendance.kiosk/internal/actuator"
	"github.com/banshee-data/attendance.kiosk/internal/api"
	"github.com/banshee-data/attendance.kiosk/internal/attendance"
	"github.com/banshee-data/attendance.kiosk/internal/badge"
	"github.com/banshee-data/attendance.kiosk/internal/config"
	"github.com/banshee-data/attendance.kiosk/internal/db"
	"github.com/banshee-data/attendance.kiosk/internal/detect"
	"github.com/banshee-data/attendance.kiosk/internal/feedback"
	"github.com/banshee-data/attendance.kiosk/internal/fsutil"
	"github.com/banshee-data/attendance.kiosk/internal/kiosk"
	"github.com/banshee-data/attendance.kiosk/internal/monitoring"
	"github.com/banshee-data/attendance.kiosk/internal/serialmux"
	"github.com/banshee-data/attendance.kiosk/internal/timeutil"
	"github.com/banshee-data/attendance.kiosk/internal/version"
)

const defaultConfig = "kiosk.yaml"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		os.Exit(runMigrate(os.Args[2:], os.Stdin, os.Stdout))
	}

	parser := argparse.NewParser("attendance-kiosk", "Badge attendance checkpoint with attribute detection")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Kiosk configuration file (.yaml or .json)", Default: defaultConfig})
	serialPort := parser.String("", "serial", &argparse.Options{Help: "Badge bridge serial port; overrides the config file. Empty runs a virtual bridge", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address; overrides the config file", Default: ""})
	storePath := parser.String("", "store", &argparse.Options{Help: "Attendance file or database; overrides the config file", Default: ""})
	devMode := parser.Flag("", "dev", &argparse.Options{Help: "Run without hardware: virtual bridge, no servo, no camera probe", Default: false})
	showVersion := parser.Flag("", "version", &argparse.Options{Help: "Print version and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	monitoring.UseLog(logger)
	logger.Infof("Starting %v", version.String())

	if err := run(logger, options{
		configFile: *configFile,
		serialPort: *serialPort,
		listen:     *listen,
		storePath:  *storePath,
		dev:        *devMode,
	}); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

// runMigrate handles "attendance-kiosk migrate [--db path] <action> [args]".
func runMigrate(args []string, in io.Reader, out io.Writer) int {
	path := "attendance.db"
	if len(args) >= 2 && args[0] == "--db" {
		path = args[1]
		args = args[2:]
	}
	if err := db.RunMigrateCommand(args, path, in, out); err != nil {
		if !errors.Is(err, db.ErrUsage) {
			fmt.Fprintf(out, "migrate: %v\n", err)
		}
		return 1
	}
	return 0
}

type options struct {
	configFile string
	serialPort string
	listen     string
	storePath  string
	dev        bool
}

func loadConfig(logger logs.Log, opt options) (*config.Watcher, error) {
	if _, err := os.Stat(opt.configFile); errors.Is(err, os.ErrNotExist) && opt.dev {
		logger.Warnf("No config at %v, running on defaults", opt.configFile)
		return config.StaticWatcher(config.DefaultKioskConfig()), nil
	}
	return config.NewWatcher(logger, opt.configFile)
}

func openStore(logger logs.Log, cfg *config.KioskConfig, path string) (attendance.Store, func(), error) {
	if path == "" {
		path = cfg.GetStorePath()
	}
	switch cfg.GetStoreDriver() {
	case config.StoreSQLite:
		database, err := db.NewDB(path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening attendance database: %w", err)
		}
		database.Location = cfg.GetLocation()
		logger.Infof("Attendance database %v", path)
		return database, func() { database.Close() }, nil
	default:
		js, err := attendance.NewJSONStore(fsutil.OSFileSystem{}, path, cfg.GetLocation())
		if err != nil {
			return nil, nil, fmt.Errorf("opening attendance file: %w", err)
		}
		logger.Infof("Attendance file %v", path)
		return js, func() {}, nil
	}
}

func openBridge(logger logs.Log, cfg *config.KioskConfig, opt options) (serialmux.SerialMuxInterface, error) {
	port := cfg.Serial.Port
	if opt.serialPort != "" {
		port = opt.serialPort
	}
	if opt.dev || port == "" {
		logger.Infof("Using virtual badge bridge; inject taps at /debug/serial-inject")
		return serialmux.NewVirtualSerialMux(), nil
	}
	m, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: cfg.GetBaudRate()})
	if err != nil {
		return nil, fmt.Errorf("opening badge bridge %v: %w", port, err)
	}
	if err := m.Initialize(); err != nil {
		m.Close()
		return nil, fmt.Errorf("initializing badge bridge: %w", err)
	}
	return m, nil
}

// checkDetector warns about required attributes the model cannot see.
func checkDetector(ctx context.Context, logger logs.Log, d detect.Detector, required []string) {
	lister, ok := d.(detect.ClassLister)
	if !ok {
		return
	}
	classes, err := lister.Classes(ctx)
	if err != nil {
		logger.Warnf("Could not list detector classes: %v", err)
		return
	}
	logger.Infof("Detector knows %d classes", len(classes))
	for _, c := range detect.MissingClasses(required, classes) {
		logger.Warnf("Required attribute %q is not a detector class; it can never be seen", c)
	}
}

// errBridgeEnded is reported when the bridge monitor returns while the
// kiosk is still running, for example at EOF after the USB bridge is
// unplugged.
var errBridgeEnded = errors.New("monitor ended")

// superviseBridge runs the bridge monitor until ctx is done. If the monitor
// returns first, the failure is logged, stop is called and the error is sent
// on the returned channel, which is closed once the monitor has returned.
func superviseBridge(ctx context.Context, logger logs.Log, bridge serialmux.SerialMuxInterface, stop func()) <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		err := bridge.Monitor(ctx)
		if ctx.Err() != nil {
			logger.Infof("Badge bridge monitor stopped")
			return
		}
		if err == nil {
			err = errBridgeEnded
		}
		logger.Errorf("Badge bridge monitor failed, shutting down: %v", err)
		errc <- fmt.Errorf("badge bridge failed: %w", err)
		stop()
	}()
	return errc
}

func run(logger logs.Log, opt options) error {
	watcher, err := loadConfig(logger, opt)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	watcher.OnReload = func(cfg *config.KioskConfig) {
		logger.Infof("Config reloaded: required=%v window=%v", cfg.GetRequiredObjects(), cfg.GetDetectionWindow())
	}
	cfg := watcher.Current()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watcher.Start(ctx); err != nil {
		logger.Warnf("Config hot reload disabled: %v", err)
	}

	store, closeStore, err := openStore(logger, cfg, opt.storePath)
	if err != nil {
		return err
	}
	defer closeStore()

	bridge, err := openBridge(logger, cfg, opt)
	if err != nil {
		return err
	}
	defer bridge.Close()

	clock := timeutil.RealClock{}
	reader := badge.NewSerialReader(logger, clock, bridge)
	defer reader.Close()

	var servo actuator.Servo = actuator.NopServo{}
	if !opt.dev && cfg.GetActuatorEnabled() {
		ss := actuator.NewSerialServo(logger, bridge)
		ss.Duty = cfg.GetServoCommand() == config.ServoDuty
		servo = ss
	}

	client := &http.Client{}
	camera := detect.NewSnapshotCamera(client, cfg.Detector.CameraURL, cfg.GetDetectorTimeout())
	detector := detect.NewHTTPDetector(client, cfg.Detector.URL, cfg.GetDetectorTimeout())
	if !opt.dev {
		if err := detect.Probe(ctx, camera, 3, 2); err != nil {
			return err
		}
		checkDetector(ctx, logger, detector, cfg.GetRequiredObjects())
	}

	keys := feedback.NewKeyInput()
	go keys.Listen(logger, os.Stdin)
	quit := keys.Quit()
	skip := keys.Skip()

	display := feedback.NewDisplay()
	player := feedback.NewCommandPlayer(logger, cfg.GetPlayer())
	orch := &kiosk.Orchestrator{
		Log:    logger,
		Clock:  clock,
		Config: watcher,
		Coordinator: &kiosk.Coordinator{
			Log:         logger,
			Clock:       clock,
			Reader:      reader,
			Display:     display,
			Quit:        quit,
			ReadTimeout: cfg.GetReadTimeout(),
			RetryDelay:  cfg.GetRetryDelay(),
			JoinTimeout: cfg.GetJoinTimeout(),
		},
		Store:    store,
		Camera:   camera,
		Detector: detector,
		Presenter: &feedback.Presenter{
			Log:      logger,
			Clock:    clock,
			Display:  display,
			Player:   player,
			MediaDir: cfg.Media.Dir,
			Quit:     quit,
			Skip:     skip,
		},
		Servo: servo,
		Quit:  quit,
		Skip:  skip,
		OnRestart: func(ctx context.Context) error {
			if opt.dev {
				return nil
			}
			return detect.Probe(ctx, camera, 3, 2)
		},
	}

	var wg sync.WaitGroup

	// run the monitor routine to manage IO on the serial port
	bridgeErr := superviseBridge(ctx, logger, bridge, stop)

	mux := http.NewServeMux()
	if database, ok := store.(*db.DB); ok {
		if err := database.AttachAdminRoutes(mux); err != nil {
			logger.Warnf("Database admin routes unavailable: %v", err)
		}
	}
	bridge.AttachAdminRoutes(mux)
	srv := &api.Server{
		Log:    logger,
		Clock:  clock,
		Config: watcher,
		Store:  store,
		Status: orch,
		Screen: display,
		Serial: bridge,
	}
	mux.Handle("/", srv.ServeMux())

	addr := cfg.GetListen()
	if opt.listen != "" {
		addr = opt.listen
	}
	server := &http.Server{
		Addr:    addr,
		Handler: api.LoggingMiddleware(logger, mux),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			logger.Infof("Listening on %v", addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("HTTP server failed: %v", err)
			}
		}()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("HTTP server shutdown error: %v", err)
		}
		logger.Infof("HTTP server stopped")
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	runErr := orch.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	player.Stop()
	stop()
	wg.Wait()
	if err := <-bridgeErr; err != nil {
		return err
	}

	switch {
	case runErr == nil, errors.Is(runErr, kiosk.ErrShutdown), errors.Is(runErr, context.Canceled):
		logger.Infof("Graceful shutdown complete")
		return nil
	default:
		return fmt.Errorf("session loop: %w", runErr)
	}
}
