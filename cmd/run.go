package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/engine"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/notify"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/publisher"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/web"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 480

	drainTimeout    = 5 * time.Second
	shutdownTimeout = 5 * time.Second
	configPollEvery = 2 * time.Second
	pruneEvery      = time.Hour
)

// RunOptions are the flags of the run command. Zero values keep the config file setting.
type RunOptions struct {
	Port          int
	EveryNthFrame int
	Threshold     float64
	RedactUnknown bool
	JPEGQuality   int
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the camera pipelines, attendance ledger and HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := applyRunOptions(Cfg, runOpts); err != nil {
			utils.ShowError("Invalid flags", err, nil)
			return err
		}
		return runEngine(cmd.Context(), Cfg, newLogger())
	},
}

func init() {
	runCmd.Flags().IntVarP(&runOpts.Port, "port", "p", 0, "HTTP port (overrides http.port)")
	runCmd.Flags().IntVarP(&runOpts.EveryNthFrame, "every", "n", 0, "Run recognition on every Nth frame (overrides recognition.every_nth_frame)")
	runCmd.Flags().Float64VarP(&runOpts.Threshold, "threshold", "t", 0, "Maximum cosine distance to accept a match (overrides recognition.accept_threshold)")
	runCmd.Flags().BoolVar(&runOpts.RedactUnknown, "redact-unknown", false, "Blur unrecognized faces in published frames")
	runCmd.Flags().IntVarP(&runOpts.JPEGQuality, "quality", "q", 80, "JPEG quality of published frames (1-100)")
	rootCmd.AddCommand(runCmd)
}

// applyRunOptions folds the flags into cfg and revalidates it.
func applyRunOptions(cfg *config.Config, opts RunOptions) error {
	if opts.JPEGQuality < 1 || opts.JPEGQuality > 100 {
		return fmt.Errorf("--quality must be between 1 and 100, got %d", opts.JPEGQuality)
	}
	if opts.Port != 0 {
		cfg.HTTP.Port = opts.Port
	}
	if opts.EveryNthFrame != 0 {
		cfg.Recognition.EveryNthFrame = opts.EveryNthFrame
	}
	if opts.Threshold != 0 {
		cfg.Recognition.AcceptThreshold = opts.Threshold
	}
	return cfg.Validate()
}

// policyFor builds the attendance rules from the configuration.
func policyFor(cfg *config.Config) (attendance.Policy, error) {
	loc, err := cfg.Location()
	if err != nil {
		return attendance.Policy{}, err
	}
	return attendance.Policy{
		OfficeStart: cfg.OfficeStart(),
		WorkGap:     cfg.Attendance.WorkGap,
		Throttle:    cfg.Attendance.Throttle,
		Location:    loc,
	}, nil
}

// gallerySource picks the template store named by gallery.backend.
func gallerySource(cfg *config.Config) (gallery.Source, error) {
	switch cfg.Gallery.Backend {
	case "postgres":
		if DB == nil {
			return nil, errors.New("gallery backend postgres needs a database")
		}
		return DB.Templates(), nil
	default:
		return gallery.NewFileSource(cfg.Gallery.Path), nil
	}
}

// supervisedRecognizer ties a camera's recognizer to the sidecar it owns.
type supervisedRecognizer struct {
	*recognition.Engine
	sup *worker.Supervisor
}

func (r *supervisedRecognizer) Close() error {
	return r.sup.Close()
}

func recognizerFactory(cfg *config.Config, logger *slog.Logger) engine.RecognizerFactory {
	wcfg := workerConfig(cfg)
	matcher := recognition.Matcher{
		AcceptThreshold: cfg.Recognition.AcceptThreshold,
		Margin:          cfg.Recognition.Margin,
	}
	return func(cam types.CameraSource) engine.Recognizer {
		camLogger := logger.With("camera_id", cam.ID)
		sup := worker.NewSupervisor(cam.ID, wcfg, cfg.Worker.RestartDelay, camLogger)
		return &supervisedRecognizer{
			Engine: recognition.NewEngine(sup, sup, matcher, camLogger),
			sup:    sup,
		}
	}
}

// reportSkipped prints one warning per camera entry that could not be used.
func reportSkipped(errs []error) {
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "⚠️  Skipping camera: %v\n", err)
	}
}

func runEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	policy, err := policyFor(cfg)
	if err != nil {
		utils.ShowError("Invalid attendance settings", err, nil)
		return err
	}

	cams, skipped := config.ValidCameras(cfg.Cameras)
	reportSkipped(skipped)
	if len(cams) == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  No usable cameras configured. Add some with PUT /api/v1/cameras or the config file.")
	}

	// 1. Gallery
	src, err := gallerySource(cfg)
	if err != nil {
		utils.ShowError("Failed to open gallery", err, nil)
		return err
	}
	loader := gallery.NewLoader(src, logger)
	g := loader.Load(ctx)
	fmt.Fprintf(os.Stderr, "🧠 Gallery loaded: %d identities (version %d)\n", g.Len(), g.Version)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loader.Watch(ctx, cfg.Gallery.RefreshInterval)
	}()

	// 2. Attendance ledger, persisted when a database is configured
	var persister *attendance.Persister
	if DB != nil {
		persister = attendance.NewPersister(DB, logger)
	} else {
		fmt.Fprintln(os.Stderr, "⚠️  No database configured. Attendance is kept in memory only.")
	}

	var notifier attendance.Notifier
	if cfg.MQTT.Broker != "" {
		n, err := notify.Connect(cfg.MQTT, logger)
		if err != nil {
			// Marks are still recorded; only the notifications are lost
			utils.ShowError("MQTT unavailable, notifications disabled", err, nil)
		} else {
			notifier = n
			wg.Add(1)
			go func() {
				defer wg.Done()
				n.Run(ctx)
			}()
		}
	}

	ledger := attendance.NewLedger(policy, persister, notifier, logger)
	if DB != nil {
		today := policy.DateKey(time.Now())
		entries, err := DB.AttendanceForDate(ctx, today)
		if err != nil {
			logger.Warn("could not restore today's attendance", "date", today, "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "📋 Restored %d attendance entries for %s\n", ledger.Restore(entries), today)
		}
	}

	persisterDone := make(chan struct{})
	if persister != nil {
		go func() {
			defer close(persisterDone)
			persister.Run(ctx, drainTimeout)
		}()
	} else {
		close(persisterDone)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pruneLedger(ctx, ledger, policy, logger)
	}()

	// 3. Camera pipelines
	pub := publisher.New(placeholderWidth, placeholderHeight)
	opener := capture.FFmpegOpener{
		MaxWidth:    cfg.Capture.MaxWidth,
		FPS:         cfg.Capture.MaxFPS,
		ReadTimeout: cfg.Capture.ReadTimeout,
	}
	eng := engine.New(engine.Config{
		EveryNthFrame:    cfg.Recognition.EveryNthFrame,
		ConfirmThreshold: cfg.Recognition.ConfirmThreshold,
		ReconnectDelay:   cfg.Capture.ReconnectDelay,
		MaxWidth:         cfg.Capture.MaxWidth,
		MaxFPS:           cfg.Capture.MaxFPS,
		JPEGQuality:      runOpts.JPEGQuality,
		Overlay:          overlay.Options{RedactUnknown: runOpts.RedactUnknown},
	}, opener, recognizerFactory(cfg, logger), loader, ledger, pub, logger)

	fmt.Fprintf(os.Stderr, "🚀 Starting %d camera pipelines (recognition every %d frames)...\n",
		len(cams), cfg.Recognition.EveryNthFrame)
	eng.Start(ctx, cams)

	if configPath != "" {
		watcher := config.NewWatcher(configPath, configPollEvery, func(updated []types.CameraSource) {
			valid, errs := config.ValidCameras(updated)
			reportSkipped(errs)
			if added := eng.ApplyCameras(valid); len(added) > 0 {
				logger.Info("cameras added from config", "camera_ids", added)
			}
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(ctx)
		}()
	}

	// 4. HTTP
	srv := web.NewServer(web.Deps{
		Cameras:    eng,
		Frames:     pub,
		Attendance: ledger,
		Gallery:    loader,
		Logger:     logger,
	}, cfg.HTTP.Port)
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start()
	}()
	fmt.Fprintf(os.Stderr, "🌐 Serving on http://localhost:%d (feeds at /video_feed/<camera_id>)\n", cfg.HTTP.Port)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		if runErr != nil {
			utils.ShowError("HTTP server stopped", runErr, nil)
		}
	}

	// 5. Shutdown
	fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("web server shutdown", "error", err)
	}
	stop()
	eng.Wait()
	wg.Wait()
	<-persisterDone
	if runErr != nil {
		return runErr
	}

	fmt.Fprintf(os.Stderr, "🏁 Stopped. %d identities seen today.\n", len(ledger.Snapshot(policy.DateKey(time.Now()))))
	return nil
}

// pruneLedger drops past days from memory once they are behind us.
func pruneLedger(ctx context.Context, ledger *attendance.Ledger, policy attendance.Policy, logger *slog.Logger) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := ledger.Prune(policy.DateKey(now)); n > 0 {
				logger.Debug("pruned past attendance days", "entries", n)
			}
		}
	}
}
