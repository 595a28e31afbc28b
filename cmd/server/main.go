package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"

	"github.com/Brownie44l1/retina-api/internal/config"
	"github.com/Brownie44l1/retina-api/internal/ctxlog"
	"github.com/Brownie44l1/retina-api/internal/gradcam"
	"github.com/Brownie44l1/retina-api/internal/handlers"
	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/Brownie44l1/retina-api/internal/model"
	"github.com/Brownie44l1/retina-api/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var exitErr *config.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		slog.Error("Server failed.", "error", err)
		os.Exit(1)
	}
}

// run starts the API and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, exit, err := config.Load(args, stderr)
	if err != nil || exit {
		return err
	}
	logger := cfg.NewLogger(stdout)
	slog.SetDefault(logger)
	ctx = ctxlog.WithLogger(ctx, logger)

	models := model.NewServer()
	defer models.Close()
	opts := model.LoadOptions{
		Candidates:  slices.Concat(cfg.ModelPaths, model.DefaultCandidates(projectRoot())),
		Layer:       cfg.ModelLayer,
		LibraryPath: cfg.ONNXRuntimeLib,
	}
	if err := models.Load(ctx, opts); err != nil {
		logger.Warn("No model loaded, serving in degraded mode.", "error", err)
	} else {
		st := models.Status()
		logger.Info("Model ready.", "path", st.Path, "layer", st.Layer, "classes", st.Meta.Classes)
	}

	scheme, _ := imaging.ParseScheme(cfg.Normalization)
	analyzer := service.NewAnalyzer(models, service.Options{
		EnableGradCAM: cfg.EnableGradCAM,
		Scheme:        scheme,
		Workers:       cfg.InferenceWorkers,
		GradCAM: gradcam.Options{
			Alpha:        cfg.Alpha,
			KernelSize:   cfg.KernelSize,
			CircularMask: cfg.CircularMask,
			MaskMargin:   cfg.MaskMargin,
		},
	})
	h := handlers.NewHandler(models, analyzer, cfg.MaxUploadBytes)

	srv := newHTTPServer(ctx, ":"+strconv.Itoa(cfg.Port),
		handlers.RequestLogger(logger, handlers.CORS(cfg.AllowedOrigins, h.Routes())))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting.", "addr", srv.Addr, "gradcam", cfg.EnableGradCAM, "origins", cfg.AllowedOrigins)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down.", "timeout", cfg.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newHTTPServer serves h on addr. Request contexts carry the values of ctx
// but not its cancellation, so a shutdown signal lets in-flight requests
// finish within the shutdown timeout.
func newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:        addr,
		Handler:     h,
		BaseContext: func(net.Listener) context.Context { return base },
	}
}

// projectRoot is the working directory, or the repository root when run
// from cmd/server.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(wd) == "server" {
		return filepath.Join(wd, "..", "..")
	}
	return wd
}
