// Package config assembles the server configuration from defaults, an
// optional HCL file, the environment (including a .env file) and command
// line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Brownie44l1/retina-api/internal/imaging"
	"github.com/joho/godotenv"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Config holds everything the server needs to start.
type Config struct {
	Port            int
	AllowedOrigins  []string
	MaxUploadBytes  int64
	ShutdownTimeout time.Duration

	ModelPaths       []string // candidates, first existing wins
	ModelLayer       string   // empty to detect
	ONNXRuntimeLib   string
	Normalization    string
	InferenceWorkers int

	EnableGradCAM bool
	Alpha         float64
	KernelSize    int
	CircularMask  bool
	MaskMargin    int

	LogLevel  string
	LogFormat string

	ConfigFile string
	EnvFile    string
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Port:             8000,
		AllowedOrigins:   []string{"http://localhost:5173"},
		MaxUploadBytes:   16 << 20,
		ShutdownTimeout:  10 * time.Second,
		Normalization:    string(imaging.SchemeRaw),
		InferenceWorkers: 1,
		EnableGradCAM:    true,
		Alpha:            0.4,
		KernelSize:       11,
		CircularMask:     true,
		MaskMargin:       5,
		LogLevel:         "info",
		LogFormat:        "text",
		EnvFile:          ".env",
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("max upload size must be positive"))
	}
	if c.InferenceWorkers < 1 {
		errs = append(errs, fmt.Errorf("inference workers must be at least 1, got %d", c.InferenceWorkers))
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		errs = append(errs, fmt.Errorf("alpha %v outside [0,1]", c.Alpha))
	}
	if c.KernelSize < 1 || c.KernelSize%2 == 0 {
		errs = append(errs, fmt.Errorf("kernel size must be odd and positive, got %d", c.KernelSize))
	}
	if c.MaskMargin < 0 {
		errs = append(errs, fmt.Errorf("mask margin must not be negative, got %d", c.MaskMargin))
	}
	if _, err := imaging.ParseScheme(c.Normalization); err != nil {
		errs = append(errs, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", c.LogLevel))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Load builds the configuration. It returns true when the program should
// exit cleanly (help was requested), or an *ExitError for bad input.
func Load(args []string, output io.Writer) (*Config, bool, error) {
	cfg := Default()
	flagSet := flag.NewFlagSet("retina-api", flag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.Usage = func() {
		fmt.Fprint(output, `
retina-api - fundus image classification with Grad-CAM explanations.

Usage:
  retina-api [options]

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "", "Path to an HCL configuration file.")
	envFileFlag := flagSet.String("env-file", cfg.EnvFile, "Path to a .env file. Missing files are ignored.")
	portFlag := flagSet.Int("port", cfg.Port, "Port to listen on.")
	modelFlag := flagSet.String("model", "", "Comma-separated model paths to try in order.")
	layerFlag := flagSet.String("layer", "", "Convolutional layer to explain. Detected when empty.")
	ortFlag := flagSet.String("onnxruntime-lib", "", "Path to the ONNX Runtime shared library.")
	gradcamFlag := flagSet.Bool("gradcam", cfg.EnableGradCAM, "Attach Grad-CAM heatmaps to predictions.")
	alphaFlag := flagSet.Float64("alpha", cfg.Alpha, "Heatmap weight in the overlay, 0 to 1.")
	workersFlag := flagSet.Int("workers", cfg.InferenceWorkers, "Number of concurrent inferences.")
	originsFlag := flagSet.String("allowed-origins", "", "Comma-separated CORS origins.")
	logFormatFlag := flagSet.String("log-format", cfg.LogFormat, "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", cfg.LogLevel, "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	set := map[string]bool{}
	flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg.EnvFile = *envFileFlag
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, false, &ExitError{Code: 2, Message: fmt.Sprintf("failed to load %s: %v", cfg.EnvFile, err)}
		}
	}

	cfg.ConfigFile = getEnv("CONFIG_FILE", "")
	if set["config"] {
		cfg.ConfigFile = *configFlag
	}
	if cfg.ConfigFile != "" {
		if err := applyFile(&cfg, cfg.ConfigFile); err != nil {
			return nil, false, &ExitError{Code: 2, Message: err.Error()}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if set["port"] {
		cfg.Port = *portFlag
	}
	if set["model"] {
		cfg.ModelPaths = append(splitList(*modelFlag), cfg.ModelPaths...)
	}
	if set["layer"] {
		cfg.ModelLayer = *layerFlag
	}
	if set["onnxruntime-lib"] {
		cfg.ONNXRuntimeLib = *ortFlag
	}
	if set["gradcam"] {
		cfg.EnableGradCAM = *gradcamFlag
	}
	if set["alpha"] {
		cfg.Alpha = *alphaFlag
	}
	if set["workers"] {
		cfg.InferenceWorkers = *workersFlag
	}
	if set["allowed-origins"] {
		cfg.AllowedOrigins = splitList(*originsFlag)
	}
	if set["log-format"] {
		cfg.LogFormat = *logFormatFlag
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevelFlag
	}
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	return &cfg, false, nil
}

func applyEnv(cfg *Config) error {
	if v := getEnv("PORT", ""); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := getEnv("ENABLE_GRADCAM", ""); v != "" {
		enabled, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ENABLE_GRADCAM: %w", err)
		}
		cfg.EnableGradCAM = enabled
	}
	if v := getEnv("MODEL_PATH", ""); v != "" {
		cfg.ModelPaths = append(splitList(v), cfg.ModelPaths...)
	}
	cfg.ModelLayer = getEnv("GRADCAM_LAYER", cfg.ModelLayer)
	cfg.ONNXRuntimeLib = getEnv("ONNXRUNTIME_LIB", cfg.ONNXRuntimeLib)
	cfg.Normalization = getEnv("INPUT_NORMALIZATION", cfg.Normalization)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parseBool accepts strconv forms plus yes/no and on/off.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(strings.TrimSpace(s))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
