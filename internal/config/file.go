package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclConfigFile represents the top-level structure of a configuration file.
// Every block and attribute is optional.
type hclConfigFile struct {
	Server  *hclServerBlock  `hcl:"server,block"`
	Model   *hclModelBlock   `hcl:"model,block"`
	GradCAM *hclGradCAMBlock `hcl:"gradcam,block"`
	Log     *hclLogBlock     `hcl:"log,block"`
}

type hclServerBlock struct {
	Port            *int     `hcl:"port,optional"`
	AllowedOrigins  []string `hcl:"allowed_origins,optional"`
	MaxUploadMB     *int     `hcl:"max_upload_mb,optional"`
	ShutdownTimeout *string  `hcl:"shutdown_timeout,optional"`
}

type hclModelBlock struct {
	Paths          []string `hcl:"paths,optional"`
	Layer          *string  `hcl:"layer,optional"`
	ONNXRuntimeLib *string  `hcl:"onnxruntime_lib,optional"`
	Normalization  *string  `hcl:"normalization,optional"`
	Workers        *int     `hcl:"workers,optional"`
}

type hclGradCAMBlock struct {
	Enabled      *bool    `hcl:"enabled,optional"`
	Alpha        *float64 `hcl:"alpha,optional"`
	KernelSize   *int     `hcl:"kernel_size,optional"`
	CircularMask *bool    `hcl:"circular_mask,optional"`
	MaskMargin   *int     `hcl:"mask_margin,optional"`
}

type hclLogBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// envContext exposes the process environment to expressions as env.NAME.
func envContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			vars[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// applyFile parses an HCL file and copies every attribute it sets into cfg.
func applyFile(cfg *Config, path string) error {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclConfigFile
	diags = gohcl.DecodeBody(hclFile.Body, envContext(), &parsed)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	if s := parsed.Server; s != nil {
		setIf(&cfg.Port, s.Port)
		if s.AllowedOrigins != nil {
			cfg.AllowedOrigins = s.AllowedOrigins
		}
		if s.MaxUploadMB != nil {
			cfg.MaxUploadBytes = int64(*s.MaxUploadMB) << 20
		}
		if s.ShutdownTimeout != nil {
			d, err := time.ParseDuration(*s.ShutdownTimeout)
			if err != nil {
				return fmt.Errorf("%s: invalid shutdown_timeout: %w", path, err)
			}
			cfg.ShutdownTimeout = d
		}
	}
	if m := parsed.Model; m != nil {
		if m.Paths != nil {
			cfg.ModelPaths = m.Paths
		}
		setIf(&cfg.ModelLayer, m.Layer)
		setIf(&cfg.ONNXRuntimeLib, m.ONNXRuntimeLib)
		setIf(&cfg.Normalization, m.Normalization)
		setIf(&cfg.InferenceWorkers, m.Workers)
	}
	if g := parsed.GradCAM; g != nil {
		setIf(&cfg.EnableGradCAM, g.Enabled)
		setIf(&cfg.Alpha, g.Alpha)
		setIf(&cfg.KernelSize, g.KernelSize)
		setIf(&cfg.CircularMask, g.CircularMask)
		setIf(&cfg.MaskMargin, g.MaskMargin)
	}
	if l := parsed.Log; l != nil {
		setIf(&cfg.LogLevel, l.Level)
		setIf(&cfg.LogFormat, l.Format)
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
