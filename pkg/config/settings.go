package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/shipyard/pkg/engine"
	"github.com/openfroyo/shipyard/pkg/telemetry"
)

// DefaultSettingsFile is read from the working directory when present.
const DefaultSettingsFile = "shipyard.yaml"

// Settings configures the shipyard tool itself. Command line flags override them.
type Settings struct {
	// Recipe is the Starlark recipe executed at startup.
	Recipe string `yaml:"recipe" validate:"required"`

	// Inventory is the YAML or CUE host inventory.
	Inventory string `yaml:"inventory" validate:"required"`

	// Store is the SQLite run journal. Empty disables the journal.
	Store string `yaml:"store"`

	Lock    LockSettings    `yaml:"lock"`
	Run     RunSettings     `yaml:"run"`
	Policy  PolicySettings  `yaml:"policy"`
	Logging LoggingSettings `yaml:"logging"`
	Tracing TracingSettings `yaml:"tracing"`
	Metrics MetricsSettings `yaml:"metrics"`
}

// LockSettings selects the deployment lock.
type LockSettings struct {
	// Strategy is memory, file, remote or none.
	Strategy string `yaml:"strategy" validate:"oneof=memory file remote none"`

	// Dir holds the lock files of the file strategy.
	Dir string `yaml:"dir" validate:"required_if=Strategy file"`

	// Path is the lock file template of the remote strategy.
	Path string `yaml:"path" validate:"required_if=Strategy remote"`
}

// RunSettings are the defaults of "shipyard run".
type RunSettings struct {
	Parallel      bool `yaml:"parallel"`
	MaxParallel   int  `yaml:"max_parallel" validate:"min=0"`
	StopOnFailure bool `yaml:"stop_on_failure"`
}

// PolicySettings configures the run policy gate.
type PolicySettings struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego files or directories loaded next to the built-in policies.
	Paths []string `yaml:"paths"`
}

type LoggingSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output" validate:"required"`
	Caller bool   `yaml:"caller"`
}

type TracingSettings struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"oneof=stdout otlp none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

type MetricsSettings struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path" validate:"required"`
	Namespace     string `yaml:"namespace" validate:"required"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() *Settings {
	t := telemetry.DefaultConfig()
	return &Settings{
		Recipe:    "deploy.star",
		Inventory: "inventory.yaml",
		Store:     ".shipyard/journal.db",
		Lock: LockSettings{
			Strategy: "file",
			Dir:      ".shipyard/locks",
			Path:     engine.DefaultRemoteLockPath,
		},
		Run: RunSettings{
			MaxParallel: 0,
		},
		Policy: PolicySettings{
			Enabled: true,
		},
		Logging: LoggingSettings{
			Level:  t.Logging.Level,
			Format: t.Logging.Format,
			Output: "stderr",
		},
		Tracing: TracingSettings{
			Enabled:      false,
			Exporter:     t.Tracing.Exporter,
			SamplingRate: t.Tracing.SamplingRate,
			Insecure:     t.Tracing.Insecure,
		},
		Metrics: MetricsSettings{
			Enabled:       false,
			ListenAddress: t.Metrics.ListenAddress,
			Path:          t.Metrics.Path,
			Namespace:     t.Metrics.Namespace,
		},
	}
}

// LoadSettings reads path over the defaults, applies SHIPYARD_* environment
// overrides and validates the result. An empty path skips the file.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}

	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// ApplyEnv overrides settings from SHIPYARD_* variables.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = b
		return nil
	}

	str("SHIPYARD_RECIPE", &s.Recipe)
	str("SHIPYARD_INVENTORY", &s.Inventory)
	str("SHIPYARD_STORE", &s.Store)
	str("SHIPYARD_LOCK", &s.Lock.Strategy)
	str("SHIPYARD_LOCK_DIR", &s.Lock.Dir)
	str("SHIPYARD_LOG_LEVEL", &s.Logging.Level)
	str("SHIPYARD_LOG_FORMAT", &s.Logging.Format)
	str("SHIPYARD_TRACING_EXPORTER", &s.Tracing.Exporter)
	str("SHIPYARD_OTLP_ENDPOINT", &s.Tracing.Endpoint)
	str("SHIPYARD_METRICS_ADDRESS", &s.Metrics.ListenAddress)

	if v, ok := lookup("SHIPYARD_MAX_PARALLEL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SHIPYARD_MAX_PARALLEL: %w", err)
		}
		s.Run.MaxParallel = n
	}
	if v, ok := lookup("SHIPYARD_POLICY_PATHS"); ok {
		s.Policy.Paths = splitList(v)
	}

	for name, dst := range map[string]*bool{
		"SHIPYARD_PARALLEL":        &s.Run.Parallel,
		"SHIPYARD_STOP_ON_FAILURE": &s.Run.StopOnFailure,
		"SHIPYARD_POLICY":          &s.Policy.Enabled,
		"SHIPYARD_TRACING":         &s.Tracing.Enabled,
		"SHIPYARD_METRICS":         &s.Metrics.Enabled,
	} {
		if err := boolean(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every field constraint.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate settings: %w", err)
		}
		errs := make(ValidationErrors, len(fieldErrs))
		for i, fe := range fieldErrs {
			errs[i] = ValidationError{
				Path:     inventoryPath(fe.Namespace()),
				Message:  validationMessage(fe),
				Severity: "error",
			}
		}
		return errs
	}
	return nil
}

// TelemetryConfig maps the settings onto the telemetry configuration.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if version != "" {
		cfg.ServiceVersion = version
	}

	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = s.Logging.Output
	cfg.Logging.EnableCaller = s.Logging.Caller

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure

	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Metrics.ListenAddress
	cfg.Metrics.Path = s.Metrics.Path
	cfg.Metrics.Namespace = s.Metrics.Namespace
	return cfg
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
