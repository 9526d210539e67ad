package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/policy"
	"github.com/progresso/progresso/pkg/telemetry"
)

// FileName is the configuration file looked up when no path is given.
const FileName = "progresso.yaml"

// DefaultStateTimeout is how long start and stop wait for a service to settle.
const DefaultStateTimeout = 60 * time.Second

// Default returns the built-in configuration.
func Default() *Config {
	historyPath := "progresso-history.db"
	if dir, err := os.UserConfigDir(); err == nil {
		historyPath = filepath.Join(dir, "progresso", "history.db")
	}

	return &Config{
		Gate: GateConfig{
			Threshold:    engine.DefaultGateThreshold,
			Timeout:      engine.DefaultGateTimeout,
			PollInterval: engine.DefaultGatePollInterval,
		},
		Output: OutputConfig{
			Dir:    ".",
			Prefix: "progresso",
			Format: "xml",
		},
		Control: ControlConfig{
			Backend:      "auto",
			StateTimeout: DefaultStateTimeout,
		},
		Policy: PolicyConfig{
			Enabled:           false,
			Builtins:          true,
			ProtectedServices: append([]string(nil), policy.DefaultProtectedServices...),
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    historyPath,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// SearchPaths returns the locations checked for progresso.yaml, in order.
func SearchPaths() []string {
	paths := []string{FileName}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "progresso", FileName))
	}
	return paths
}

// Load reads the configuration. An explicit path must exist; without one the
// search paths are tried and the defaults are used when none exists.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	for _, candidate := range SearchPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return LoadFile(candidate)
		}
	}
	cfg := Default()
	return cfg, cfg.Validate()
}

// LoadFile decodes path over the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, engine.NewConfigNotFoundError(fmt.Sprintf("configuration file %s not found", path), err)
		}
		return nil, engine.NewConfigMalformedError("failed to open configuration file", err).WithResource(path)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.WithResource(path)
		}
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// Decode reads YAML from r over the defaults and validates the result.
// Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewConfigMalformedError("failed to parse configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the telemetry section.
func (c *Config) Validate() error {
	if errs := c.ValidationErrors(); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return engine.NewConfigMalformedError("invalid configuration", errors.New(strings.Join(msgs, "; "))).
			WithDetail("errors", errs)
	}
	return nil
}

// ValidationErrors returns every invalid field, empty when the configuration is valid.
func (c *Config) ValidationErrors() []ValidationError {
	var out []ValidationError

	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				out = append(out, ValidationError{
					File:    c.Source,
					Path:    fieldPath(fe.Namespace()),
					Message: fmt.Sprintf("%s: failed %q constraint (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()),
				})
			}
		} else {
			out = append(out, ValidationError{File: c.Source, Message: err.Error()})
		}
	}

	if err := c.Telemetry.Validate(); err != nil {
		out = append(out, ValidationError{File: c.Source, Path: "telemetry", Message: "telemetry: " + err.Error()})
	}
	return out
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
