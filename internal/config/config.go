package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied when corresponding Config fields are unset.
const (
	DefaultModelPath         = "checkpoints/Qwen2.5-0.5B-Instruct"
	DefaultDevice            = "auto"
	DefaultDType             = "f16"
	DefaultMaxTokens         = 2048
	DefaultTemperature       = 0.7
	DefaultTopP              = 0.9
	DefaultRepetitionPenalty = 1.1
	DefaultRepeatLastN       = 64
	DefaultMaxTurns          = 16
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "console"

	DefaultLlamaBin          = "llama-server"
	DefaultLlamaHost         = "127.0.0.1"
	DefaultLlamaReadyTimeout = 60
)

// Environment variables consulted by ApplyEnv.
const (
	EnvConfig    = "CHATD_CONFIG"
	EnvLogLevel  = "CHATD_LOG_LEVEL"
	EnvModelsDir = "CHATD_MODELS_DIR"
	EnvLlamaBin  = "CHATD_LLAMA_BIN"
	EnvDevice    = "CHATD_DEVICE"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	ModelPath string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	Device    string `json:"device" yaml:"device" toml:"device"`
	DType     string `json:"dtype" yaml:"dtype" toml:"dtype"`

	MaxTokens         int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature       float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP              float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	RepetitionPenalty float64 `json:"repetition_penalty" yaml:"repetition_penalty" toml:"repetition_penalty"`
	RepeatLastN       int     `json:"repeat_last_n" yaml:"repeat_last_n" toml:"repeat_last_n"`
	DoSample          *bool   `json:"do_sample" yaml:"do_sample" toml:"do_sample"`
	ReportSpeed       *bool   `json:"report_speed" yaml:"report_speed" toml:"report_speed"`
	MaxTurns          int     `json:"max_turns" yaml:"max_turns" toml:"max_turns"`

	// RequestTimeoutSec bounds a single chat call; 0 disables the limit.
	RequestTimeoutSec int   `json:"request_timeout_sec" yaml:"request_timeout_sec" toml:"request_timeout_sec"`
	Warmup            *bool `json:"warmup" yaml:"warmup" toml:"warmup"`

	LogLevel        string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat       string `json:"log_format" yaml:"log_format" toml:"log_format"`
	MetricsTextfile string `json:"metrics_textfile" yaml:"metrics_textfile" toml:"metrics_textfile"`

	Llama LlamaConfig `json:"llama" yaml:"llama" toml:"llama"`
}

// LlamaConfig configures the llama-server subprocess runtime.
type LlamaConfig struct {
	Bin             string   `json:"bin" yaml:"bin" toml:"bin"`
	Host            string   `json:"host" yaml:"host" toml:"host"`
	PortStart       int      `json:"port_start" yaml:"port_start" toml:"port_start"`
	PortEnd         int      `json:"port_end" yaml:"port_end" toml:"port_end"`
	CtxSize         int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads         int      `json:"threads" yaml:"threads" toml:"threads"`
	GPULayers       int      `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`
	ExtraArgs       []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	ReadyTimeoutSec int      `json:"ready_timeout_sec" yaml:"ready_timeout_sec" toml:"ready_timeout_sec"`
}

// Default returns a Config with every default applied.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

func boolPtr(b bool) *bool { return &b }

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ModelPath == "" {
		c.ModelPath = DefaultModelPath
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.DType == "" {
		c.DType = DefaultDType
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = DefaultTopP
	}
	if c.RepetitionPenalty == 0 {
		c.RepetitionPenalty = DefaultRepetitionPenalty
	}
	if c.RepeatLastN == 0 {
		c.RepeatLastN = DefaultRepeatLastN
	}
	if c.DoSample == nil {
		c.DoSample = boolPtr(true)
	}
	if c.ReportSpeed == nil {
		c.ReportSpeed = boolPtr(true)
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.Warmup == nil {
		c.Warmup = boolPtr(true)
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
	if c.Llama.Bin == "" {
		c.Llama.Bin = DefaultLlamaBin
	}
	if c.Llama.Host == "" {
		c.Llama.Host = DefaultLlamaHost
	}
	if c.Llama.ReadyTimeoutSec == 0 {
		c.Llama.ReadyTimeoutSec = DefaultLlamaReadyTimeout
	}
}

// ApplyEnv overlays environment overrides. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.LogLevel = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvModelsDir); ok && strings.TrimSpace(v) != "" {
		c.ModelsDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLlamaBin); ok && strings.TrimSpace(v) != "" {
		c.Llama.Bin = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDevice); ok && strings.TrimSpace(v) != "" {
		c.Device = strings.TrimSpace(v)
	}
}

// Validate rejects values no component can honor.
func (c Config) Validate() error {
	switch {
	case c.MaxTokens < 0:
		return fmt.Errorf("max_tokens must be >= 0, got %d", c.MaxTokens)
	case c.Temperature < 0:
		return fmt.Errorf("temperature must be >= 0, got %g", c.Temperature)
	case c.TopP < 0 || c.TopP > 1:
		return fmt.Errorf("top_p must be within [0,1], got %g", c.TopP)
	case c.RepetitionPenalty < 0:
		return fmt.Errorf("repetition_penalty must be >= 0, got %g", c.RepetitionPenalty)
	case c.RepeatLastN < 0:
		return fmt.Errorf("repeat_last_n must be >= 0, got %d", c.RepeatLastN)
	case c.RequestTimeoutSec < 0:
		return fmt.Errorf("request_timeout_sec must be >= 0, got %d", c.RequestTimeoutSec)
	case c.LogFormat != "" && c.LogFormat != "console" && c.LogFormat != "json":
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	case c.Llama.PortStart > 0 && c.Llama.PortEnd < c.Llama.PortStart:
		return fmt.Errorf("llama.port_end (%d) must be >= llama.port_start (%d)", c.Llama.PortEnd, c.Llama.PortStart)
	}
	return nil
}

// RequestTimeout returns the per-request deadline, 0 meaning none.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// ReadyTimeout returns how long to wait for the runtime to become healthy.
func (c LlamaConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSec) * time.Second
}
