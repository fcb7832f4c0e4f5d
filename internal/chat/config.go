package chat

import (
	"chatd/internal/config"
	"chatd/internal/llm"
)

// Default engine parameters.
const (
	DefaultMaxNewTokens = 256
	DefaultMaxTurns     = 16
)

// Config configures one Engine. Temperature and TopP nil defer to the
// runtime.
type Config struct {
	ModelPath         string
	Family            string
	Device            llm.DeviceType
	DType             llm.DType
	MaxNewTokens      int
	Temperature       *float64
	TopP              *float64
	RepetitionPenalty float64
	RepeatLastN       int
	DoSample          bool
	ReportSpeed       bool
	MaxTurns          int
}

func float64Ptr(v float64) *float64 { return &v }

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ModelPath:         config.DefaultModelPath,
		Device:            llm.DeviceType{Kind: llm.DeviceAuto},
		DType:             llm.DTypeF16,
		MaxNewTokens:      DefaultMaxNewTokens,
		Temperature:       float64Ptr(config.DefaultTemperature),
		TopP:              float64Ptr(config.DefaultTopP),
		RepetitionPenalty: config.DefaultRepetitionPenalty,
		RepeatLastN:       config.DefaultRepeatLastN,
		DoSample:          true,
		ReportSpeed:       true,
		MaxTurns:          DefaultMaxTurns,
	}
}

// ConfigFrom derives engine parameters from service configuration. The
// service max_tokens becomes the per-reply generation limit.
func ConfigFrom(c config.Config) (Config, error) {
	dtype, err := llm.ParseDType(c.DType)
	if err != nil {
		return Config{}, err
	}
	out := DefaultConfig()
	out.ModelPath = c.ModelPath
	out.Device = llm.ParseDevice(c.Device)
	out.DType = dtype
	if c.MaxTokens > 0 {
		out.MaxNewTokens = c.MaxTokens
	}
	if c.Temperature > 0 {
		out.Temperature = float64Ptr(c.Temperature)
	}
	if c.TopP > 0 {
		out.TopP = float64Ptr(c.TopP)
	}
	if c.RepetitionPenalty > 0 {
		out.RepetitionPenalty = c.RepetitionPenalty
	}
	if c.RepeatLastN > 0 {
		out.RepeatLastN = c.RepeatLastN
	}
	if c.DoSample != nil {
		out.DoSample = *c.DoSample
	}
	if c.ReportSpeed != nil {
		out.ReportSpeed = *c.ReportSpeed
	}
	if c.MaxTurns != 0 {
		out.MaxTurns = c.MaxTurns
	}
	return out, nil
}

// Overrides adjust one call. Nil fields keep the engine configuration.
type Overrides struct {
	Temperature  *float64
	MaxNewTokens *int
}
