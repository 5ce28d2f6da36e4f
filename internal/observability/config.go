package observability

import (
	"slices"
	"strings"

	"github.com/smallbiznis/marketpay/internal/config"
)

const (
	defaultServiceName   = "marketpay"
	defaultSamplingRatio = 0.1
)

var devEnvironments = []string{"dev", "development", "local", "test"}

// Config is the slice of application settings the logger, tracer and meter
// providers read.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	t := cfg.Telemetry

	name := strings.TrimSpace(cfg.AppName)
	if name == "" {
		name = defaultServiceName
	}
	ratio := t.SamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = defaultSamplingRatio
	}
	endpoint := strings.TrimSpace(t.OTLPEndpoint)

	return Config{
		ServiceName:          name,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		LogLevel:             strings.ToLower(strings.TrimSpace(t.LogLevel)),
		LogFormat:            strings.ToLower(strings.TrimSpace(t.LogFormat)),
		OtelEnabled:          t.Export && endpoint != "",
		OtelExporterEndpoint: endpoint,
		OtelExporterProtocol: strings.ToLower(strings.TrimSpace(t.OTLPProtocol)),
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on development logging and error stacks.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	return slices.Contains(devEnvironments, strings.ToLower(strings.TrimSpace(c.Environment)))
}
