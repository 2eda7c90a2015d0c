package houndtrace

import (
	"runtime"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/houndtrace/houndtrace/internal/propagation"
)

// startupInfo is the one-shot configuration report emitted when startup
// logs are enabled, in a shape log pipelines can ingest as JSON.
type startupInfo struct {
	Date            string   `json:"date"`
	Lang            string   `json:"lang"`
	LangVersion     string   `json:"lang_version"`
	Version         string   `json:"version"`
	RuntimeID       string   `json:"runtime_id"`
	Service         string   `json:"service"`
	Env             string   `json:"env,omitempty"`
	AppVersion      string   `json:"app_version,omitempty"`
	AgentURL        string   `json:"agent_url"`
	SampleRate      float64  `json:"sample_rate"`
	RateLimit       float64  `json:"rate_limit"`
	TraceRules      int      `json:"trace_sampling_rules"`
	SpanRules       int      `json:"span_sampling_rules"`
	ExtractStyles   []string `json:"propagation_style_extract"`
	InjectStyles    []string `json:"propagation_style_inject"`
	FlushIntervalMS int64    `json:"flush_interval_ms"`
	Enabled         bool     `json:"enabled"`
	ReportHostname  bool     `json:"report_hostname"`
	TraceID128      bool     `json:"trace_128_bit_id"`
}

func (t *Tracer) logStartup() {
	cfg := t.cfg
	info := startupInfo{
		Date:            cfg.clock().Wall.Format(time.RFC3339),
		Lang:            "go",
		LangVersion:     strings.TrimPrefix(runtime.Version(), "go"),
		Version:         Version,
		RuntimeID:       t.runtimeID,
		Service:         cfg.service,
		Env:             cfg.environment,
		AppVersion:      cfg.version,
		AgentURL:        cfg.agentURL,
		SampleRate:      cfg.defaultRate.Value(),
		RateLimit:       cfg.rateLimit,
		TraceRules:      len(cfg.traceRules),
		SpanRules:       len(cfg.spanRules),
		ExtractStyles:   styleNames(cfg.extractStyles),
		InjectStyles:    styleNames(cfg.injectStyles),
		FlushIntervalMS: cfg.flushInterval.Milliseconds(),
		Enabled:         cfg.enabled,
		ReportHostname:  cfg.reportHostname,
		TraceID128:      cfg.traceID128,
	}
	payload, err := sonic.MarshalString(info)
	if err != nil {
		t.log.Warn("startup configuration could not be serialized", zap.Error(err))
		return
	}
	t.log.Info("DATADOG TRACER CONFIGURATION - " + payload)
}

func styleNames(styles []propagation.Style) []string {
	out := make([]string, len(styles))
	for i, s := range styles {
		out[i] = string(s)
	}
	return out
}
