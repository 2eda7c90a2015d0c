package houndtrace

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/houndtrace/houndtrace/internal/infrastructure/config"
	"github.com/houndtrace/houndtrace/internal/infrastructure/logging"
	"github.com/houndtrace/houndtrace/internal/propagation"
	"github.com/houndtrace/houndtrace/internal/sampling"
	"github.com/houndtrace/houndtrace/internal/shared/clock"
	"github.com/houndtrace/houndtrace/internal/shared/errs"
	"github.com/houndtrace/houndtrace/internal/shared/id"
)

// TraceSamplingRule keeps local traces whose root span matches the
// pattern fields (shell glob; empty means any) at the given rate.
type TraceSamplingRule struct {
	Service    string
	Name       string
	Resource   string
	Tags       map[string]string
	SampleRate float64
}

// SpanSamplingRule keeps individual matching spans at the given rate,
// independent of the trace decision, optionally capped per second.
type SpanSamplingRule struct {
	Service      string
	Name         string
	Resource     string
	Tags         map[string]string
	SampleRate   float64
	MaxPerSecond float64 // 0 means unlimited
}

// Config is the user-facing tracer configuration. Environment variables
// override the corresponding fields during finalization.
type Config struct {
	// Service is the default service name for spans. Required, either
	// here or via DD_SERVICE.
	Service string
	// Environment tags spans with a deployment environment (DD_ENV).
	Environment string
	// Version tags spans with an application version (DD_VERSION).
	Version string
	// ServiceType is the default span type, e.g. "web" or "db".
	ServiceType string

	// AgentURL targets the Datadog agent. Overridden by
	// DD_TRACE_AGENT_URL or DD_AGENT_HOST/DD_TRACE_AGENT_PORT.
	// Defaults to http://localhost:8126.
	AgentURL string
	// FlushInterval is the period between flushes to the agent.
	// Defaults to 2s.
	FlushInterval time.Duration
	// HTTPClient overrides the client used to reach the agent.
	HTTPClient *http.Client

	// SampleRate is the default trace sample rate in [0, 1]; nil means
	// 1.0. Overridden by DD_TRACE_SAMPLE_RATE.
	SampleRate *float64
	// RateLimit caps kept traces per second; nil means 200. Overridden
	// by DD_TRACE_RATE_LIMIT.
	RateLimit *float64
	// TraceSamplingRules are evaluated in order against local roots.
	// Overridden wholesale by DD_TRACE_SAMPLING_RULES (JSON).
	TraceSamplingRules []TraceSamplingRule
	// SpanSamplingRules are evaluated in order against finished spans of
	// dropped traces. Overridden wholesale by DD_SPAN_SAMPLING_RULES.
	SpanSamplingRules []SpanSamplingRule

	// PropagationStylesExtract and PropagationStylesInject are ordered
	// style lists ("datadog", "tracecontext", "b3", "none").
	PropagationStylesExtract []string
	PropagationStylesInject  []string
	// TagsHeaderMaxLength caps the x-datadog-tags header; 0 means 512.
	TagsHeaderMaxLength int

	// Tags are applied to every span. Replaced wholesale by DD_TAGS when
	// it is set.
	Tags map[string]string
	// ReportHostname adds the host name to local roots (_dd.hostname).
	ReportHostname bool
	// StartupLogs enables the one-shot configuration log on New.
	StartupLogs bool
	// Enabled turns trace delivery off when set to false; nil means
	// enabled. Spans are still created so instrumented code runs
	// unchanged.
	Enabled *bool

	// Logger receives tracer diagnostics. Nil installs a quiet
	// error-level logger honoring DD_TRACE_LOG_LEVEL.
	Logger *zap.Logger
	// MetricsRegisterer, when set, receives the tracer's health
	// instruments. Nil leaves them unregistered.
	MetricsRegisterer prometheus.Registerer

	// Test seams; nil selects the real implementations.
	clock     clock.Clock
	generator id.Generator
}

// FinalizedConfig is a validated, normalized configuration. Construct
// with FinalizeConfig; a FinalizedConfig always yields a working Tracer.
type FinalizedConfig struct {
	service       string
	environment   string
	version       string
	serviceType   string
	agentURL      string
	flushInterval time.Duration
	httpClient    *http.Client

	defaultRate sampling.Rate
	rateLimit   float64
	traceRules  []sampling.TraceRule
	spanRules   []sampling.SpanRule

	extractStyles []propagation.Style
	injectStyles  []propagation.Style
	tagsMaxLen    int

	tags           map[string]string
	hostname       string
	reportHostname bool
	startupLogs    bool
	enabled        bool
	traceID128     bool

	logger     *logging.Logger
	registerer prometheus.Registerer
	clock      clock.Clock
	generator  id.Generator
}

const (
	defaultAgentURL      = "http://localhost:8126"
	defaultFlushInterval = 2 * time.Second
	defaultRateLimit     = 200.0
	defaultTagsMaxLen    = 512
)

// FinalizeConfig validates cfg, applies DD_* environment overrides, and
// resolves every default. It is the only fallible step of tracer setup.
func FinalizeConfig(cfg Config) (*FinalizedConfig, error) {
	env, err := config.Load()
	if err != nil {
		return nil, errs.Wrap(errs.Other, "reading environment", err)
	}
	return finalize(cfg, env)
}

func finalize(cfg Config, env config.Env) (*FinalizedConfig, error) {
	fc := &FinalizedConfig{
		service:       firstNonEmpty(env.Service.Name, cfg.Service),
		environment:   firstNonEmpty(env.Service.Env, cfg.Environment),
		version:       firstNonEmpty(env.Service.Version, cfg.Version),
		serviceType:   cfg.ServiceType,
		flushInterval: cfg.FlushInterval,
		httpClient:    cfg.HTTPClient,
		registerer:    cfg.MetricsRegisterer,
		clock:         cfg.clock,
		generator:     cfg.generator,
	}
	if fc.service == "" {
		return nil, errs.New(errs.ServiceNameRequired, "a service name must be configured (DD_SERVICE)")
	}
	if fc.flushInterval <= 0 {
		fc.flushInterval = defaultFlushInterval
	}
	if fc.clock == nil {
		fc.clock = clock.System
	}
	if fc.generator == nil {
		fc.generator = id.NewGenerator()
	}

	agentURL, err := resolveAgentURL(cfg.AgentURL, env.Agent)
	if err != nil {
		return nil, err
	}
	fc.agentURL = agentURL

	if err := finalizeSampling(&cfg, env.Sampling, fc); err != nil {
		return nil, err
	}
	if err := finalizePropagation(&cfg, env.Propagation, fc); err != nil {
		return nil, err
	}
	if err := finalizeDiagnostics(&cfg, env.Diagnostics, fc); err != nil {
		return nil, err
	}

	fc.tags = cfg.Tags
	if envTags := config.ParseTags(env.Service.Tags); envTags != nil {
		fc.tags = envTags
	}
	return fc, nil
}

func finalizeSampling(cfg *Config, env config.SamplingEnv, fc *FinalizedConfig) error {
	rate := 1.0
	if cfg.SampleRate != nil {
		rate = *cfg.SampleRate
	}
	if env.SampleRate != "" {
		v, err := config.ParseFloat(env.SampleRate)
		if err != nil {
			return errs.Wrap(errs.RateOutOfRange, "DD_TRACE_SAMPLE_RATE", err)
		}
		rate = v
	}
	validated, err := sampling.NewRate(rate)
	if err != nil {
		return err
	}
	fc.defaultRate = validated

	fc.rateLimit = defaultRateLimit
	if cfg.RateLimit != nil {
		fc.rateLimit = *cfg.RateLimit
	}
	if env.RateLimit != "" {
		v, err := config.ParseInt(env.RateLimit, 1, 1<<31)
		if err != nil {
			return errs.Wrap(errs.CodeOf(err), "DD_TRACE_RATE_LIMIT", err)
		}
		fc.rateLimit = float64(v)
	}

	fc.traceRules, err = traceRulesFromConfig(cfg.TraceSamplingRules)
	if err != nil {
		return err
	}
	if env.TraceRules != "" {
		fc.traceRules, err = sampling.ParseTraceRules(env.TraceRules)
		if err != nil {
			return err
		}
	}
	fc.spanRules, err = spanRulesFromConfig(cfg.SpanSamplingRules)
	if err != nil {
		return err
	}
	if env.SpanRules != "" {
		fc.spanRules, err = sampling.ParseSpanRules(env.SpanRules)
		if err != nil {
			return err
		}
	}
	return nil
}

func finalizePropagation(cfg *Config, env config.PropagationEnv, fc *FinalizedConfig) error {
	defaults := []propagation.Style{propagation.StyleDatadog, propagation.StyleW3C}

	resolve := func(specific, shared string, fromConfig []string) ([]propagation.Style, error) {
		raw := firstNonEmpty(specific, shared)
		if raw != "" {
			return propagation.ParseStyles(raw)
		}
		if len(fromConfig) > 0 {
			return propagation.ParseStyles(strings.Join(fromConfig, ","))
		}
		return defaults, nil
	}

	extract, err := resolve(env.ExtractStyle, env.Style, cfg.PropagationStylesExtract)
	if err != nil {
		return err
	}
	inject, err := resolve(env.InjectStyle, env.Style, cfg.PropagationStylesInject)
	if err != nil {
		return err
	}
	fc.extractStyles = dropNone(extract)
	fc.injectStyles = dropNone(inject)

	fc.tagsMaxLen = cfg.TagsHeaderMaxLength
	if env.TagsMaxLength != "" {
		v, err := config.ParseInt(env.TagsMaxLength, 0, 1<<15)
		if err != nil {
			return errs.Wrap(errs.CodeOf(err), "DD_TRACE_X_DATADOG_TAGS_MAX_LENGTH", err)
		}
		fc.tagsMaxLen = int(v)
	}
	if fc.tagsMaxLen <= 0 {
		fc.tagsMaxLen = defaultTagsMaxLen
	}
	return nil
}

func finalizeDiagnostics(cfg *Config, env config.DiagnosticsEnv, fc *FinalizedConfig) error {
	enabled := cfg.Enabled == nil || *cfg.Enabled
	enabled, err := config.ParseBool(env.Enabled, enabled)
	if err != nil {
		return err
	}
	fc.enabled = enabled

	fc.startupLogs, err = config.ParseBool(env.StartupLogs, cfg.StartupLogs)
	if err != nil {
		return err
	}
	fc.reportHostname, err = config.ParseBool(env.ReportHostname, cfg.ReportHostname)
	if err != nil {
		return err
	}
	if fc.reportHostname {
		if name, err := os.Hostname(); err == nil {
			fc.hostname = name
		}
	}
	fc.traceID128, err = config.ParseBool(env.TraceID128, true)
	if err != nil {
		return err
	}

	if cfg.Logger != nil {
		fc.logger = &logging.Logger{Logger: cfg.Logger}
		return nil
	}
	level := firstNonEmpty(env.LogLevel, "error")
	logger, err := logging.New(logging.Config{Level: level, OutputPaths: []string{"stderr"}})
	if err != nil {
		logger = logging.NewDefault()
	}
	fc.logger = logger
	return nil
}

// resolveAgentURL picks the agent endpoint: explicit URL first, then
// host/port, then the configured URL, then the local default. A URL
// without a scheme gets http; unix:// socket paths pass through opaque.
func resolveAgentURL(cfgURL string, env config.AgentEnv) (string, error) {
	if env.URL != "" {
		return normalizeURL(env.URL), nil
	}
	if env.Host != "" || env.Port != "" {
		host := firstNonEmpty(env.Host, "localhost")
		port := firstNonEmpty(env.Port, "8126")
		if _, err := config.ParseInt(port, 1, 65535); err != nil {
			return "", errs.Wrap(errs.CodeOf(err), "DD_TRACE_AGENT_PORT", err)
		}
		return "http://" + host + ":" + port, nil
	}
	if cfgURL != "" {
		return normalizeURL(cfgURL), nil
	}
	return defaultAgentURL, nil
}

func normalizeURL(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.Contains(raw, "://") {
		return raw
	}
	return "http://" + raw
}

func traceRulesFromConfig(rules []TraceSamplingRule) ([]sampling.TraceRule, error) {
	out := make([]sampling.TraceRule, 0, len(rules))
	for _, r := range rules {
		rate, err := sampling.NewRate(r.SampleRate)
		if err != nil {
			return nil, err
		}
		out = append(out, sampling.TraceRule{
			Matcher: sampling.SpanMatcher{Service: r.Service, Name: r.Name, Resource: r.Resource, Tags: r.Tags},
			Rate:    rate,
		})
	}
	return out, nil
}

func spanRulesFromConfig(rules []SpanSamplingRule) ([]sampling.SpanRule, error) {
	out := make([]sampling.SpanRule, 0, len(rules))
	for _, r := range rules {
		rate, err := sampling.NewRate(r.SampleRate)
		if err != nil {
			return nil, err
		}
		out = append(out, sampling.SpanRule{
			Matcher:      sampling.SpanMatcher{Service: r.Service, Name: r.Name, Resource: r.Resource, Tags: r.Tags},
			Rate:         rate,
			MaxPerSecond: r.MaxPerSecond,
		})
	}
	return out, nil
}

func dropNone(styles []propagation.Style) []propagation.Style {
	out := styles[:0:0]
	for _, s := range styles {
		if s != propagation.StyleNone {
			out = append(out, s)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
