// Package config loads gateway settings from VAI_VOICE_* environment
// variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-voice/pkg/gateway/live/session"
	"github.com/vango-go/vai-voice/pkg/gateway/ratelimit"
)

const EnvPrefix = "VAI_VOICE"

const (
	ToolBackendBuiltin = "builtin"
	ToolBackendLambda  = "lambda"
	ToolBackendHTTP    = "http"
)

type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string
	StaticDir string

	GeminiAPIKey    string
	ModelProvider   string
	LiveModel       string
	AgentModel      string
	CartesiaAPIKey  string
	DefaultVoice    string
	DefaultPrompt   string
	DefaultLanguage string
	// CartesiaVoices maps realtime voice names to Cartesia voice ids for
	// filler clips.
	CartesiaVoices map[string]string

	ToolBackend  string
	ToolManifest string
	// LambdaFunctions maps tool name to Lambda function name or ARN.
	LambdaFunctions map[string]string
	ToolHTTPURL     string
	ToolTimeout     time.Duration
	ToolCacheTTL    time.Duration
	ToolDebounce    time.Duration
	AWSRegion       string
	IdentityTools   []string

	WorkflowDir   string
	TranscriptDir string
	DatabaseURL   string

	GateSignatureMinChars  int
	GateFlowThresholdChars int
	VADRMSThreshold        float64
	SilenceDuration        time.Duration
	MaxUtteranceDuration   time.Duration
	DuplicateWindow        time.Duration
	DuplicateHorizon       time.Duration
	RestartGrace           time.Duration
	NudgeDelay             time.Duration

	WSMaxMessageBytes   int64
	WSAllowedOrigins    []string
	MaxAudioFrameBytes  int
	MaxAudioFPS         int
	MaxAudioBytesPerSec int64
	InboundBurstSeconds int
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	ReadHeaderTimeout   time.Duration
	ShutdownGrace       time.Duration
	MaxSessions         int

	// Per-client limits on opening live sessions.
	ConnectRPS           float64
	ConnectBurst         int
	MaxSessionsPerClient int

	PriceInputPerMTok  float64
	PriceOutputPerMTok float64
}

var defaults = map[string]any{
	"addr":                       ":8080",
	"log_level":                  "info",
	"log_format":                 "text",
	"model_provider":             "gemini",
	"live_model":                 "gemini-2.5-flash-native-audio-preview-09-2025",
	"agent_model":                "gemini-2.5-flash",
	"default_voice":              "Puck",
	"default_language":           "en-US",
	"tool_backend":               ToolBackendBuiltin,
	"tool_timeout":               "15s",
	"tool_cache_ttl":             "60s",
	"tool_debounce":              "10s",
	"aws_region":                 "us-east-1",
	"identity_tools":             "verify_identity",
	"workflow_dir":               "./workflows",
	"transcript_dir":             "./transcripts",
	"gate_signature_min_chars":   5,
	"gate_flow_threshold_chars":  20,
	"vad_rms_threshold":          0.02,
	"silence_duration":           "1500ms",
	"max_utterance_duration":     "30s",
	"duplicate_window":           "3s",
	"duplicate_horizon":          "15s",
	"restart_grace":              "2s",
	"nudge_delay":                "500ms",
	"ws_max_message_bytes":       1 << 20,
	"live_max_audio_frame_bytes": 64 * 1024,
	"live_max_audio_fps":         120,
	"live_max_audio_bps":         128 * 1024,
	"live_inbound_burst_seconds": 2,
	"ws_ping_interval":           "20s",
	"ws_write_timeout":           "5s",
	"ws_read_timeout":            "0s",
	"read_header_timeout":        "10s",
	"shutdown_grace":             "10s",
	"max_sessions":               0,
	"live_connect_rps":           0.0,
	"live_connect_burst":         0,
	"live_max_sessions_per_ip":   0,
	"price_input_per_mtok":       0.0,
	"price_output_per_mtok":      0.0,
}

// Load layers defaults, the config file named by v (if any) and the
// environment. A nil v uses a fresh viper instance.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		Addr:                   str(v, "addr"),
		LogLevel:               strings.ToLower(str(v, "log_level")),
		LogFormat:              strings.ToLower(str(v, "log_format")),
		StaticDir:              str(v, "static_dir"),
		GeminiAPIKey:           str(v, "gemini_api_key"),
		ModelProvider:          strings.ToLower(str(v, "model_provider")),
		LiveModel:              str(v, "live_model"),
		AgentModel:             str(v, "agent_model"),
		CartesiaAPIKey:         str(v, "cartesia_api_key"),
		DefaultVoice:           str(v, "default_voice"),
		DefaultPrompt:          v.GetString("default_system_prompt"),
		DefaultLanguage:        str(v, "default_language"),
		ToolBackend:            strings.ToLower(str(v, "tool_backend")),
		ToolManifest:           str(v, "tool_manifest"),
		ToolHTTPURL:            str(v, "tool_http_url"),
		ToolTimeout:            v.GetDuration("tool_timeout"),
		ToolCacheTTL:           v.GetDuration("tool_cache_ttl"),
		ToolDebounce:           v.GetDuration("tool_debounce"),
		AWSRegion:              str(v, "aws_region"),
		IdentityTools:          splitCSV(v.GetString("identity_tools")),
		WorkflowDir:            str(v, "workflow_dir"),
		TranscriptDir:          str(v, "transcript_dir"),
		DatabaseURL:            str(v, "database_url"),
		GateSignatureMinChars:  v.GetInt("gate_signature_min_chars"),
		GateFlowThresholdChars: v.GetInt("gate_flow_threshold_chars"),
		VADRMSThreshold:        v.GetFloat64("vad_rms_threshold"),
		SilenceDuration:        v.GetDuration("silence_duration"),
		MaxUtteranceDuration:   v.GetDuration("max_utterance_duration"),
		DuplicateWindow:        v.GetDuration("duplicate_window"),
		DuplicateHorizon:       v.GetDuration("duplicate_horizon"),
		RestartGrace:           v.GetDuration("restart_grace"),
		NudgeDelay:             v.GetDuration("nudge_delay"),
		WSMaxMessageBytes:      v.GetInt64("ws_max_message_bytes"),
		WSAllowedOrigins:       splitCSV(v.GetString("ws_allowed_origins")),
		MaxAudioFrameBytes:     v.GetInt("live_max_audio_frame_bytes"),
		MaxAudioFPS:            v.GetInt("live_max_audio_fps"),
		MaxAudioBytesPerSec:    v.GetInt64("live_max_audio_bps"),
		InboundBurstSeconds:    v.GetInt("live_inbound_burst_seconds"),
		PingInterval:           v.GetDuration("ws_ping_interval"),
		WriteTimeout:           v.GetDuration("ws_write_timeout"),
		ReadTimeout:            v.GetDuration("ws_read_timeout"),
		ReadHeaderTimeout:      v.GetDuration("read_header_timeout"),
		ShutdownGrace:          v.GetDuration("shutdown_grace"),
		MaxSessions:            v.GetInt("max_sessions"),
		ConnectRPS:             v.GetFloat64("live_connect_rps"),
		ConnectBurst:           v.GetInt("live_connect_burst"),
		MaxSessionsPerClient:   v.GetInt("live_max_sessions_per_ip"),
		PriceInputPerMTok:      v.GetFloat64("price_input_per_mtok"),
		PriceOutputPerMTok:     v.GetFloat64("price_output_per_mtok"),
	}

	fns, err := parsePairs("VAI_VOICE_TOOL_LAMBDA_FUNCTIONS", "tool=function", v.GetString("tool_lambda_functions"))
	if err != nil {
		return Config{}, err
	}
	cfg.LambdaFunctions = fns
	voices, err := parsePairs("VAI_VOICE_CARTESIA_VOICES", "voice=id", v.GetString("cartesia_voices"))
	if err != nil {
		return Config{}, err
	}
	cfg.CartesiaVoices = voices

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VAI_VOICE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VAI_VOICE_LOG_FORMAT must be one of text|json")
	}
	if cfg.ModelProvider != "gemini" {
		return fmt.Errorf("VAI_VOICE_MODEL_PROVIDER must be gemini")
	}
	if cfg.GeminiAPIKey == "" {
		return fmt.Errorf("VAI_VOICE_GEMINI_API_KEY must be set")
	}
	if cfg.LiveModel == "" {
		return fmt.Errorf("VAI_VOICE_LIVE_MODEL must not be empty")
	}
	switch cfg.ToolBackend {
	case ToolBackendBuiltin:
	case ToolBackendLambda:
		if cfg.ToolManifest == "" && len(cfg.LambdaFunctions) == 0 {
			return fmt.Errorf("VAI_VOICE_TOOL_MANIFEST or VAI_VOICE_TOOL_LAMBDA_FUNCTIONS must be set when VAI_VOICE_TOOL_BACKEND=lambda")
		}
		if cfg.AWSRegion == "" {
			return fmt.Errorf("VAI_VOICE_AWS_REGION must not be empty")
		}
	case ToolBackendHTTP:
		if cfg.ToolHTTPURL == "" {
			return fmt.Errorf("VAI_VOICE_TOOL_HTTP_URL must be set when VAI_VOICE_TOOL_BACKEND=http")
		}
	default:
		return fmt.Errorf("VAI_VOICE_TOOL_BACKEND must be one of builtin|lambda|http")
	}
	if cfg.ToolTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_TOOL_TIMEOUT must be > 0")
	}
	if cfg.ToolCacheTTL < 0 {
		return fmt.Errorf("VAI_VOICE_TOOL_CACHE_TTL must be >= 0")
	}
	if cfg.ToolDebounce <= 0 {
		return fmt.Errorf("VAI_VOICE_TOOL_DEBOUNCE must be > 0")
	}
	if cfg.WorkflowDir == "" {
		return fmt.Errorf("VAI_VOICE_WORKFLOW_DIR must not be empty")
	}
	if cfg.TranscriptDir == "" {
		return fmt.Errorf("VAI_VOICE_TRANSCRIPT_DIR must not be empty")
	}
	if cfg.GateSignatureMinChars <= 0 {
		return fmt.Errorf("VAI_VOICE_GATE_SIGNATURE_MIN_CHARS must be > 0")
	}
	if cfg.GateFlowThresholdChars <= 0 {
		return fmt.Errorf("VAI_VOICE_GATE_FLOW_THRESHOLD_CHARS must be > 0")
	}
	if cfg.GateFlowThresholdChars < cfg.GateSignatureMinChars {
		return fmt.Errorf("VAI_VOICE_GATE_FLOW_THRESHOLD_CHARS must be >= VAI_VOICE_GATE_SIGNATURE_MIN_CHARS")
	}
	if cfg.VADRMSThreshold <= 0 || cfg.VADRMSThreshold >= 1 {
		return fmt.Errorf("VAI_VOICE_VAD_RMS_THRESHOLD must be in (0, 1)")
	}
	if cfg.SilenceDuration <= 0 {
		return fmt.Errorf("VAI_VOICE_SILENCE_DURATION must be > 0")
	}
	if cfg.MaxUtteranceDuration <= 0 {
		return fmt.Errorf("VAI_VOICE_MAX_UTTERANCE_DURATION must be > 0")
	}
	if cfg.DuplicateWindow <= 0 {
		return fmt.Errorf("VAI_VOICE_DUPLICATE_WINDOW must be > 0")
	}
	if cfg.DuplicateHorizon < cfg.DuplicateWindow {
		return fmt.Errorf("VAI_VOICE_DUPLICATE_HORIZON must be >= VAI_VOICE_DUPLICATE_WINDOW")
	}
	if cfg.RestartGrace <= 0 {
		return fmt.Errorf("VAI_VOICE_RESTART_GRACE must be > 0")
	}
	if cfg.NudgeDelay < 0 {
		return fmt.Errorf("VAI_VOICE_NUDGE_DELAY must be >= 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if int64(cfg.MaxAudioFrameBytes) > cfg.WSMaxMessageBytes {
		return fmt.Errorf("VAI_VOICE_LIVE_MAX_AUDIO_FRAME_BYTES must be <= VAI_VOICE_WS_MAX_MESSAGE_BYTES")
	}
	if cfg.MaxAudioFPS < 0 {
		return fmt.Errorf("VAI_VOICE_LIVE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSec < 0 {
		return fmt.Errorf("VAI_VOICE_LIVE_MAX_AUDIO_BPS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSec > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VAI_VOICE_LIVE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.PingInterval <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout < 0 {
		return fmt.Errorf("VAI_VOICE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGrace <= 0 {
		return fmt.Errorf("VAI_VOICE_SHUTDOWN_GRACE must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_SESSIONS must be >= 0")
	}
	if cfg.ConnectRPS < 0 || cfg.ConnectBurst < 0 || cfg.MaxSessionsPerClient < 0 {
		return fmt.Errorf("VAI_VOICE_LIVE_CONNECT_RPS, VAI_VOICE_LIVE_CONNECT_BURST and VAI_VOICE_LIVE_MAX_SESSIONS_PER_IP must be >= 0")
	}
	if cfg.ConnectRPS > 0 && cfg.ConnectBurst < 1 {
		return fmt.Errorf("VAI_VOICE_LIVE_CONNECT_BURST must be >= 1 when VAI_VOICE_LIVE_CONNECT_RPS is set")
	}
	if cfg.PriceInputPerMTok < 0 || cfg.PriceOutputPerMTok < 0 {
		return fmt.Errorf("VAI_VOICE_PRICE_INPUT_PER_MTOK and VAI_VOICE_PRICE_OUTPUT_PER_MTOK must be >= 0")
	}
	return nil
}

// RateLimit returns the per-client connection limits.
func (cfg Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		RPS:           cfg.ConnectRPS,
		Burst:         cfg.ConnectBurst,
		MaxConcurrent: cfg.MaxSessionsPerClient,
	}
}

// SessionConfig maps process settings onto the per-session config.
func (cfg Config) SessionConfig() session.Config {
	return session.Config{
		DefaultSystemPrompt:        cfg.DefaultPrompt,
		DefaultVoice:               cfg.DefaultVoice,
		DefaultLanguage:            cfg.DefaultLanguage,
		IdentityTools:              cfg.IdentityTools,
		GateSignatureMinChars:      cfg.GateSignatureMinChars,
		GateFlowThresholdChars:     cfg.GateFlowThresholdChars,
		VADRMSThreshold:            cfg.VADRMSThreshold,
		SilenceDuration:            cfg.SilenceDuration,
		MaxUtteranceDuration:       cfg.MaxUtteranceDuration,
		DuplicateWindow:            cfg.DuplicateWindow,
		DuplicateHorizon:           cfg.DuplicateHorizon,
		ToolTimeout:                cfg.ToolTimeout,
		ToolCacheTTL:               cfg.ToolCacheTTL,
		ToolDebounce:               cfg.ToolDebounce,
		RestartGrace:               cfg.RestartGrace,
		NudgeDelay:                 cfg.NudgeDelay,
		MaxAudioFrameBytes:         cfg.MaxAudioFrameBytes,
		MaxJSONMessageBytes:        cfg.WSMaxMessageBytes,
		LiveMaxAudioFPS:            cfg.MaxAudioFPS,
		LiveMaxAudioBytesPerSecond: cfg.MaxAudioBytesPerSec,
		LiveInboundBurstSeconds:    cfg.InboundBurstSeconds,
		PingInterval:               cfg.PingInterval,
		WriteTimeout:               cfg.WriteTimeout,
		ReadTimeout:                cfg.ReadTimeout,
		PriceInputPerMTok:          cfg.PriceInputPerMTok,
		PriceOutputPerMTok:         cfg.PriceOutputPerMTok,
	}
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

// parsePairs reads "a=b,c=d" lists such as "tool=function,tool2=arn:...".
func parsePairs(key, shape, raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(raw) {
		name, val, ok := strings.Cut(pair, "=")
		name, val = strings.TrimSpace(name), strings.TrimSpace(val)
		if !ok || name == "" || val == "" {
			return nil, fmt.Errorf("%s entries must be %s, got %q", key, shape, pair)
		}
		out[name] = val
	}
	return out, nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
