package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode     AuthMode
	AuthSecret   string
	AuthTokenTTL time.Duration

	// Path to the YAML vendor/wake-word file. Empty means built-in defaults.
	VendorFile string

	// Negotiated device audio shape. Devices send opus at this rate; each
	// packet nominally covers FrameDuration of audio.
	AudioSampleRateHz  int
	AudioChannels      int
	AudioFrameDuration time.Duration

	// Pacing.
	PrebufferFrames int

	// Per-session limits and timeouts.
	MaxAudioFrameBytes  int
	MaxTextMessageBytes int64
	HandshakeTimeout    time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	PingInterval        time.Duration
	MaxSessionDuration  time.Duration
	OutboundQueueSize   int

	// Streaming recognition.
	ASRGraceWindow    time.Duration
	ASRReceiveTimeout time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VOXLINE_ADDR", ":8000"),
		AuthMode:            AuthMode(envOr("VOXLINE_AUTH_MODE", string(AuthModeRequired))),
		AuthSecret:          os.Getenv("VOXLINE_AUTH_SECRET"),
		AuthTokenTTL:        envDurationOr("VOXLINE_AUTH_TOKEN_TTL", 30*24*time.Hour),
		VendorFile:          os.Getenv("VOXLINE_VENDOR_FILE"),
		AudioSampleRateHz:   envIntOr("VOXLINE_AUDIO_SAMPLE_RATE", 16000),
		AudioChannels:       envIntOr("VOXLINE_AUDIO_CHANNELS", 1),
		AudioFrameDuration:  envDurationOr("VOXLINE_AUDIO_FRAME_DURATION", 60*time.Millisecond),
		PrebufferFrames:     envIntOr("VOXLINE_PREBUFFER_FRAMES", 5),
		MaxAudioFrameBytes:  envIntOr("VOXLINE_MAX_AUDIO_FRAME_BYTES", 8192),
		MaxTextMessageBytes: envInt64Or("VOXLINE_MAX_TEXT_MESSAGE_BYTES", 64*1024),
		HandshakeTimeout:    envDurationOr("VOXLINE_HANDSHAKE_TIMEOUT", 5*time.Second),
		ReadTimeout:         envDurationOr("VOXLINE_READ_TIMEOUT", 120*time.Second),
		WriteTimeout:        envDurationOr("VOXLINE_WRITE_TIMEOUT", 5*time.Second),
		PingInterval:        envDurationOr("VOXLINE_PING_INTERVAL", 20*time.Second),
		MaxSessionDuration:  envDurationOr("VOXLINE_MAX_SESSION_DURATION", 2*time.Hour),
		OutboundQueueSize:   envIntOr("VOXLINE_OUTBOUND_QUEUE_SIZE", 128),
		ASRGraceWindow:      envDurationOr("VOXLINE_ASR_GRACE_WINDOW", 3*time.Second),
		ASRReceiveTimeout:   envDurationOr("VOXLINE_ASR_RECEIVE_TIMEOUT", 10*time.Second),
		ReadHeaderTimeout:   envDurationOr("VOXLINE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VOXLINE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VOXLINE_AUTH_MODE must be one of required|disabled")
	}
	if cfg.AuthMode == AuthModeRequired && strings.TrimSpace(cfg.AuthSecret) == "" {
		return Config{}, fmt.Errorf("VOXLINE_AUTH_SECRET is required when auth mode is required")
	}
	if cfg.AudioFrameDuration <= 0 {
		return Config{}, fmt.Errorf("VOXLINE_AUDIO_FRAME_DURATION must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	// Accept either a Go duration string or a bare millisecond count.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
