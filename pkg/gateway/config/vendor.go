package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// VendorConfig names the streaming recognition backend and the wake-word
// behavior for listen "detect" messages. It is loaded once at start-up and
// shared read-only across sessions.
type VendorConfig struct {
	ASR struct {
		URL          string `yaml:"url"`
		Token        string `yaml:"token"`
		AppKey       string `yaml:"app_key"`
		Language     string `yaml:"language"`
		SampleRateHz int    `yaml:"sample_rate"`
	} `yaml:"asr"`

	WakeWords       []string `yaml:"wake_words"`
	GreetingEnabled bool     `yaml:"greeting_enabled"`
	GreetingText    string   `yaml:"greeting_text"`
}

func defaultVendorConfig() VendorConfig {
	var vc VendorConfig
	vc.ASR.Language = "zh"
	vc.ASR.SampleRateHz = 16000
	vc.GreetingEnabled = true
	vc.GreetingText = "嘿，你好呀"
	return vc
}

// LoadVendorFile reads the YAML vendor file at path. An empty path yields
// built-in defaults.
func LoadVendorFile(path string) (VendorConfig, error) {
	vc := defaultVendorConfig()
	if strings.TrimSpace(path) == "" {
		return vc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return VendorConfig{}, fmt.Errorf("read vendor file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &vc); err != nil {
		return VendorConfig{}, fmt.Errorf("parse vendor file %q: %w", path, err)
	}
	if vc.ASR.SampleRateHz <= 0 {
		vc.ASR.SampleRateHz = 16000
	}
	return vc, nil
}

// IsWakeWord reports whether text (after trimming punctuation and space)
// matches a configured wake word.
func (vc VendorConfig) IsWakeWord(text string) bool {
	trimmed := strings.TrimFunc(text, func(r rune) bool {
		return strings.ContainsRune(" \t\r\n。，！？!?,.", r)
	})
	if trimmed == "" {
		return false
	}
	for _, w := range vc.WakeWords {
		if trimmed == w {
			return true
		}
	}
	return false
}
