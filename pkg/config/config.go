// Package config loads the hierarchical configuration document described
// in spec §6: one YAML file with ASR/TTS/VAP/TEXT_VAP/TIME_OUT/DIALOGUE/
// LLM/Broker sections, plus credentials pulled from the process
// environment (via a .env file in development, exactly the way the
// teacher's cmd/agent/main.go already loads its provider API keys).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ASRConfig struct {
	SampleRate      int    `yaml:"sample_rate"`
	ChunkSize       int    `yaml:"chunk_size"`
	BuffSize        int    `yaml:"buff_size"`
	CredentialsPath string `yaml:"credentials_path"`
	StreamingLimit  int    `yaml:"streaming_limit"` // seconds; default 240
}

type TTSConfig struct {
	EngineName     string  `yaml:"engine_name"`
	ModelName      string  `yaml:"model_name"`
	OrgSampleRate  int     `yaml:"org_sample_rate"`
	DstSampleRate  int     `yaml:"dst_sample_rate"`
	ScaleFactor    float64 `yaml:"scale_factor"`
	FrameLength    float64 `yaml:"frame_length"` // seconds
	SendIntervalMS int     `yaml:"send_interval_ms"`
}

type VAPConfig struct {
	ModelFilename string  `yaml:"model_filename"`
	BufferLength  float64 `yaml:"buffer_length"` // seconds
	Threshold     float64 `yaml:"threshold"`
}

type TextVAPConfig struct {
	IntervalIUs                int     `yaml:"interval_ius"`
	MinTextVAPThreshold        float64 `yaml:"min_text_vap_threshold"`
	MaxVerbalBackchannelNum    int     `yaml:"max_verbal_backchannel_num"`
	MaxNonverbalBackchannelNum int     `yaml:"max_nonverbal_backchannel_num"`
	Spacer                     string  `yaml:"spacer"`
}

type TimeOutConfig struct {
	MaxSilenceTime float64 `yaml:"max_silence_time"` // seconds; default 3.0
}

type DialogueConfig struct {
	HistoryLength              int      `yaml:"history_length"`
	ResponseGenerationInterval int      `yaml:"response_generation_interval"`
	Backchannels               []string `yaml:"backchannels"`
	Spacer                     string   `yaml:"spacer"`
	LLMWaitTimeoutSeconds      float64  `yaml:"llm_wait_timeout_seconds"` // default 10
	DefaultPhrase              string   `yaml:"default_phrase"`
	MinWordsToInterrupt        int      `yaml:"min_words_to_interrupt"`
}

type LLMConfig struct {
	ModelName              string `yaml:"model_name"`
	MaxTokens              int    `yaml:"max_tokens"`
	MaxMessageNumInContext int    `yaml:"max_message_num_in_context"`
	SplitPattern           string `yaml:"split_pattern"`
	PromptRESPPath         string `yaml:"prompt_resp_path"`
	PromptTOPath           string `yaml:"prompt_to_path"`
}

type BrokerConfig struct {
	Host              string `yaml:"host"`
	ReconnectMinMS    int    `yaml:"reconnect_min_ms"` // default 1000
	ReconnectMaxMS    int    `yaml:"reconnect_max_ms"` // default 30000
	PublishGraceMS    int    `yaml:"publish_grace_ms"` // default 2000
	SubscriberBufSize int    `yaml:"subscriber_buf_size"`
}

// Document is the whole hierarchical config document.
type Document struct {
	ASR      ASRConfig      `yaml:"ASR"`
	TTS      TTSConfig      `yaml:"TTS"`
	VAP      VAPConfig      `yaml:"VAP"`
	TextVAP  TextVAPConfig  `yaml:"TEXT_VAP"`
	TimeOut  TimeOutConfig  `yaml:"TIME_OUT"`
	Dialogue DialogueConfig `yaml:"DIALOGUE"`
	LLM      LLMConfig      `yaml:"LLM"`
	Broker   BrokerConfig   `yaml:"Broker"`
}

// Default returns the document with every documented default filled in.
func Default() Document {
	return Document{
		ASR: ASRConfig{
			SampleRate:     16000,
			ChunkSize:      1024,
			BuffSize:       4096,
			StreamingLimit: 240,
		},
		TTS: TTSConfig{
			EngineName:     "lokutor",
			OrgSampleRate:  22050,
			DstSampleRate:  16000,
			ScaleFactor:    1.0,
			FrameLength:    0.02,
			SendIntervalMS: 20,
		},
		VAP: VAPConfig{
			BufferLength: 10.0,
			Threshold:    0.55,
		},
		TextVAP: TextVAPConfig{
			IntervalIUs:                5,
			MinTextVAPThreshold:        7.0,
			MaxVerbalBackchannelNum:    2,
			MaxNonverbalBackchannelNum: 2,
			Spacer:                     " ",
		},
		TimeOut: TimeOutConfig{
			MaxSilenceTime: 3.0,
		},
		Dialogue: DialogueConfig{
			HistoryLength:              10,
			ResponseGenerationInterval: 3,
			Backchannels:               []string{"uh-huh", "mm-hmm", "I see", "right"},
			Spacer:                     " ",
			LLMWaitTimeoutSeconds:      10.0,
			DefaultPhrase:              "Sorry, I didn't quite catch that. Could you repeat?",
			MinWordsToInterrupt:        1,
		},
		LLM: LLMConfig{
			MaxTokens:              1024,
			MaxMessageNumInContext: 20,
			SplitPattern:           `[.!?。！？]+`,
		},
		Broker: BrokerConfig{
			Host:              "ws://127.0.0.1:8765/ws",
			ReconnectMinMS:    1000,
			ReconnectMaxMS:    30000,
			PublishGraceMS:    2000,
			SubscriberBufSize: 1024,
		},
	}
}

// Load reads a YAML document from path, overlaying it onto Default().
// It also loads a .env file (if present) into the process environment, so
// the provider credentials cmd/agent reads with os.Getenv resolve the same
// way whether the .env file or the shell sets them.
func Load(path string) (Document, error) {
	if err := godotenv.Load(); err != nil {
		// No .env file is not an error — credentials may already be in
		// the environment (container/CI deployment).
		_ = err
	}

	doc := Default()
	if path == "" {
		return doc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return doc, nil
}

// SilenceDeadline returns the point in time by which Text-VAP must
// auto-commit if no new ADD has arrived since last.
func (t TimeOutConfig) SilenceDeadline(last time.Time) time.Time {
	return last.Add(time.Duration(t.MaxSilenceTime * float64(time.Second)))
}

// ReconnectBounds returns the bounded exponential backoff sequence's
// endpoints as durations.
func (b BrokerConfig) ReconnectBounds() (min, max time.Duration) {
	return time.Duration(b.ReconnectMinMS) * time.Millisecond, time.Duration(b.ReconnectMaxMS) * time.Millisecond
}

// PublishGrace is how long the broker client tolerates being
// disconnected before it starts dropping publishes.
func (b BrokerConfig) PublishGrace() time.Duration {
	return time.Duration(b.PublishGraceMS) * time.Millisecond
}
