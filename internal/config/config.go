package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EngineGoogle   = "google"
	EngineDeepgram = "deepgram"

	SourceHost       = "host"
	SourceMicrophone = "microphone"

	BackendFFMPEG    = "ffmpeg"
	BackendPortAudio = "portaudio"

	envPrefix = "SPEECHWORKER"
)

// Config stores runtime configuration. It is read once at startup.
type Config struct {
	Language        string `mapstructure:"language" yaml:"language"`
	SampleRate      int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	AudioChannels   int    `mapstructure:"audio_channels" yaml:"audio_channels"`
	ChunkDurationMS int    `mapstructure:"chunk_duration_ms" yaml:"chunk_duration_ms"`
	Model           string `mapstructure:"model" yaml:"model"`
	Engine          string `mapstructure:"engine" yaml:"engine"`
	AudioSource     string `mapstructure:"audio_source" yaml:"audio_source"`
	GCPProject      string `mapstructure:"gcp_project" yaml:"gcp_project"`

	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Rules      RulesConfig      `mapstructure:"rules" yaml:"rules"`
	Google     GoogleConfig     `mapstructure:"google" yaml:"google"`
	Deepgram   DeepgramConfig   `mapstructure:"deepgram" yaml:"deepgram"`
	Microphone MicrophoneConfig `mapstructure:"microphone" yaml:"microphone"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

type SessionConfig struct {
	JoinTimeout  time.Duration `mapstructure:"join_timeout" yaml:"join_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	QueueSize    int           `mapstructure:"queue_size" yaml:"queue_size"`
}

type RulesConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	IterationLimit int    `mapstructure:"iteration_limit" yaml:"iteration_limit"`
}

type GoogleConfig struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
}

type DeepgramConfig struct {
	APIKey      string `mapstructure:"api_key" yaml:"api_key"`
	APIBase     string `mapstructure:"api_base" yaml:"api_base"`
	Model       string `mapstructure:"model" yaml:"model"`
	SmartFormat bool   `mapstructure:"smart_format" yaml:"smart_format"`
}

type MicrophoneConfig struct {
	Backend     string `mapstructure:"backend" yaml:"backend"`
	Command     string `mapstructure:"command" yaml:"command"`
	InputFormat string `mapstructure:"input_format" yaml:"input_format"`
	InputDevice string `mapstructure:"input_device" yaml:"input_device"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewViper returns a viper instance with defaults and environment binding.
// Environment keys use the SPEECHWORKER_ prefix with dots replaced by
// underscores, e.g. SPEECHWORKER_SESSION_JOIN_TIMEOUT.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("deepgram.api_key", envPrefix+"_DEEPGRAM_API_KEY", "DEEPGRAM_API_KEY")
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("language", "en-US")
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("audio_channels", 1)
	v.SetDefault("chunk_duration_ms", 100)
	v.SetDefault("model", "latest_long")
	v.SetDefault("engine", EngineGoogle)
	v.SetDefault("audio_source", SourceHost)
	v.SetDefault("gcp_project", "")

	v.SetDefault("session.join_timeout", 5*time.Second)
	v.SetDefault("session.poll_interval", 500*time.Millisecond)
	v.SetDefault("session.queue_size", 256)

	v.SetDefault("rules.path", defaultRulesPath())
	v.SetDefault("rules.iteration_limit", 30)

	v.SetDefault("google.endpoint", "")
	v.SetDefault("google.credentials_file", "")

	v.SetDefault("deepgram.api_key", "")
	v.SetDefault("deepgram.api_base", "https://api.deepgram.com/v1")
	v.SetDefault("deepgram.model", "nova-2")
	v.SetDefault("deepgram.smart_format", true)

	v.SetDefault("microphone.backend", BackendFFMPEG)
	v.SetDefault("microphone.command", "ffmpeg")
	v.SetDefault("microphone.input_format", "pulse")
	v.SetDefault("microphone.input_device", "default")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
}

// Load reads the optional config file and decodes v. With an empty path it
// looks for config.{toml,yaml,json} in the working directory and in
// ~/.config/speechworker; a missing file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "speechworker"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Language = strings.TrimSpace(c.Language)
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	c.AudioSource = strings.ToLower(strings.TrimSpace(c.AudioSource))
	c.GCPProject = strings.TrimSpace(c.GCPProject)
	c.Deepgram.APIKey = strings.TrimSpace(c.Deepgram.APIKey)
	c.Microphone.Backend = strings.ToLower(strings.TrimSpace(c.Microphone.Backend))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Language == "":
		return errors.New("language must not be empty")
	case c.SampleRate <= 0:
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	case c.AudioChannels <= 0:
		return fmt.Errorf("audio_channels must be positive, got %d", c.AudioChannels)
	case c.ChunkDurationMS <= 0:
		return fmt.Errorf("chunk_duration_ms must be positive, got %d", c.ChunkDurationMS)
	case c.Session.JoinTimeout <= 0:
		return fmt.Errorf("session.join_timeout must be positive, got %s", c.Session.JoinTimeout)
	case c.Session.PollInterval <= 0:
		return fmt.Errorf("session.poll_interval must be positive, got %s", c.Session.PollInterval)
	case c.Session.QueueSize <= 0:
		return fmt.Errorf("session.queue_size must be positive, got %d", c.Session.QueueSize)
	}
	if err := oneOf("engine", c.Engine, EngineGoogle, EngineDeepgram); err != nil {
		return err
	}
	if err := oneOf("audio_source", c.AudioSource, SourceHost, SourceMicrophone); err != nil {
		return err
	}
	if err := oneOf("microphone.backend", c.Microphone.Backend, BackendFFMPEG, BackendPortAudio); err != nil {
		return err
	}
	return oneOf("log.format", c.Log.Format, "text", "json", "logfmt")
}

func oneOf(key string, value string, allowed ...string) error {
	for _, candidate := range allowed {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// ChunkFrames is the number of sample frames per capture chunk.
func (c Config) ChunkFrames() int {
	return c.SampleRate * c.ChunkDurationMS / 1000
}

// ChunkBytes is the size of one capture chunk of s16le PCM.
func (c Config) ChunkBytes() int {
	return c.ChunkFrames() * c.AudioChannels * 2
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Deepgram.APIKey != "" {
		c.Deepgram.APIKey = "<redacted>"
	}
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func defaultRulesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "speechworker", "substitutions.rules")
}
