package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "90s" parse.
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full gateway configuration, loaded from one YAML file with
// environment overrides for secrets.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Providers ProvidersConfig `yaml:"providers"`
	Policy    PolicyConfig    `yaml:"policy"`
	Pricing   PricingConfig   `yaml:"pricing"`
	FX        FXConfig        `yaml:"fx"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures caller identity verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt-secret"`
}

// LoggingConfig configures log output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`        // Empty means stderr only.
	MaxSizeMB  int    `yaml:"max-size-mb"` // Rotation threshold.
	MaxBackups int    `yaml:"max-backups"`
}

// ProviderConfig configures one upstream provider. Referer and Title are
// attribution headers some aggregators expect; other providers ignore them.
type ProviderConfig struct {
	APIKey   string            `yaml:"api-key"`
	BaseURL  string            `yaml:"base-url"`
	Referer  string            `yaml:"referer"`
	Title    string            `yaml:"title"`
	ModelMap map[string]string `yaml:"model-map"` // Logical model -> provider model ID.
}

// ProvidersConfig holds both upstream providers. Primary is the subsidized
// provider; secondary serves everything else.
type ProvidersConfig struct {
	Primary   ProviderConfig `yaml:"primary"`
	Secondary ProviderConfig `yaml:"secondary"`

	Timeout       Duration `yaml:"timeout"`
	StreamTimeout Duration `yaml:"stream-timeout"`
}

// PolicyConfig configures the daily subsidy and admission policy.
type PolicyConfig struct {
	DailyPoolTokens  int64 `yaml:"daily-pool-tokens"`
	FreeUsersPerDay  int64 `yaml:"free-users-per-day"` // Out of 100000 hash buckets.
	UserDailyCap     int64 `yaml:"user-daily-cap-tokens"`
	MaxConcurrent    int   `yaml:"max-concurrent-per-user"`
	StructuredTrust  bool  `yaml:"structured-trusted-only"` // Strict-schema analysis always uses the secondary provider.
	RetryAfterSecond int   `yaml:"retry-after-seconds"`
}

// PricingConfig configures the cost estimator.
type PricingConfig struct {
	// USD per million tokens, combined input+output, per logical model.
	ModelsUSDPerMTok map[string]float64 `yaml:"models-usd-per-mtok"`
	Markup           float64            `yaml:"markup"`
}

// FXConfig configures the USD->IDR oracle.
type FXConfig struct {
	SourceURL      string  `yaml:"source-url"`
	CacheTTL       Duration `yaml:"cache-ttl"`
	MaxDBAge       Duration `yaml:"max-db-age"`
	PlaceholderIDR float64 `yaml:"placeholder-rate"`
}

// LimitsConfig bounds request sizes before any cost is incurred.
type LimitsConfig struct {
	AnalyzeTextMax    int `yaml:"analyze-text-max"`
	AnalyzeNodesMin   int `yaml:"analyze-nodes-min"`
	AnalyzeNodesMax   int `yaml:"analyze-nodes-max"`
	ChatPromptMax     int `yaml:"chat-prompt-max"`
	ChatDocumentMax   int `yaml:"chat-document-max"`
	ChatHistoryMax    int `yaml:"chat-history-max"`
	ChatMessageMax    int `yaml:"chat-message-max"`
	PrefillLabelMax   int `yaml:"prefill-label-max"`
	PrefillContentMax int `yaml:"prefill-content-max"`
	TokenizeCharsMax  int `yaml:"tokenize-chars-max"`
}

// Default returns a configuration with every knob at its documented default.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8317"},
		Database: DatabaseConfig{DSN: "papergate.db"},
		Logging:  LoggingConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{
				BaseURL: "https://api.openai.com/v1/responses",
				ModelMap: map[string]string{
					"gpt-5.2":    "gpt-5.2",
					"gpt-5.1":    "gpt-5.1",
					"gpt-5-mini": "gpt-5-mini",
					"gpt-5-nano": "gpt-5-nano",
				},
			},
			Secondary: ProviderConfig{
				BaseURL: "https://openrouter.ai/api/v1",
				Referer: "https://kertaslab.com",
				Title:   "PaperGate",
				ModelMap: map[string]string{
					"gpt-5.2":    "openai/gpt-5.2",
					"gpt-5.1":    "openai/gpt-5.1",
					"gpt-5-mini": "openai/gpt-5-mini",
					"gpt-5-nano": "openai/gpt-5-nano",
				},
			},
			Timeout:       Duration(30 * time.Second),
			StreamTimeout: Duration(90 * time.Second),
		},
		Policy: PolicyConfig{
			DailyPoolTokens:  5_000_000,
			FreeUsersPerDay:  2000,
			UserDailyCap:     100_000,
			MaxConcurrent:    2,
			RetryAfterSecond: 5,
		},
		Pricing: PricingConfig{
			ModelsUSDPerMTok: map[string]float64{
				"gpt-5.2":    9.0,
				"gpt-5.1":    6.0,
				"gpt-5-mini": 1.2,
				"gpt-5-nano": 0.3,
			},
			Markup: 1.35,
		},
		FX: FXConfig{
			SourceURL:      "https://api.frankfurter.app/latest?from=USD&to=IDR",
			CacheTTL:       Duration(time.Hour),
			MaxDBAge:       Duration(24 * time.Hour),
			PlaceholderIDR: 16_500,
		},
		Limits: LimitsConfig{
			AnalyzeTextMax:    200_000,
			AnalyzeNodesMin:   3,
			AnalyzeNodesMax:   60,
			ChatPromptMax:     8_000,
			ChatDocumentMax:   100_000,
			ChatHistoryMax:    20,
			ChatMessageMax:    4_000,
			PrefillLabelMax:   300,
			PrefillContentMax: 4_000,
			TokenizeCharsMax:  200_000,
		},
	}
}

// Load reads the YAML file at path, applies defaults for unset values and
// environment overrides for secrets. A missing file yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, errRead := os.ReadFile(path)
		switch {
		case errRead == nil:
			if errParse := yaml.Unmarshal(data, &cfg); errParse != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, errParse)
			}
		case os.IsNotExist(errRead):
			// Defaults plus env are a valid configuration.
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Policy.MaxConcurrent <= 0 {
		cfg.Policy.MaxConcurrent = 2
	}
	if cfg.Pricing.Markup <= 0 {
		cfg.Pricing.Markup = 1
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("PAPERGATE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("PAPERGATE_JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("PAPERGATE_PRIMARY_API_KEY")); v != "" {
		cfg.Providers.Primary.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("PAPERGATE_SECONDARY_API_KEY")); v != "" {
		cfg.Providers.Secondary.APIKey = v
	}
}
