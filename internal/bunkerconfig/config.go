package bunkerconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved daemon configuration.
type Config struct {
	Relays             []string
	Secret             string
	DefaultPermissions []string
	AuthURL            string
	AuthDomains        []string

	RateBurst     int
	RatePerMinute int
	RatePerHour   int

	RequestTimeout time.Duration
	KeyfilePath    string
	LogLevel       string
}

// FileConfig is the yaml shape of the config file.
type FileConfig struct {
	Signer FileSignerConfig `yaml:"signer"`
}

type FileSignerConfig struct {
	Relays             []string      `yaml:"relays"`
	Secret             string        `yaml:"secret"`
	DefaultPermissions []string      `yaml:"defaultPermissions"`
	AuthURL            string        `yaml:"authUrl"`
	AuthDomains        []string      `yaml:"authDomains"`
	RateBurst          int           `yaml:"rateBurst"`
	RatePerMinute      int           `yaml:"ratePerMinute"`
	RatePerHour        int           `yaml:"ratePerHour"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	KeyfilePath        string        `yaml:"keyfilePath"`
	LogLevel           string        `yaml:"logLevel"`
}

func DefaultConfig() Config {
	return Config{
		RateBurst:      10,
		RatePerMinute:  60,
		RatePerHour:    1000,
		RequestTimeout: 5 * time.Second,
		KeyfilePath:    defaultKeyfilePath(),
		LogLevel:       "info",
	}
}

func defaultKeyfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "bunker.key"
	}
	return home + "/.snstr/bunker.key"
}

// LoadFromPath resolves the config from defaults, an optional yaml
// file and SNSTR_* environment overrides, in that precedence order.
func LoadFromPath(configPath string) Config {
	cfg := DefaultConfig()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/bunkerd.yaml",
			"bunkerd.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed FileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merged := cfg
		Merge(&merged, parsed.Signer)
		ApplyEnvOverrides(&merged)
		return merged
	}

	ApplyEnvOverrides(&cfg)
	return cfg
}

func Merge(dst *Config, src FileSignerConfig) {
	if src.Relays != nil {
		dst.Relays = src.Relays
	}
	if src.Secret != "" {
		dst.Secret = src.Secret
	}
	if src.DefaultPermissions != nil {
		dst.DefaultPermissions = src.DefaultPermissions
	}
	if src.AuthURL != "" {
		dst.AuthURL = src.AuthURL
	}
	if src.AuthDomains != nil {
		dst.AuthDomains = src.AuthDomains
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.RatePerMinute != 0 {
		dst.RatePerMinute = src.RatePerMinute
	}
	if src.RatePerHour != 0 {
		dst.RatePerHour = src.RatePerHour
	}
	if src.RequestTimeout != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.KeyfilePath != "" {
		dst.KeyfilePath = src.KeyfilePath
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func ApplyEnvOverrides(cfg *Config) {
	if relays := strings.TrimSpace(os.Getenv("SNSTR_RELAYS")); relays != "" {
		cfg.Relays = splitCSV(relays)
	}
	if secret := os.Getenv("SNSTR_SECRET"); secret != "" {
		cfg.Secret = secret
	}
	if perms := strings.TrimSpace(os.Getenv("SNSTR_DEFAULT_PERMS")); perms != "" {
		cfg.DefaultPermissions = splitCSV(perms)
	}
	if authURL := strings.TrimSpace(os.Getenv("SNSTR_AUTH_URL")); authURL != "" {
		cfg.AuthURL = authURL
	}
	if domains := strings.TrimSpace(os.Getenv("SNSTR_AUTH_DOMAINS")); domains != "" {
		cfg.AuthDomains = splitCSV(domains)
	}
	if keyfile := strings.TrimSpace(os.Getenv("SNSTR_KEYFILE")); keyfile != "" {
		cfg.KeyfilePath = keyfile
	}
	if level := strings.TrimSpace(os.Getenv("SNSTR_LOG_LEVEL")); level != "" {
		cfg.LogLevel = level
	}
	if raw := strings.TrimSpace(os.Getenv("SNSTR_RATE_BURST")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.RateBurst = v
		}
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
