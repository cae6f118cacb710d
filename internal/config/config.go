// Package config provides configuration loading and path management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/arture/agentstream/pkg/types"
)

// ProviderConfig holds the key chain and model fallback order for one
// upstream provider.
type ProviderConfig struct {
	APIKeys []string `json:"apiKeys,omitempty"`
	Models  []string `json:"models,omitempty"`
	BaseURL string   `json:"baseUrl,omitempty"`
}

// Config is the full server configuration.
type Config struct {
	Port       int    `json:"port,omitempty"`
	EnableCORS *bool  `json:"enableCors,omitempty"`
	LogLevel   string `json:"logLevel,omitempty"`
	PrettyLogs bool   `json:"prettyLogs,omitempty"`

	// Session carries the protocol timing knobs: stream timeout,
	// heartbeat interval, retry budget, event buffer size.
	Session *types.SessionConfig `json:"session,omitempty"`

	// SessionMaxAgeMinutes bounds idle session lifetime before the
	// janitor evicts them. SweepIntervalMinutes is the janitor cadence.
	SessionMaxAgeMinutes int `json:"sessionMaxAgeMinutes,omitempty"`
	SweepIntervalMinutes int `json:"sweepIntervalMinutes,omitempty"`

	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`

	Provider map[string]ProviderConfig `json:"provider,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	sessionCfg := types.DefaultSessionConfig()
	return &Config{
		Port:                 8080,
		LogLevel:             "info",
		Session:              &sessionCfg,
		SessionMaxAgeMinutes: 60,
		SweepIntervalMinutes: 5,
		MaxOutputTokens:      4096,
		Provider:             make(map[string]ProviderConfig),
	}
}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/agentstream/)
// 2. Project config (agentstream.json[c] in directory)
// 3. AGENTSTREAM_CONFIG file
// 4. AGENTSTREAM_CONFIG_CONTENT inline JSON
// 5. Environment variables
//
// A .env file in the working directory is loaded first so later env
// lookups see it.
func Load(directory string) (*Config, error) {
	_ = godotenv.Load()

	config := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadConfigFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	// 1. Global config
	globalPath := GetPaths().Config
	loadOnce(filepath.Join(globalPath, "agentstream.json"), globalPath)
	loadOnce(filepath.Join(globalPath, "agentstream.jsonc"), globalPath)

	// 2. Project config
	if directory != "" {
		loadOnce(filepath.Join(directory, "agentstream.json"), directory)
		loadOnce(filepath.Join(directory, "agentstream.jsonc"), directory)
	}

	// 3. AGENTSTREAM_CONFIG file override
	if configPath := os.Getenv("AGENTSTREAM_CONFIG"); configPath != "" {
		loadOnce(configPath, filepath.Dir(configPath))
	}

	// 4. AGENTSTREAM_CONFIG_CONTENT inline JSON
	if configContent := os.Getenv("AGENTSTREAM_CONFIG_CONTENT"); configContent != "" {
		var inlineConfig Config
		if err := json.Unmarshal([]byte(configContent), &inlineConfig); err == nil {
			mergeConfig(config, &inlineConfig)
		}
	}

	// 5. Environment variables (highest priority)
	applyEnvOverrides(config)

	return config, nil
}

// loadConfigFile loads a single config file with interpolation support.
func loadConfigFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err // File doesn't exist, skip
	}

	// Strip JSONC comments using tidwall/jsonc
	data = jsonc.ToJSON(data)

	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return err
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate processes {env:VAR} and {file:path} placeholders.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		filePath := filePattern.FindStringSubmatch(match)[1]

		if strings.HasPrefix(filePath, "~/") {
			filePath = filepath.Join(os.Getenv("HOME"), filePath[2:])
		} else if !filepath.IsAbs(filePath) {
			filePath = filepath.Join(baseDir, filePath)
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			return match // Keep original if file not found
		}

		// Escape for JSON string
		escaped := strings.ReplaceAll(string(content), "\\", "\\\\")
		escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
		escaped = strings.ReplaceAll(escaped, "\n", "\\n")
		escaped = strings.ReplaceAll(escaped, "\r", "\\r")
		escaped = strings.ReplaceAll(escaped, "\t", "\\t")

		return escaped
	})

	return []byte(str)
}

// mergeConfig merges source config into target.
func mergeConfig(target, source *Config) {
	if source.Port != 0 {
		target.Port = source.Port
	}
	if source.EnableCORS != nil {
		target.EnableCORS = source.EnableCORS
	}
	if source.LogLevel != "" {
		target.LogLevel = source.LogLevel
	}
	if source.PrettyLogs {
		target.PrettyLogs = true
	}
	if source.Session != nil {
		if target.Session == nil {
			target.Session = source.Session
		} else {
			if source.Session.TimeoutMs != 0 {
				target.Session.TimeoutMs = source.Session.TimeoutMs
			}
			if source.Session.HeartbeatIntervalMs != 0 {
				target.Session.HeartbeatIntervalMs = source.Session.HeartbeatIntervalMs
			}
			if source.Session.MaxRetries != 0 {
				target.Session.MaxRetries = source.Session.MaxRetries
			}
			if source.Session.BufferSize != 0 {
				target.Session.BufferSize = source.Session.BufferSize
			}
		}
	}
	if source.SessionMaxAgeMinutes != 0 {
		target.SessionMaxAgeMinutes = source.SessionMaxAgeMinutes
	}
	if source.SweepIntervalMinutes != 0 {
		target.SweepIntervalMinutes = source.SweepIntervalMinutes
	}
	if source.MaxOutputTokens != 0 {
		target.MaxOutputTokens = source.MaxOutputTokens
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for k, v := range source.Provider {
			target.Provider[k] = v
		}
	}
}

// applyEnvOverrides applies environment variable overrides. Provider
// API keys come from GEMINI_API_KEY[_n] and OPENROUTER_API_KEY[_n];
// keys listed in a config file win.
func applyEnvOverrides(config *Config) {
	if port := os.Getenv("AGENTSTREAM_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			config.Port = p
		}
	}
	if level := os.Getenv("AGENTSTREAM_LOG_LEVEL"); level != "" {
		config.LogLevel = level
	}

	if config.Provider == nil {
		config.Provider = make(map[string]ProviderConfig)
	}
	applyProviderKeys(config, "gemini", "GEMINI_API_KEY", 5)
	applyProviderKeys(config, "openrouter", "OPENROUTER_API_KEY", 3)
}

func applyProviderKeys(config *Config, name, envVar string, max int) {
	p := config.Provider[name]
	if len(p.APIKeys) > 0 {
		return
	}

	var keys []string
	if key := os.Getenv(envVar); key != "" {
		keys = append(keys, key)
	}
	for i := 1; i <= max; i++ {
		if key := os.Getenv(envVar + "_" + strconv.Itoa(i)); key != "" {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		p.APIKeys = keys
		config.Provider[name] = p
	}
}

// Save saves the configuration to a file.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
