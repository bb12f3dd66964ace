package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Manager implements the ConfigManager interface
type Manager struct {
	validate *validator.Validate
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{validate: validator.New()}
}

// Load reads and parses the configuration file on top of the defaults
func (m *Manager) Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", filename)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", filename)
	}

	if err := m.Validate(config); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return config, nil
}

// Validate checks if the configuration values are valid
func (m *Manager) Validate(config *Config) error {
	if config == nil {
		return errors.New("config is nil")
	}

	if err := m.validate.Struct(config); err != nil {
		return errors.Newf("invalid configuration: %s", formatValidationErrors(err))
	}

	seen := make(map[string]bool, len(config.Accounts))
	for _, account := range config.Accounts {
		id := strings.ToLower(account.ID)
		if seen[id] {
			return errors.Newf("duplicate account: %s", account.ID)
		}
		seen[id] = true
		if !account.Bonjour && !strings.Contains(account.ID, "@") {
			return errors.Newf("account id must be user@domain: %s", account.ID)
		}
	}

	// 0 is allowed for testing and means "use any available port"
	if config.WebAdmin.Enabled {
		if config.WebAdmin.Port < 0 || config.WebAdmin.Port > 65535 {
			return errors.Newf("invalid web admin port: %d (must be 0-65535)", config.WebAdmin.Port)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return errors.Newf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	return nil
}

func formatValidationErrors(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}

	parts := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		switch fieldErr.Tag() {
		case "required":
			parts = append(parts, "field '"+fieldErr.Namespace()+"' is required")
		case "oneof":
			parts = append(parts, "field '"+fieldErr.Namespace()+"' must be one of ["+fieldErr.Param()+"]")
		default:
			parts = append(parts, "field '"+fieldErr.Namespace()+"' failed validation '"+fieldErr.Tag()+"="+fieldErr.Param()+"'")
		}
	}
	return strings.Join(parts, "; ")
}

// Account returns the account with the given identifier.
func (c *Config) Account(id string) (*Account, bool) {
	for i := range c.Accounts {
		if strings.EqualFold(c.Accounts[i].ID, id) {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DefaultAccount returns the first configured account, or nil.
func (c *Config) DefaultAccount() *Account {
	if len(c.Accounts) == 0 {
		return nil
	}
	return &c.Accounts[0]
}

// GetDefaultConfig returns a configuration with default values
func GetDefaultConfig() *Config {
	return &Config{
		AnsweringMachine: AnsweringMachineConfig{
			Enabled:     false,
			AnswerDelay: 10,
		},
		Audio: AudioConfig{
			PauseMusic: true,
		},
		ScreenSharing: ScreenSharingConfig{
			ServerAddress: "127.0.0.1:5900",
		},
		Sessions: SessionsConfig{
			DrainDelay:        10,
			MusicPauseTimeout: 500,
			Transports:        []string{"tls", "tcp", "udp"},
			Workers:           8,
		},
		DNS: DNSConfig{
			ResolvConf: "/etc/resolv.conf",
			TimeoutMS:  3000,
		},
		History: HistoryConfig{
			Path: "./history.db",
		},
		WebAdmin: WebAdminConfig{
			Port:    8080,
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}
