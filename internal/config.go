package internal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/assessdesk/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	API     APIConfig         `yaml:"api"`
	Storage StorageConfig     `yaml:"storage"`
	Session SessionConfig     `yaml:"session"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level" env:"ASSESSDESK_LOG_LEVEL"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds the control API listener configuration.
type HTTPConfig struct {
	Port int `yaml:"port" env:"ASSESSDESK_HTTP_PORT"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// APIConfig locates the property-assessment backend.
type APIConfig struct {
	BaseURL        string        `yaml:"base_url" env:"ASSESSDESK_BASE_URL"`
	AuthPath       string        `yaml:"auth_path" env:"ASSESSDESK_AUTH_PATH"`
	ResourcePrefix string        `yaml:"resource_prefix" env:"ASSESSDESK_RESOURCE_PREFIX"`
	Timeout        time.Duration `yaml:"timeout" env:"ASSESSDESK_TIMEOUT"`
}

// Validate validates the backend configuration.
func (c *APIConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.AuthPath, validation.Required),
		validation.Field(&c.Timeout, validation.Required, validation.Min(time.Second)),
	)
}

// StorageConfig selects where the session token is kept between runs.
type StorageConfig struct {
	Driver string `yaml:"driver" env:"ASSESSDESK_STORAGE_DRIVER"`
	Path   string `yaml:"path" env:"ASSESSDESK_STORAGE_PATH"`
}

// Validate validates the storage configuration.
func (c *StorageConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.Required, validation.In(storage.DriverFS, storage.DriverSQLite)),
		validation.Field(&c.Path, validation.Required),
	)
}

// SessionConfig holds session policy.
type SessionConfig struct {
	// Watch follows token changes made by other processes sharing the storage.
	Watch bool `yaml:"watch" env:"ASSESSDESK_SESSION_WATCH"`
	// LogoutOnUnauthorized drops the session when a data endpoint answers 401.
	LogoutOnUnauthorized bool `yaml:"logout_on_unauthorized" env:"ASSESSDESK_LOGOUT_ON_UNAUTHORIZED"`
}

// AuthConfig holds authentication configuration for the control API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode" env:"ASSESSDESK_AUTH_MODE"`
	Token string `yaml:"token" env:"ASSESSDESK_AUTH_TOKEN"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		API: APIConfig{
			BaseURL:        "http://127.0.0.1:8000",
			AuthPath:       "/api/token/",
			ResourcePrefix: "/property-assessment",
			Timeout:        30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: storage.DriverFS,
			Path:   defaultStateDir(),
		},
		Session: SessionConfig{
			Watch:                true,
			LogoutOnUnauthorized: true,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}

func defaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".assessdesk"
	}
	return filepath.Join(dir, "assessdesk")
}
