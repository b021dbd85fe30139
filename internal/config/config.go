package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/harrylevesque/qrattend/internal/utils"
)

type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	CADir   string        `mapstructure:"ca_dir"`
}

type AttendanceConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollFailures    int           `mapstructure:"max_poll_failures" validate:"gte=1"`
	SubmitCooldown     time.Duration `mapstructure:"submit_cooldown" validate:"gte=0"`
	MaxRecentAttendees int           `mapstructure:"max_recent_attendees" validate:"gte=1"`
}

type SessionConfig struct {
	InactivityLimit  time.Duration `mapstructure:"inactivity_limit" validate:"gt=0"`
	WarningLead      time.Duration `mapstructure:"warning_lead" validate:"gt=0,ltfield=InactivityLimit"`
	ActivityDebounce time.Duration `mapstructure:"activity_debounce" validate:"gte=0"`
}

type StorageConfig struct {
	Dir     string `mapstructure:"dir" validate:"required"`
	KeyFile string `mapstructure:"key_file"`
}

type LogConfig struct {
	File  string `mapstructure:"file"`
	Level string `mapstructure:"level" validate:"omitempty,oneof=info warn warning error"`
}

type GUIConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

type CameraConfig struct {
	Command []string `mapstructure:"command"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Attendance AttendanceConfig `mapstructure:"attendance"`
	Session    SessionConfig    `mapstructure:"session"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	GUI        GUIConfig        `mapstructure:"gui"`
	Camera     CameraConfig     `mapstructure:"camera"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8000")
	v.SetDefault("server.timeout", 10*time.Second)
	v.SetDefault("server.ca_dir", "")

	v.SetDefault("attendance.poll_interval", 3*time.Second)
	v.SetDefault("attendance.max_poll_failures", 5)
	v.SetDefault("attendance.submit_cooldown", 10*time.Second)
	v.SetDefault("attendance.max_recent_attendees", 10)

	v.SetDefault("session.inactivity_limit", 60*time.Minute)
	v.SetDefault("session.warning_lead", 5*time.Minute)
	v.SetDefault("session.activity_debounce", time.Minute)

	v.SetDefault("storage.dir", utils.GetDataDir())
	v.SetDefault("storage.key_file", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("gui.addr", "127.0.0.1:8081")
	v.SetDefault("camera.command", []string{"zbarcam", "--raw", "--nodisplay"})
}

// Load reads configuration from path (yaml, json or toml by extension).
// With an empty path it looks for qrattend.yaml in the working directory and in
// the data dir, and runs on defaults when none exists. A .env file in the working
// directory is loaded first; environment variables prefixed QRATTEND_ override
// file values (QRATTEND_SERVER_BASE_URL=..., QRATTEND_SESSION_INACTIVITY_LIMIT=30m).
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Println("INFO: .env file loaded")
	}

	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("qrattend")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(utils.GetDataDir())
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("QRATTEND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Short alias kept from the old client flag.
	if s := os.Getenv("QRATTEND_SERVER"); s != "" {
		c.Server.BaseURL = s
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")
	if c.Storage.KeyFile == "" {
		c.Storage.KeyFile = filepath.Join(c.Storage.Dir, "store.key")
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Default returns the built-in configuration without reading files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	c.Storage.KeyFile = filepath.Join(c.Storage.Dir, "store.key")
	return &c
}

var validate = validator.New()

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CredentialPath is where the sealed credential lives.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.Storage.Dir, "credential.enc")
}

// LedgerPath is the sqlite file of the local ledger.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Storage.Dir, "ledger.db")
}
