// Package config loads lifecenter settings from defaults, an optional
// .lifecenter.yaml file and LIFECENTER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"lifecenter/domain"
)

// Backend selects the Store implementation.
type Backend string

const (
	BackendRemote Backend = "remote"
	BackendLocal  Backend = "local"
)

// AuthMode selects how bearer tokens are verified.
type AuthMode string

const (
	// AuthJWKS verifies RS256 tokens against the issuer's JWKS.
	AuthJWKS AuthMode = "jwks"
	// AuthHS256 verifies tokens with a shared secret.
	AuthHS256 AuthMode = "hs256"
	// AuthGuest skips verification; every request is the guest owner.
	AuthGuest AuthMode = "guest"
)

type Storage struct {
	ConnectionString string
	Tables           map[domain.Collection]string
	ReminderQueue    string
	LocalPath        string
}

type Redis struct {
	URL           string
	ChannelPrefix string
	CacheTTL      time.Duration
	DedupeTTL     time.Duration
}

type Auth struct {
	Mode     AuthMode
	Domain   string
	Audience string
	Secret   string
	KeyTTL   time.Duration
}

type Timers struct {
	Fast   time.Duration
	Medium time.Duration
	Slow   time.Duration
	Daily  time.Duration
}

// Config is the validated configuration of a lifecenter process.
type Config struct {
	Backend        Backend
	Addr           string
	Debug          bool
	PersistTimeout time.Duration
	Storage        Storage
	Redis          Redis
	Auth           Auth
	Timers         Timers
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", string(BackendLocal))
	v.SetDefault("addr", ":8080")
	v.SetDefault("debug", false)
	v.SetDefault("persist_timeout", "15s")
	v.SetDefault("storage.tasks_table", "tasks")
	v.SetDefault("storage.habits_table", "habits")
	v.SetDefault("storage.projects_table", "projects")
	v.SetDefault("storage.local_path", "~/.lifecenter")
	v.SetDefault("redis.channel_prefix", "lifecenter")
	v.SetDefault("redis.cache_ttl", "5m")
	v.SetDefault("redis.dedupe_ttl", "24h")
	v.SetDefault("auth.mode", string(AuthGuest))
	v.SetDefault("auth.key_ttl", "15m")
	v.SetDefault("timers.fast", "1s")
	v.SetDefault("timers.medium", "30s")
	v.SetDefault("timers.slow", "1h")
	v.SetDefault("timers.daily", "24h")
}

// Load reads the configuration. configPath, when set, names an explicit
// config file; otherwise .lifecenter.yaml is looked up in LIFECENTER_CONFIG_PATH
// and the working directory. A missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LIFECENTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".lifecenter")
		if override := os.Getenv("LIFECENTER_CONFIG_PATH"); override != "" {
			v.AddConfigPath(override)
		}
		v.AddConfigPath("./")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Backend:        Backend(strings.ToLower(v.GetString("backend"))),
		Addr:           v.GetString("addr"),
		Debug:          v.GetBool("debug"),
		PersistTimeout: v.GetDuration("persist_timeout"),
		Storage: Storage{
			ConnectionString: v.GetString("storage.connection_string"),
			Tables: map[domain.Collection]string{
				domain.CollectionTasks:    v.GetString("storage.tasks_table"),
				domain.CollectionHabits:   v.GetString("storage.habits_table"),
				domain.CollectionProjects: v.GetString("storage.projects_table"),
			},
			ReminderQueue: v.GetString("storage.reminder_queue"),
			LocalPath:     expandHome(v.GetString("storage.local_path")),
		},
		Redis: Redis{
			URL:           v.GetString("redis.url"),
			ChannelPrefix: v.GetString("redis.channel_prefix"),
			CacheTTL:      v.GetDuration("redis.cache_ttl"),
			DedupeTTL:     v.GetDuration("redis.dedupe_ttl"),
		},
		Auth: Auth{
			Mode:     AuthMode(strings.ToLower(v.GetString("auth.mode"))),
			Domain:   v.GetString("auth.domain"),
			Audience: v.GetString("auth.audience"),
			Secret:   v.GetString("auth.secret"),
			KeyTTL:   v.GetDuration("auth.key_ttl"),
		},
		Timers: Timers{
			Fast:   v.GetDuration("timers.fast"),
			Medium: v.GetDuration("timers.medium"),
			Slow:   v.GetDuration("timers.slow"),
			Daily:  v.GetDuration("timers.daily"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendRemote:
		if c.Storage.ConnectionString == "" {
			errs = append(errs, errors.New("storage.connection_string is required for the remote backend"))
		}
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the remote backend"))
		}
		for _, col := range domain.Collections {
			if c.Storage.Tables[col] == "" {
				errs = append(errs, fmt.Errorf("storage.%s_table must not be empty", col))
			}
		}
	case BackendLocal:
		if c.Storage.LocalPath == "" {
			errs = append(errs, errors.New("storage.local_path is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}

	switch c.Auth.Mode {
	case AuthJWKS:
		if c.Auth.Domain == "" || c.Auth.Audience == "" {
			errs = append(errs, errors.New("auth.domain and auth.audience are required for jwks auth"))
		}
	case AuthHS256:
		if c.Auth.Secret == "" {
			errs = append(errs, errors.New("auth.secret is required for hs256 auth"))
		}
	case AuthGuest:
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}

	for name, d := range map[string]time.Duration{
		"timers.fast":   c.Timers.Fast,
		"timers.medium": c.Timers.Medium,
		"timers.slow":   c.Timers.Slow,
		"timers.daily":  c.Timers.Daily,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.PersistTimeout < 0 {
		errs = append(errs, errors.New("persist_timeout must not be negative"))
	}
	return errors.Join(errs...)
}

// JWKSURL is where signing keys are fetched in jwks mode.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

// Issuer is the expected token issuer in jwks mode.
func (a Auth) Issuer() string {
	return "https://" + a.Domain + "/"
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}
