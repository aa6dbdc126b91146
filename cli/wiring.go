package cli

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"lifecenter/api"
	"lifecenter/config"
	"lifecenter/notify"
	"lifecenter/storage"
)

// parseRedisURL accepts redis:// URLs and the Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedisURL(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

// deps are the long lived clients a command needs.
type deps struct {
	redis *redis.Client
	store storage.Store
}

func (d *deps) Close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func openDeps(cfg *config.Config) (*deps, error) {
	d := &deps{}
	if cfg.Redis.URL != "" {
		d.redis = redis.NewClient(parseRedisURL(cfg.Redis.URL))
	}
	switch cfg.Backend {
	case config.BackendRemote:
		remote, err := storage.NewRemote(cfg.Storage.ConnectionString, cfg.Storage.Tables, d.redis, cfg.Redis.ChannelPrefix)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("remote storage: %w", err)
		}
		d.store = storage.NewCache(remote, d.redis, cfg.Redis.CacheTTL, cfg.Redis.ChannelPrefix)
	case config.BackendLocal:
		local, err := storage.NewLocal(cfg.Storage.LocalPath)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("local storage: %w", err)
		}
		d.store = local
	}
	return d, nil
}

func newNotifier(cfg *config.Config) (notify.Notifier, error) {
	if cfg.Storage.ReminderQueue == "" || cfg.Storage.ConnectionString == "" {
		return notify.LogNotifier{Logger: log.StandardLogger()}, nil
	}
	return notify.NewQueueNotifier(cfg.Storage.ConnectionString, cfg.Storage.ReminderQueue)
}

func newAuth(cfg *config.Config) (api.Authenticator, func(), error) {
	switch cfg.Auth.Mode {
	case config.AuthJWKS:
		jwks, err := keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{
			RefreshInterval:   cfg.Auth.KeyTTL,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("jwks: %w", err)
		}
		return api.NewAuth(jwks, cfg.Auth.Audience, cfg.Auth.Issuer(), cfg.Auth.KeyTTL), jwks.EndBackground, nil
	case config.AuthHS256:
		return api.NewHS256Auth([]byte(cfg.Auth.Secret)), func() {}, nil
	default:
		log.Warn("auth disabled: every request is served as the guest owner")
		return api.GuestAuth{}, func() {}, nil
	}
}
