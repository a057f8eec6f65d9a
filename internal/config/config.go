package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type LoggingConfig struct {
	Level string
}

type HTTPConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	TrustedProxies []string
}

type DatabaseConfig struct {
	URI             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type SessionConfig struct {
	CookieName         string
	SecureCookieName   string
	HeaderName         string
	InsecureHeaderName string
	CookiePath         string
	CookieDomain       string
	MaxAge             time.Duration
}

type PasswordConfig struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
	SaltLen uint32
}

type IPTrackingConfig struct {
	Retention     time.Duration
	PruneSchedule string
}

// RedisConfig enables the login throttle when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoginThrottleConfig struct {
	MaxAttempts int
	Window      time.Duration
}

type AppConfig struct {
	Environment      string
	Logging          LoggingConfig
	HTTP             HTTPConfig
	Database         DatabaseConfig
	Session          SessionConfig
	Password         PasswordConfig
	IPTracking       IPTrackingConfig
	Redis            RedisConfig
	LoginThrottle    LoginThrottleConfig
	AllowCORSOrigins []string
}

func Load() (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix("SQLSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logging.level", "")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")
	v.SetDefault("http.trustedproxies", []string{})

	v.SetDefault("database.uri", "sqlite://sessions.db")
	v.SetDefault("database.maxopen", 30)
	v.SetDefault("database.maxidle", 10)
	v.SetDefault("database.connmaxlifetime", "30m")

	v.SetDefault("session.cookiename", "sid")
	v.SetDefault("session.securecookiename", "__Host-sid")
	v.SetDefault("session.headername", "X-Auth-Token")
	v.SetDefault("session.insecureheadername", "X-Insecure-Auth-Token")
	v.SetDefault("session.cookiepath", "/")
	v.SetDefault("session.maxage", "1h")

	// argon2id, RFC 9106 second recommended option
	v.SetDefault("password.time", 3)
	v.SetDefault("password.memory", 64*1024)
	v.SetDefault("password.threads", 2)
	v.SetDefault("password.keylen", 32)
	v.SetDefault("password.saltlen", 16)

	v.SetDefault("iptracking.retention", "2160h") // 90 days
	v.SetDefault("iptracking.pruneschedule", "0 30 3 * * *")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("loginthrottle.maxattempts", 5)
	v.SetDefault("loginthrottle.window", "15m")
}
