package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration of trackd.
// Values come from defaults, then trackd.yaml, then TRACKD_* environment variables.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	CORS     CORSConfig     `mapstructure:"cors"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Movement MovementConfig `mapstructure:"movement"`
	ETA      ETAConfig      `mapstructure:"eta"`
	Client   ClientConfig   `mapstructure:"client"`

	// Deliveries seeds the resolver when no database is configured.
	Deliveries []DeliverySeed `mapstructure:"deliveries" validate:"dive"`
}

type ServerConfig struct {
	Address  string `mapstructure:"address"`
	HTTPPort string `mapstructure:"http_port" validate:"required,numeric"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	File   string `mapstructure:"file"`
}

// DatabaseConfig selects the persistence backend. An empty driver keeps
// everything in memory (dev mode).
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=mysql postgres sqlite"`
	DSN    string `mapstructure:"dsn" validate:"required_with=Driver"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" validate:"required_with=URL"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins" validate:"min=1,dive,required"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// DispatchConfig is the fixed origin (company HQ) shown on the customer map.
type DispatchConfig struct {
	Name      string  `mapstructure:"name"`
	OriginLat float64 `mapstructure:"origin_lat" validate:"gte=-90,lte=90"`
	OriginLng float64 `mapstructure:"origin_lng" validate:"gte=-180,lte=180"`
}

// MovementConfig holds the movement classification heuristics.
type MovementConfig struct {
	StoppedMeters float64       `mapstructure:"stopped_meters" validate:"gt=0"`
	StoppedAfter  time.Duration `mapstructure:"stopped_after" validate:"gt=0"`
	TrafficMeters float64       `mapstructure:"traffic_meters" validate:"gtefield=StoppedMeters"`
	InactiveAfter time.Duration `mapstructure:"inactive_after" validate:"gtfield=StoppedAfter"`
}

type ETAConfig struct {
	AvgSpeedKMH float64 `mapstructure:"avg_speed_kmh" validate:"gt=0"`
}

type DeliverySeed struct {
	TrackingNumber string  `mapstructure:"tracking_number" validate:"required"`
	DeviceID       string  `mapstructure:"device_id"`
	DestLat        float64 `mapstructure:"dest_lat" validate:"gte=-90,lte=90"`
	DestLng        float64 `mapstructure:"dest_lng" validate:"gte=-180,lte=180"`
	Status         string  `mapstructure:"status"`
}

type ClientConfig struct {
	BaseURL      string        `mapstructure:"base_url" validate:"required,url"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"min=5s,max=10s"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "5m")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "trackd.positions")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("admin.api_key", "")

	v.SetDefault("dispatch.name", "Headquarters")
	v.SetDefault("dispatch.origin_lat", 14.2821)
	v.SetDefault("dispatch.origin_lng", 121.1257)

	v.SetDefault("movement.stopped_meters", 2.0)
	v.SetDefault("movement.stopped_after", "5m")
	v.SetDefault("movement.traffic_meters", 10.0)
	v.SetDefault("movement.inactive_after", "20m")

	v.SetDefault("eta.avg_speed_kmh", 40.0)

	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.poll_interval", "5s")
}

// Loader owns the viper instance so the config file can be watched after load.
type Loader struct {
	v *viper.Viper
}

// NewLoader reads .env, defaults, the config file and the environment.
// path may be empty: trackd.yaml is then searched in . and /etc/trackd and
// its absence is not an error.
func NewLoader(path string) (*Loader, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRACKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trackd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trackd")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return &Loader{v: v}, nil
}

// Config decodes and validates the current configuration.
func (l *Loader) Config() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile is the file in use, empty when running on defaults and env only.
func (l *Loader) ConfigFile() string { return l.v.ConfigFileUsed() }

// Watch re-reads the config file on change and hands the result to fn.
// A config that fails validation is reported through err and not applied.
func (l *Loader) Watch(fn func(cfg *Config, err error)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		fn(l.Config())
	})
	l.v.WatchConfig()
}

// Load is NewLoader followed by Config.
func Load(path string) (*Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return nil, err
	}
	return l.Config()
}
