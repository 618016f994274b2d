package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the settings shared by every greenthumb service. Each binary reads
// the sections it needs.
type Config struct {
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Topics     TopicsConfig     `mapstructure:"topics"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Influx     InfluxConfig     `mapstructure:"influx"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Controller ControllerConfig `mapstructure:"controller"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	OAuth      OAuthConfig      `mapstructure:"oauth"`
	Simulator  SimulatorConfig  `mapstructure:"simulator"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type MQTTConfig struct {
	Host       string        `mapstructure:"host"`
	Port       int           `mapstructure:"port"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	ClientID   string        `mapstructure:"client_id"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// TopicsConfig holds subscription filters and per-device templates; "{device}" is
// replaced with the device id.
type TopicsConfig struct {
	MonitorFilter  string `mapstructure:"monitor_filter"`
	SettingsFilter string `mapstructure:"settings_filter"`
	Monitor        string `mapstructure:"monitor"`
	Settings       string `mapstructure:"settings"`
	PumpSet        string `mapstructure:"pump_set"`
	Decision       string `mapstructure:"decision"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type ControllerConfig struct {
	Devices          []string      `mapstructure:"devices"`
	MinGap           float64       `mapstructure:"min_gap"`
	ActuationTimeout time.Duration `mapstructure:"actuation_timeout"`
	ResyncTimeout    time.Duration `mapstructure:"resync_timeout"`
	BreakerFailures  uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
	DedupTTL         time.Duration `mapstructure:"dedup_ttl"`
	DedupMax         int           `mapstructure:"dedup_max"`
}

type WebhookConfig struct {
	Addr     string  `mapstructure:"addr"`
	DeviceID string  `mapstructure:"device_id"`
	Rate     float64 `mapstructure:"rate"`
	Burst    int     `mapstructure:"burst"`
	// AccountLinking serves the OAuth routes next to the webhook and requires
	// their access tokens on smart home intents.
	AccountLinking bool `mapstructure:"account_linking"`
}

type OAuthConfig struct {
	Addr      string        `mapstructure:"addr"`
	CacheSize int           `mapstructure:"cache_size"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type SimulatorConfig struct {
	Devices  []string      `mapstructure:"devices"`
	Interval time.Duration `mapstructure:"interval"`
	Seed     int64         `mapstructure:"seed"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// aliases keeps the env names the broker deployment already uses.
var aliases = map[string][]string{
	"mqtt.host":                    {"MQTT_HOST", "RABBITMQ_HOST"},
	"mqtt.port":                    {"MQTT_PORT", "RABBITMQ_PORT"},
	"mqtt.user":                    {"MQTT_USER", "RABBITMQ_USER"},
	"mqtt.password":                {"MQTT_PASSWORD", "RABBITMQ_PASSWORD"},
	"mqtt.client_id":               {"MQTT_CLIENT_ID", "RABBITMQ_CLIENT_ID"},
	"controller.devices":           {"CONTROLLER_DEVICES", "DEVICES"},
	"controller.min_gap":           {"CONTROLLER_MIN_GAP", "MIN_THRESHOLD_GAP"},
	"http.addr":                    {"HTTP_ADDR", "PORT"},
	"simulator.devices":            {"SIMULATOR_DEVICES", "DEVICES"},
	"controller.actuation_timeout": {"CONTROLLER_ACTUATION_TIMEOUT", "ACTUATION_TIMEOUT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.user", "guest")
	v.SetDefault("mqtt.password", "guest")
	v.SetDefault("mqtt.client_id", "greenthumb")
	v.SetDefault("mqtt.max_retries", 5)
	v.SetDefault("mqtt.max_elapsed", 10*time.Second)

	v.SetDefault("topics.monitor_filter", "greenthumb/+/monitor")
	v.SetDefault("topics.settings_filter", "greenthumb/+/settings")
	v.SetDefault("topics.monitor", "greenthumb/{device}/monitor")
	v.SetDefault("topics.settings", "greenthumb/{device}/settings")
	v.SetDefault("topics.pump_set", "greenthumb/{device}/pump/set")
	v.SetDefault("topics.decision", "greenthumb/{device}/decision")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "greenthumb")

	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "greenthumb")
	v.SetDefault("influx.bucket", "garden")
	v.SetDefault("influx.measurement", "garden_reading")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("controller.devices", []string{"garden-1"})
	v.SetDefault("controller.min_gap", 1.0)
	v.SetDefault("controller.actuation_timeout", 5*time.Second)
	v.SetDefault("controller.resync_timeout", 3*time.Second)
	v.SetDefault("controller.breaker_failures", 3)
	v.SetDefault("controller.breaker_timeout", 30*time.Second)
	v.SetDefault("controller.dedup_ttl", 10*time.Minute)
	v.SetDefault("controller.dedup_max", 10000)

	v.SetDefault("webhook.addr", ":8081")
	v.SetDefault("webhook.device_id", "garden-1")
	v.SetDefault("webhook.rate", 5.0)
	v.SetDefault("webhook.burst", 10)
	v.SetDefault("webhook.account_linking", true)

	v.SetDefault("oauth.addr", ":8082")
	v.SetDefault("oauth.cache_size", 1024)
	v.SetDefault("oauth.token_ttl", time.Hour)

	v.SetDefault("simulator.devices", []string{"garden-1"})
	v.SetDefault("simulator.interval", 5*time.Second)
	v.SetDefault("simulator.seed", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads an optional .env file, then the YAML file named by CONFIG_FILE (if
// any), then environment overrides.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile is Load without the .env step; path may be empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range aliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Controller.Devices = cleanList(cfg.Controller.Devices)
	cfg.Simulator.Devices = cleanList(cfg.Simulator.Devices)
	cfg.HTTP.AllowedOrigins = cleanList(cfg.HTTP.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values no service can run without.
func (c *Config) Validate() error {
	if len(c.Controller.Devices) == 0 {
		return errors.New("config: controller.devices is empty")
	}
	if c.Controller.MinGap < 0 {
		return fmt.Errorf("config: controller.min_gap must be >= 0, got %v", c.Controller.MinGap)
	}
	if c.Controller.ActuationTimeout <= 0 {
		return errors.New("config: controller.actuation_timeout must be positive")
	}
	if c.MQTT.Port <= 0 {
		return fmt.Errorf("config: invalid mqtt.port %d", c.MQTT.Port)
	}
	return nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
