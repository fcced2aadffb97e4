package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Node roles. A producer owns the upstream weather source and answers
// refresh requests; a consumer holds the weather slot and asks for updates.
const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
	RoleBoth     = "both"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	Role       string `validate:"oneof=producer consumer both"`
	NodeID     string `validate:"required,excludesall=/+#"`
	NodeName   string
	NodeNearby bool

	ServerPort string `validate:"required,numeric"`

	WeatherAPIKey     string
	WeatherAPIURL     string        `validate:"required,url"`
	WeatherAPITimeout time.Duration `validate:"gt=0"`
	WeatherLocation   string        `validate:"required_unless=Role consumer,location"`
	CacheTTL          time.Duration `validate:"gt=0"`
	CoalesceTimeout   time.Duration `validate:"gte=0"`

	RetryAttempts   int `validate:"min=1"`
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	BreakerFailures uint32 `validate:"min=1"`
	BreakerCooldown time.Duration

	TransportBackend    string `validate:"oneof=memory mqtt"`
	MQTTBroker          string `validate:"required_if=TransportBackend mqtt"`
	MQTTUsername        string
	MQTTPassword        string
	MQTTTopicPrefix     string
	MQTTQoS             int `validate:"min=0,max=2"`
	MQTTDiscoveryWindow time.Duration

	StoreBackend          string `validate:"oneof=memory file memcached redis"`
	StoreSlotKey          string `validate:"required"`
	StoreFileDir          string `validate:"required_if=StoreBackend file"`
	MemcachedAddrs        string `validate:"required_if=StoreBackend memcached"`
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	RedisAddr             string `validate:"required_if=StoreBackend redis"`
	RedisPassword         string
	RedisDB               int `validate:"min=0"`

	SyncConnectTimeout time.Duration `validate:"gt=0"`
	PublishInterval    time.Duration `validate:"gte=0"`
	CheckInterval      time.Duration `validate:"gte=0"`

	RequestTimeout  time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
	ShutdownTimeout time.Duration
}

// RunsProducer reports whether this node serves refresh requests.
func (c *Config) RunsProducer() bool {
	return c.Role == RoleProducer || c.Role == RoleBoth
}

// RunsConsumer reports whether this node holds the weather slot.
func (c *Config) RunsConsumer() bool {
	return c.Role == RoleConsumer || c.Role == RoleBoth
}

type fileConfig struct {
	Node struct {
		Role   string `yaml:"role"`
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Nearby bool   `yaml:"nearby"`
	} `yaml:"node"`

	Server struct {
		Port           string `yaml:"port"`
		RequestTimeout string `yaml:"request_timeout"`
		RateLimitRPS   int    `yaml:"rate_limit_rps"`
		RateLimitBurst int    `yaml:"rate_limit_burst"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL      string `yaml:"url"`
		Timeout  string `yaml:"timeout"`
		Location string `yaml:"location"`
	} `yaml:"weather_api"`

	Weather struct {
		CacheTTL        string `yaml:"cache_ttl"`
		CoalesceTimeout string `yaml:"coalesce_timeout"`
	} `yaml:"weather"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		BreakerFailures  uint32 `yaml:"breaker_failures"`
		BreakerCooldown  string `yaml:"breaker_cooldown"`
	} `yaml:"reliability"`

	Transport struct {
		Backend string `yaml:"backend"`
		MQTT    struct {
			Broker          string `yaml:"broker"`
			Username        string `yaml:"username"`
			TopicPrefix     string `yaml:"topic_prefix"`
			QoS             *int   `yaml:"qos"`
			DiscoveryWindow string `yaml:"discovery_window"`
		} `yaml:"mqtt"`
	} `yaml:"transport"`

	Store struct {
		Backend string `yaml:"backend"`
		SlotKey string `yaml:"slot_key"`
		File    struct {
			Dir string `yaml:"dir"`
		} `yaml:"file"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Sync struct {
		ConnectTimeout  string `yaml:"connect_timeout"`
		PublishInterval string `yaml:"publish_interval"`
		CheckInterval   string `yaml:"check_interval"`
	} `yaml:"sync"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	MQTTPassword  string `yaml:"mqtt_password"`
	RedisPassword string `yaml:"redis_password"`
}

var validate = newValidator()

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml. A .env file in the working directory, if present,
// is loaded into the environment first; variables already set win.
// Call from project root.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Role = lowerOr(envOr("NODE_ROLE", fc.Node.Role), RoleBoth)
	cfg.NodeID = strings.TrimSpace(envOr("NODE_ID", fc.Node.ID))
	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.NodeID = host
		}
	}
	cfg.NodeName = fc.Node.Name
	if cfg.NodeName == "" {
		cfg.NodeName = cfg.NodeID
	}
	cfg.NodeNearby = fc.Node.Nearby

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 5*time.Second)
	cfg.RateLimitRPS = fc.Server.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 1
	}
	cfg.RateLimitBurst = fc.Server.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 3
	}

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		cfg.WeatherAPIKey = sec.WeatherAPIKey
	}
	cfg.WeatherAPIURL = fc.WeatherAPI.URL
	if cfg.WeatherAPIURL == "" {
		cfg.WeatherAPIURL = "https://api.openweathermap.org/data/2.5/weather"
	}
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)
	cfg.WeatherLocation = strings.TrimSpace(envOr("WEATHER_LOCATION", fc.WeatherAPI.Location))
	cfg.CacheTTL = parseDuration(fc.Weather.CacheTTL, 10*time.Minute)
	cfg.CoalesceTimeout = parseDuration(fc.Weather.CoalesceTimeout, 10*time.Second)

	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 2*time.Second)
	cfg.BreakerFailures = fc.Reliability.BreakerFailures
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	cfg.BreakerCooldown = parseDuration(fc.Reliability.BreakerCooldown, 30*time.Second)

	cfg.TransportBackend = lowerOr(envOr("TRANSPORT_BACKEND", fc.Transport.Backend), "memory")
	cfg.MQTTBroker = strings.TrimSpace(envOr("MQTT_BROKER", fc.Transport.MQTT.Broker))
	cfg.MQTTUsername = fc.Transport.MQTT.Username
	cfg.MQTTPassword = envOr("MQTT_PASSWORD", sec.MQTTPassword)
	cfg.MQTTTopicPrefix = fc.Transport.MQTT.TopicPrefix
	if cfg.MQTTTopicPrefix == "" {
		cfg.MQTTTopicPrefix = "weather-sync"
	}
	cfg.MQTTQoS = 1
	if fc.Transport.MQTT.QoS != nil {
		cfg.MQTTQoS = *fc.Transport.MQTT.QoS
	}
	cfg.MQTTDiscoveryWindow = parseDuration(fc.Transport.MQTT.DiscoveryWindow, 500*time.Millisecond)

	cfg.StoreBackend = lowerOr(envOr("STORE_BACKEND", fc.Store.Backend), "memory")
	cfg.StoreSlotKey = fc.Store.SlotKey
	if cfg.StoreSlotKey == "" {
		cfg.StoreSlotKey = "key_preferences_weather"
	}
	cfg.StoreFileDir = strings.TrimSpace(fc.Store.File.Dir)
	if cfg.StoreFileDir == "" && cfg.StoreBackend == "file" {
		cfg.StoreFileDir = filepath.Join(cwd, "data")
	}
	cfg.MemcachedAddrs = strings.TrimSpace(envOr("MEMCACHED_ADDRS", fc.Store.Memcached.Addrs))
	if cfg.MemcachedAddrs == "" && cfg.StoreBackend == "memcached" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}
	cfg.RedisAddr = strings.TrimSpace(envOr("REDIS_ADDR", fc.Store.Redis.Addr))
	if cfg.RedisAddr == "" && cfg.StoreBackend == "redis" {
		cfg.RedisAddr = "localhost:6379"
	}
	cfg.RedisPassword = envOr("REDIS_PASSWORD", sec.RedisPassword)
	cfg.RedisDB = fc.Store.Redis.DB
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}

	cfg.SyncConnectTimeout = parseDuration(fc.Sync.ConnectTimeout, 10*time.Second)
	cfg.PublishInterval = parseDurationOrZero(fc.Sync.PublishInterval, 30*time.Minute)
	cfg.CheckInterval = parseDurationOrZero(fc.Sync.CheckInterval, 15*time.Minute)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func lowerOr(s, def string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is; "0" disables interval jobs.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validateConfig checks cross-field rules that struct tags cannot express,
// then runs tag validation. RequestTimeout is raised above WeatherAPITimeout
// when needed.
func validateConfig(cfg *Config) error {
	if cfg.RunsProducer() && cfg.WeatherAPIKey == "" {
		return fmt.Errorf("WEATHER_API_KEY required for role %s (set env or config/secrets.yaml weather_api_key)", cfg.Role)
	}
	if cfg.TransportBackend == "memory" && cfg.Role != RoleBoth {
		return fmt.Errorf("transport.backend memory only connects nodes in one process; role %q needs mqtt", cfg.Role)
	}
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	return nil
}
