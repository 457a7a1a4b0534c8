package configs

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration values.
type Config struct {
	Port string

	AuthHost     string
	AuthEndpoint string
	AuthTimeout  time.Duration

	APISecret string

	// Storage backend for presence rosters: "redis" or "sqlite"
	Database   string
	RedisURL   string
	SQLitePath string

	// Namespace prefix for bus keys; stripped to recover the channel name
	KeyPrefix string

	// Publish a roster-change notification on every presence roster rewrite
	PublishPresence bool

	SubscribeRedis bool
	SubscribeKafka bool
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroupID   string

	ClientEventRate  float64
	ClientEventBurst int
}

var (
	ConfigInstance *Config
	once           sync.Once
)

// Load loads configuration from a .env file, environment variables and
// defaults, in that order of precedence.
func Load() *Config {
	once.Do(func() {
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
		viper.AddConfigPath(".")

		viper.SetDefault("RELAY_PORT", "6001")
		viper.SetDefault("RELAY_AUTH_HOST", "http://localhost")
		viper.SetDefault("RELAY_AUTH_ENDPOINT", "/broadcasting/auth")
		viper.SetDefault("RELAY_AUTH_TIMEOUT", "10s")
		viper.SetDefault("RELAY_API_SECRET", "secret")
		viper.SetDefault("RELAY_DATABASE", "redis")
		viper.SetDefault("REDIS_URL", "redis://127.0.0.1:6379/0")
		viper.SetDefault("RELAY_SQLITE_PATH", "relay.sqlite")
		viper.SetDefault("RELAY_KEY_PREFIX", "")
		viper.SetDefault("RELAY_PUBLISH_PRESENCE", false)
		viper.SetDefault("RELAY_SUBSCRIBE_REDIS", true)
		viper.SetDefault("RELAY_SUBSCRIBE_KAFKA", false)
		viper.SetDefault("KAFKA_BROKERS", "localhost:9092")
		viper.SetDefault("KAFKA_TOPIC", "relay-events")
		viper.SetDefault("KAFKA_GROUP_ID", "relay-server")
		viper.SetDefault("RELAY_CLIENT_EVENT_RATE", 10.0)
		viper.SetDefault("RELAY_CLIENT_EVENT_BURST", 20)
		viper.AutomaticEnv()

		if err := viper.ReadInConfig(); err != nil {
			log.Printf("Warning: Error reading .env file: %v", err)
			log.Printf("Using environment variables and defaults")
		}

		authTimeout, err := time.ParseDuration(viper.GetString("RELAY_AUTH_TIMEOUT"))
		if err != nil {
			log.Fatal("Invalid RELAY_AUTH_TIMEOUT format")
		}

		ConfigInstance = &Config{
			Port:             viper.GetString("RELAY_PORT"),
			AuthHost:         viper.GetString("RELAY_AUTH_HOST"),
			AuthEndpoint:     viper.GetString("RELAY_AUTH_ENDPOINT"),
			AuthTimeout:      authTimeout,
			APISecret:        viper.GetString("RELAY_API_SECRET"),
			Database:         viper.GetString("RELAY_DATABASE"),
			RedisURL:         viper.GetString("REDIS_URL"),
			SQLitePath:       viper.GetString("RELAY_SQLITE_PATH"),
			KeyPrefix:        viper.GetString("RELAY_KEY_PREFIX"),
			PublishPresence:  viper.GetBool("RELAY_PUBLISH_PRESENCE"),
			SubscribeRedis:   viper.GetBool("RELAY_SUBSCRIBE_REDIS"),
			SubscribeKafka:   viper.GetBool("RELAY_SUBSCRIBE_KAFKA"),
			KafkaBrokers:     strings.Split(viper.GetString("KAFKA_BROKERS"), ","),
			KafkaTopic:       viper.GetString("KAFKA_TOPIC"),
			KafkaGroupID:     viper.GetString("KAFKA_GROUP_ID"),
			ClientEventRate:  viper.GetFloat64("RELAY_CLIENT_EVENT_RATE"),
			ClientEventBurst: viper.GetInt("RELAY_CLIENT_EVENT_BURST"),
		}
	})
	return ConfigInstance
}
