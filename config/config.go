package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the service configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ServiceBus ServiceBusConfig
	NewRelic   NewRelicConfig
	Ingest     IngestConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port int
	Mode string // debug, release, test
}

// DatabaseConfig holds the database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// ServiceBusConfig holds the Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString string
	QueueName        string
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string
	LicenseKey string
	Enabled    bool
}

// IngestConfig holds the ingestion pipeline policy knobs. The timestamp
// acceptance window is policy, not structure, so it lives here rather than
// as literals in the validator.
type IngestConfig struct {
	BatchSize           int  // queued payloads per drain cycle
	ChildChunk          int  // bulk insert chunk size for reading rows
	AcceptPastDays      int  // ts >= now - AcceptPastDays
	AcceptFutureMinutes int  // ts <= now + AcceptFutureMinutes
	Tolerant            bool // keep partially valid payloads' good records
	DrainIntervalSec    int  // worker drain period in seconds
	LockTTLSec          int  // single-flight drain lock TTL in seconds
}

// InitConfig initializes the configuration using Viper
func InitConfig(cfgFile string) error {
	// Set defaults for configuration
	setDefaults()

	// Use config file from the flag if provided
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in common directories with name "config"
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/telemetry-service")
		viper.SetConfigName("config")
	}

	// Set environment variable prefix for config overrides
	viper.SetEnvPrefix("TELEMETRY")

	// Enable automatic environment variable binding
	// For example, TELEMETRY_SERVER_PORT will override server.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, using defaults and environment variables
			fmt.Println("No config file found, using defaults and environment variables")
		} else {
			// Config file was found but another error occurred
			return fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

// setDefaults sets default values for configuration
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8093)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "telemetry")
	viper.SetDefault("database.password", "telemetry")
	viper.SetDefault("database.dbname", "telemetry_service_db")
	viper.SetDefault("database.sslmode", "disable")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Service Bus defaults - no default connection string for security
	viper.SetDefault("servicebus.queuename", "telemetry-events")

	// New Relic defaults
	viper.SetDefault("newrelic.appname", "Telemetry Service Local")
	viper.SetDefault("newrelic.enabled", false)

	// Ingest pipeline defaults
	viper.SetDefault("ingest.batchsize", 300)
	viper.SetDefault("ingest.childchunk", 1000)
	viper.SetDefault("ingest.acceptpastdays", 365)
	viper.SetDefault("ingest.acceptfutureminutes", 1440)
	viper.SetDefault("ingest.tolerant", true)
	viper.SetDefault("ingest.drainintervalsec", 60)
	viper.SetDefault("ingest.lockttlsec", 300)
}

// Load loads the configuration
func Load() (*Config, error) {
	// Server
	serverConfig := ServerConfig{
		Port: viper.GetInt("server.port"),
		Mode: viper.GetString("server.mode"),
	}

	// Database
	dbConfig := DatabaseConfig{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
	}

	// Redis
	redisConfig := RedisConfig{
		Host:     viper.GetString("redis.host"),
		Port:     viper.GetInt("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	}

	// Service Bus
	serviceBusConfig := ServiceBusConfig{
		ConnectionString: viper.GetString("servicebus.connectionstring"),
		QueueName:        viper.GetString("servicebus.queuename"),
	}

	// New Relic
	newRelicConfig := NewRelicConfig{
		AppName:    viper.GetString("newrelic.appname"),
		LicenseKey: viper.GetString("newrelic.licensekey"),
		Enabled:    viper.GetBool("newrelic.enabled"),
	}

	// Ingest
	ingestConfig := IngestConfig{
		BatchSize:           viper.GetInt("ingest.batchsize"),
		ChildChunk:          viper.GetInt("ingest.childchunk"),
		AcceptPastDays:      viper.GetInt("ingest.acceptpastdays"),
		AcceptFutureMinutes: viper.GetInt("ingest.acceptfutureminutes"),
		Tolerant:            viper.GetBool("ingest.tolerant"),
		DrainIntervalSec:    viper.GetInt("ingest.drainintervalsec"),
		LockTTLSec:          viper.GetInt("ingest.lockttlsec"),
	}

	return &Config{
		Server:     serverConfig,
		Database:   dbConfig,
		Redis:      redisConfig,
		ServiceBus: serviceBusConfig,
		NewRelic:   newRelicConfig,
		Ingest:     ingestConfig,
	}, nil
}
