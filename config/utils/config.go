// Package config loads environment variables & the config.yaml file
// into config structs for the orchestrator, workers, beat and gateway.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/crabzie/Auction-Stack-Orchestrator/internal/core/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains every process's configuration; each binary reads
// the sections it needs.
type (
	AppConfig struct {
		App          *App          `mapstructure:"app"`
		Logger       *Logger       `mapstructure:"logger"`
		DB           *DB           `mapstructure:"db"`
		Redis        *Redis        `mapstructure:"redis"`
		Brokers      Brokers       `mapstructure:"brokers"`
		Worker       *Worker       `mapstructure:"worker"`
		Beat         *Beat         `mapstructure:"beat"`
		Gateway      *Gateway      `mapstructure:"gateway"`
		Orchestrator *Orchestrator `mapstructure:"orchestrator"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains the environment variables for the lease store
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}

	// Broker is one isolated message broker endpoint. The system runs
	// one per tier; a broker URL never appears in the other tier's
	// section.
	Broker struct {
		URL string `mapstructure:"url"`
	}

	// Brokers maps tier name to its dedicated endpoint.
	Brokers map[string]*Broker

	// Worker configures one tier's worker pool.
	Worker struct {
		Tier        string   `mapstructure:"tier"`
		Concurrency int      `mapstructure:"concurrency"`
		Queues      []string `mapstructure:"queues"`
		AdminAddr   string   `mapstructure:"admin_addr"`
	}

	// Beat configures one tier's periodic scheduler.
	Beat struct {
		Tier      string                  `mapstructure:"tier"`
		LeaseTTL  time.Duration           `mapstructure:"lease_ttl"`
		AdminAddr string                  `mapstructure:"admin_addr"`
		Schedules []*domain.ScheduledTask `mapstructure:"schedules"`
	}

	// GatewayRoute maps a path prefix to an upstream gated by a
	// service node's health.
	GatewayRoute struct {
		Prefix    string `mapstructure:"prefix"`
		Upstream  string `mapstructure:"upstream"`
		Service   string `mapstructure:"service"`
		Protected bool   `mapstructure:"protected"`
	}

	// GatewayTimeouts is the proxy's connect/send/read trio.
	GatewayTimeouts struct {
		Connect time.Duration `mapstructure:"connect"`
		Send    time.Duration `mapstructure:"send"`
		Read    time.Duration `mapstructure:"read"`
	}

	// Gateway configures the TLS reverse proxy.
	Gateway struct {
		Listen       string          `mapstructure:"listen"`
		CertFile     string          `mapstructure:"cert_file"`
		KeyFile      string          `mapstructure:"key_file"`
		AuthKey      string          `mapstructure:"auth_key"`
		StatusURL    string          `mapstructure:"status_url"`
		PollInterval time.Duration   `mapstructure:"poll_interval"`
		Timeouts     GatewayTimeouts `mapstructure:"timeouts"`
		Routes       []GatewayRoute  `mapstructure:"routes"`
	}

	// StackProfile is one named dependency set. Environments declare
	// distinct profiles instead of sharing a guessed canonical graph.
	StackProfile struct {
		Services []*domain.ServiceNode `mapstructure:"services"`
	}

	// Orchestrator configures the dependency graph resolver.
	Orchestrator struct {
		Profile      string                   `mapstructure:"profile"`
		AdminAddr    string                   `mapstructure:"admin_addr"`
		StartTimeout time.Duration            `mapstructure:"start_timeout"`
		StopGrace    time.Duration            `mapstructure:"stop_grace"`
		Profiles     map[string]*StackProfile `mapstructure:"profiles"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind broker endpoints and tier selection
	viper.BindEnv("brokers.entities.url", "MQ_ENTITIES_URL")
	viper.BindEnv("brokers.parsers.url", "MQ_PARSERS_URL")
	viper.BindEnv("worker.tier", "TIER")
	viper.BindEnv("beat.tier", "TIER")

	// Bind gateway and orchestrator variables
	viper.BindEnv("gateway.auth_key", "GATEWAY_AUTH_KEY")
	viper.BindEnv("orchestrator.profile", "STACK_PROFILE")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config
}

// BrokerURL returns the broker endpoint for a tier, or "" when the
// tier has no dedicated broker configured.
func (c *AppConfig) BrokerURL(tier string) string {
	if b, ok := c.Brokers[tier]; ok {
		return b.URL
	}
	return ""
}
