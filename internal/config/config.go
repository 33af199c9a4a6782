package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Collector CollectorConfig
	Mimir     MimirConfig
	Email     EmailConfig
	Console   ConsoleConfig
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	URL             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

type AuthConfig struct {
	JWTSecret     string
	TokenTTL      time.Duration
	AdminUsername string
	AdminPassword string
	AdminEmail    string
	LoginRate     float64
	LoginBurst    int
}

type CollectorConfig struct {
	Interval          time.Duration
	WorkerCount       int
	ConnectionTimeout time.Duration
	QueryTimeout      time.Duration
	MaxOpenConns      int
	SyncRemoteLimit   bool
}

type MimirConfig struct {
	URL           string
	TenantHeader  string
	TenantID      string
	FlushInterval time.Duration
	AuthToken     string
}

type EmailConfig struct {
	SendGridAPIKey string
	FromAddress    string
	FromName       string
	Throttle       time.Duration
}

type ConsoleConfig struct {
	APIURL      string
	SessionFile string
}

func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("GUARDIAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.allowedorigins", []string{"http://localhost:3000"})
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("database.connmaxlifetime", "5m")
	viper.SetDefault("database.migrateonstart", true)
	viper.SetDefault("auth.tokenttl", "24h")
	viper.SetDefault("auth.adminusername", "admin")
	viper.SetDefault("auth.adminemail", "admin@localhost")
	viper.SetDefault("auth.loginrate", 0.2)
	viper.SetDefault("auth.loginburst", 5)
	viper.SetDefault("collector.interval", "120s")
	viper.SetDefault("collector.workercount", 5)
	viper.SetDefault("collector.connectiontimeout", "30s")
	viper.SetDefault("collector.querytimeout", "60s")
	viper.SetDefault("collector.maxopenconns", 2)
	viper.SetDefault("collector.syncremotelimit", true)
	viper.SetDefault("mimir.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("mimir.tenantid", "partner-guardian")
	viper.SetDefault("mimir.flushinterval", "30s")
	viper.SetDefault("email.fromname", "Partner Guardian")
	viper.SetDefault("email.throttle", "1h")
	viper.SetDefault("console.apiurl", "http://localhost:8080")
	viper.SetDefault("console.sessionfile", defaultSessionFile())

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
		cfg.Auth.AdminPassword = pw
	}
	if key := os.Getenv("SENDGRID_API_KEY"); key != "" {
		cfg.Email.SendGridAPIKey = key
	}
	if url := os.Getenv("MIMIR_URL"); url != "" {
		cfg.Mimir.URL = url
	}
	if token := os.Getenv("MIMIR_AUTH_TOKEN"); token != "" {
		cfg.Mimir.AuthToken = token
	}
	if url := os.Getenv("GUARDIAN_API_URL"); url != "" {
		cfg.Console.APIURL = url
	}

	if cfg.Collector.WorkerCount < 1 {
		cfg.Collector.WorkerCount = 1
	}

	return &cfg, nil
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".partner-guardian-session.json"
	}
	return home + "/.config/partner-guardian/session.json"
}
