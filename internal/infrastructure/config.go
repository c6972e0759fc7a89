package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix env prefix for viper
const EnvPrefix = "GOAPP"

// runtime environments
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// AppConfig App option object
type AppConfig struct {
	AppID    string `mapstructure:"app_id" json:"app_id" yaml:"app_id" validate:"required"`            // Application ID
	Host     string `mapstructure:"host" json:"host" yaml:"host"`                                      // bind host address
	Port     int    `mapstructure:"port" json:"port" yaml:"port" validate:"min=1,max=65535"`           // bind listen port
	Env      string `mapstructure:"env" json:"env" yaml:"env" validate:"oneof=development production"` // runtime environment
	Database struct {
		Driver   string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"oneof=mysql postgres sqlite memory"` // driver name
		Host     string `mapstructure:"host" json:"host" yaml:"host"`                                                     // server host
		MaxConn  int32  `mapstructure:"maxconn" json:"maxconn" yaml:"maxconn" validate:"min=1"`                           // maximum opening connections number
		Password string `mapstructure:"password" json:"password" yaml:"password"`                                         // db password
		Port     int    `mapstructure:"port" json:"port" yaml:"port"`                                                     // server port
		Protocol string `mapstructure:"protocol" json:"protocol" yaml:"protocol" validate:"omitempty,oneof=tcp udp"`      // connection protocol, eg.tcp
		Query    string `mapstructure:"query" json:"query" yaml:"query"`                                                  // DSN query parameter
		Schema   string `mapstructure:"schema" json:"schema" yaml:"schema"`                                               // use schema, sqlite file path
		User     string `mapstructure:"username" json:"username" yaml:"username"`                                         // db username
		Migrate  bool   `mapstructure:"migrate" json:"migrate" yaml:"migrate"`                                            // create tables on start
	} `mapstructure:"database" json:"database" yaml:"database"`
	Local struct {
		Backend string `mapstructure:"backend" json:"backend" yaml:"backend" validate:"oneof=sqlite redis memory"` // durable local store backend
		Path    string `mapstructure:"path" json:"path" yaml:"path"`                                             // sqlite file path
	} `mapstructure:"local" json:"local" yaml:"local"`
	Sync struct {
		Interval        time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"` // background sync period
		FetchTimeout    time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout" yaml:"fetch_timeout"`
		ProbeInterval   time.Duration `mapstructure:"probe_interval" json:"probe_interval" yaml:"probe_interval"` // connectivity probe period
		ConflictRetries uint64        `mapstructure:"conflict_retries" json:"conflict_retries" yaml:"conflict_retries"`
		MaxAttempts     int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" validate:"min=1"`
		InitialBackoff  time.Duration `mapstructure:"initial_backoff" json:"initial_backoff" yaml:"initial_backoff"`
		MaxBackoff      time.Duration `mapstructure:"max_backoff" json:"max_backoff" yaml:"max_backoff"`
	} `mapstructure:"sync" json:"sync" yaml:"sync"`
	Logging struct {
		FilePath string `mapstructure:"file_path" json:"file_path" yaml:"file_path"`                            // log file path
		Level    string `mapstructure:"level" json:"level" yaml:"level" validate:"oneof=debug info warn error"` // global logging level
	} `mapstructure:"logging" json:"logging" yaml:"logging"`
	Security struct {
		IDLength  int           `mapstructure:"id_length" json:"id_length" yaml:"id_length" validate:"min=8"` // length of generated ID for entities
		JWTMethod string        `mapstructure:"jwt_method" json:"jwt_method" yaml:"jwt_method" validate:"oneof=HS256 HS512"`
		JWTSecret string        `mapstructure:"jwt_secret" json:"jwt_secret" yaml:"jwt_secret" validate:"required"`
		TokenName string        `mapstructure:"token_name" json:"token_name" yaml:"token_name" validate:"required"` // jwt token name set in cookie
		TokenTTL  time.Duration `mapstructure:"token_ttl" json:"token_ttl" yaml:"token_ttl"`                        // blacklist entry lifetime
	} `mapstructure:"security" json:"security" yaml:"security"`
	KVStore struct {
		Host     string `mapstructure:"host" json:"host" yaml:"host"` // bind host address
		Port     int    `mapstructure:"port" json:"port" yaml:"port"` // bind listen port
		Password string `mapstructure:"password" json:"password" yaml:"password"`
		Enabled  bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"` // use redis for blacklist and change feed
	} `mapstructure:"kv" json:"kv" yaml:"kv"`
	DevOP struct {
		APM bool `mapstructure:"apm" json:"apm" yaml:"apm"`
	} `mapstructure:"devop" json:"devop" yaml:"devop"`
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("progress-sync", pflag.ContinueOnError)

	// app
	fs.String("host", "", "binding address")
	fs.String("app_id", "", "application identifier (required)")
	fs.String("env", "development", "runtime environment, can be 'development' or 'production'")
	fs.Int("port", 8081, "listening port")

	// database
	fs.String("database.driver", "sqlite", "remote database driver, one of mysql, postgres, sqlite, memory")
	fs.String("database.host", "127.0.0.1", "database host")
	fs.Int("database.port", 3306, "database server port")
	fs.String("database.protocol", "", "connection protocol(if mysql is used, this flag must be set), eg.tcp")
	fs.String("database.username", "", "database username")
	fs.String("database.password", "", "database password")
	fs.String("database.schema", "progress.db", "database schema, or database file when sqlite is used")
	fs.String("database.query", "", `additional DSN query parameters('?' is auto prefixed)`)
	fs.Int32("database.maxconn", 20, `max connection count, if you encounter a "too many connections" error, please consider
increasing the max_connection value of your db server, or lower this value`)
	fs.Bool("database.migrate", false, "create missing tables on start")

	// local store
	fs.String("local.backend", "sqlite", "local progress store backend, one of sqlite, redis, memory")
	fs.String("local.path", "local.db", "local progress store file")

	// sync
	fs.Duration("sync.interval", 5*time.Minute, "background sync period")
	fs.Duration("sync.fetch_timeout", 3*time.Second, "remote read timeout before falling back to local data")
	fs.Duration("sync.probe_interval", 15*time.Second, "connectivity probe period")
	fs.Uint64("sync.conflict_retries", 3, "version conflict retries per write")
	fs.Int("sync.max_attempts", 10, "failed attempts before a queued item is dead-lettered")
	fs.Duration("sync.initial_backoff", 30*time.Second, "first retry delay of a failed queued item")
	fs.Duration("sync.max_backoff", 30*time.Minute, "retry delay cap")

	// logging
	fs.String("logging.level", "info", "logging level")
	fs.String("logging.file_path", "", "log to file")

	// security
	fs.Int("security.id_length", 24, "set length of generated ID for entities")
	fs.String("security.jwt_method", "HS256", "hash algorithm used for JWT auth")
	fs.String("security.jwt_secret", "", "JWT secret (required)")
	fs.String("security.token_name", "", "cookie name to store the token (required)")
	fs.Duration("security.token_ttl", 30*time.Minute, "JWT lifetime, signed-out tokens are blacklisted this long")

	// kv storage
	fs.Bool("kv.enabled", false, "use redis for token blacklist and change feed")
	fs.String("kv.host", "127.0.0.1", "kv host")
	fs.Int("kv.port", 6379, "kv server port")
	fs.String("kv.password", "", "kv server password")

	// DevOp
	fs.Bool("devop.apm", false, "enable apm metrics")
	return fs
}

// LoadConfig parse args, .env and GOAPP_* environment into AppConfig
func LoadConfig(args []string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	v.BindPFlags(fs)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config = new(AppConfig)
	if err := v.Unmarshal(config); err != nil {
		return nil, err
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.Logging.Level == "debug" {
		if configJSON, err := json.MarshalIndent(config, "", "  "); err == nil {
			log.Printf("App config: %s\n", string(configJSON))
		}
	}
	return config, nil
}

func validateConfig(config *AppConfig) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "-" || name == "" {
			name = fld.Tag.Get("yaml")
			if name == "-" || name == "" {
				return ""
			}
		}
		return name
	})

	var msg []string
	err := validate.Struct(config)
	if _, ok := err.(*validator.InvalidValidationError); ok {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, field := range verrs {
			namespace := field.Namespace()
			fieldName := namespace[strings.IndexByte(namespace, '.')+1:] // trim top level namespace
			switch field.Tag() {
			case "required":
				msg = append(msg, fmt.Sprintf("%s is required", fieldName))
			case "oneof":
				msg = append(msg, fmt.Sprintf("%s must be one of (%s)", fieldName, field.Param()))
			default:
				msg = append(msg, fmt.Sprintf("%s must satisfy %s=%s", fieldName, field.Tag(), field.Param()))
			}
		}
	}

	db := config.Database
	switch db.Driver {
	case "mysql", "postgres":
		if db.User == "" {
			msg = append(msg, "database.username is required")
		}
		if db.Schema == "" {
			msg = append(msg, "database.schema is required")
		}
	case "sqlite":
		if db.Schema == "" {
			msg = append(msg, "database.schema is required")
		}
	}
	if config.Sync.Interval < time.Second {
		msg = append(msg, "sync.interval must be at least 1s")
	}
	if config.Local.Backend == "sqlite" && config.Local.Path == "" {
		msg = append(msg, "local.path is required")
	}
	if config.Local.Backend == "redis" && !config.KVStore.Enabled {
		msg = append(msg, "kv.enabled must be set when local.backend is redis")
	}

	if len(msg) > 0 {
		return fmt.Errorf("failed to validate config: \n%s", strings.Join(msg, "\n"))
	}
	return nil
}
