// config.go - Connection configuration sourced from the environment or built explicitly

package odm

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Defaults applied by LoadConfig and ConfigFromURI.
const (
	DefaultURI                    = "mongodb://localhost:27017"
	DefaultDatabase               = "test"
	DefaultMaxPoolSize            = 100
	DefaultConnectTimeout         = 10 * time.Second
	DefaultServerSelectionTimeout = 30 * time.Second
	DefaultReadPreference         = "primary"
)

// Config holds everything needed to open a pooled client. It is a comparable
// value: two equal Configs share one client in a Manager.
type Config struct {
	URI                    string
	Database               string
	MaxPoolSize            uint64
	MinPoolSize            uint64
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
	RetryWrites            bool
	ReadPreference         string
	AppName                string
}

// LoadConfig reads the configuration from MONGO_* environment variables.
// Any envFiles are loaded first; variables already set in the environment win.
//
// Recognized variables: MONGO_URI, MONGO_DATABASE, MONGO_MAX_POOL_SIZE,
// MONGO_MIN_POOL_SIZE, MONGO_CONNECT_TIMEOUT (ms),
// MONGO_SERVER_SELECTION_TIMEOUT (ms), MONGO_RETRY_WRITES,
// MONGO_READ_PREFERENCE and MONGO_APP_NAME.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, &Error{Kind: ErrConfigInvalid, Op: "load config", Message: err.Error(), Err: err}
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MONGO")
	v.AutomaticEnv()

	v.SetDefault("uri", DefaultURI)
	v.SetDefault("database", "")
	v.SetDefault("max_pool_size", DefaultMaxPoolSize)
	v.SetDefault("min_pool_size", 0)
	v.SetDefault("connect_timeout", DefaultConnectTimeout.Milliseconds())
	v.SetDefault("server_selection_timeout", DefaultServerSelectionTimeout.Milliseconds())
	v.SetDefault("retry_writes", true)
	v.SetDefault("read_preference", DefaultReadPreference)
	v.SetDefault("app_name", "")

	r := envReader{v: v}
	cfg := Config{
		URI:                    v.GetString("uri"),
		Database:               v.GetString("database"),
		MaxPoolSize:            r.uint64("max_pool_size"),
		MinPoolSize:            r.uint64("min_pool_size"),
		ConnectTimeout:         r.millis("connect_timeout"),
		ServerSelectionTimeout: r.millis("server_selection_timeout"),
		RetryWrites:            r.bool("retry_writes"),
		ReadPreference:         v.GetString("read_preference"),
		AppName:                v.GetString("app_name"),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if cfg.Database == "" {
		cfg.Database = databaseFromURI(cfg.URI)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envReader parses typed settings strictly; viper's Get* helpers turn
// malformed values into zero. The first failure is kept.
type envReader struct {
	v   *viper.Viper
	err error
}

func (r *envReader) uint64(key string) uint64 {
	n, err := cast.ToUint64E(r.v.Get(key))
	r.check(key, err)
	return n
}

func (r *envReader) millis(key string) time.Duration {
	n, err := cast.ToInt64E(r.v.Get(key))
	r.check(key, err)
	return time.Duration(n) * time.Millisecond
}

func (r *envReader) bool(key string) bool {
	b, err := cast.ToBoolE(r.v.Get(key))
	r.check(key, err)
	return b
}

func (r *envReader) check(key string, err error) {
	if err == nil || r.err != nil {
		return
	}
	name := "MONGO_" + strings.ToUpper(key)
	r.err = &Error{
		Kind:    ErrConfigInvalid,
		Op:      "load config",
		Message: fmt.Sprintf("%s=%v: %v", name, r.v.Get(key), err),
		Err:     err,
	}
}

// ConfigFromURI builds a Config with default pool and timeout settings. The
// database is taken from the URI path, falling back to "test".
func ConfigFromURI(uri string) Config {
	return Config{
		URI:                    uri,
		Database:               databaseFromURI(uri),
		MaxPoolSize:            DefaultMaxPoolSize,
		ConnectTimeout:         DefaultConnectTimeout,
		ServerSelectionTimeout: DefaultServerSelectionTimeout,
		RetryWrites:            true,
		ReadPreference:         DefaultReadPreference,
	}
}

// WithDatabase returns a copy of c using the given database.
func (c Config) WithDatabase(name string) Config {
	c.Database = name
	return c
}

// Validate checks the configuration before any connection attempt.
func (c Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return newError(ErrConfigInvalid, "validate config", fmt.Sprintf(format, args...))
	}

	if c.URI == "" {
		return invalid("URI is empty")
	}
	if !strings.HasPrefix(c.URI, "mongodb://") && !strings.HasPrefix(c.URI, "mongodb+srv://") {
		return invalid("URI %q must use the mongodb:// or mongodb+srv:// scheme", redactURI(c.URI))
	}
	if c.Database == "" {
		return invalid("database name is empty")
	}
	if c.MaxPoolSize != 0 && c.MinPoolSize > c.MaxPoolSize {
		return invalid("min pool size %d exceeds max pool size %d", c.MinPoolSize, c.MaxPoolSize)
	}
	if c.ConnectTimeout < 0 || c.ServerSelectionTimeout < 0 {
		return invalid("timeouts must not be negative")
	}
	if _, err := c.readPref(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// readPref converts the configured mode name to a driver ReadPref.
func (c Config) readPref() (*readpref.ReadPref, error) {
	switch strings.ToLower(c.ReadPreference) {
	case "", "primary":
		return readpref.Primary(), nil
	case "primarypreferred":
		return readpref.PrimaryPreferred(), nil
	case "secondary":
		return readpref.Secondary(), nil
	case "secondarypreferred":
		return readpref.SecondaryPreferred(), nil
	case "nearest":
		return readpref.Nearest(), nil
	default:
		return nil, fmt.Errorf("unknown read preference %q", c.ReadPreference)
	}
}

func (c Config) clientOptions() *options.ClientOptions {
	opts := options.Client().
		ApplyURI(c.URI).
		SetRetryWrites(c.RetryWrites).
		SetMinPoolSize(c.MinPoolSize)

	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	if c.ConnectTimeout > 0 {
		opts.SetConnectTimeout(c.ConnectTimeout)
	}
	if c.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(c.ServerSelectionTimeout)
	}
	if rp, err := c.readPref(); err == nil {
		opts.SetReadPreference(rp)
	}
	if c.AppName != "" {
		opts.SetAppName(c.AppName)
	}
	return opts
}

// String renders the config without credentials.
func (c Config) String() string {
	return fmt.Sprintf("%s/%s", redactURI(c.URI), c.Database)
}

// databaseFromURI extracts the default database name from the URI path.
func databaseFromURI(uri string) string {
	if parsedURL, err := url.Parse(uri); err == nil && parsedURL.Path != "" {
		if name := strings.TrimPrefix(parsedURL.Path, "/"); name != "" {
			return name
		}
	}
	return DefaultDatabase
}

func redactURI(uri string) string {
	parsedURL, err := url.Parse(uri)
	if err != nil || parsedURL.User == nil {
		return uri
	}
	parsedURL.User = url.User(parsedURL.User.Username())
	return parsedURL.String()
}
