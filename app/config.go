package cipherchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required"`
	Mode     Mode   `validate:"oneof=dev prod"`
	LogLevel slog.Level
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	Auth           struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret   Base64Encoded `validate:"required,min=16"`
		TokenExp time.Duration `validate:"min=0"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	Store struct {
		Driver    string `validate:"oneof=memory json sqlite badger"`
		JSONFile  string `validate:"required_if=Driver json"`
		BadgerDir string `validate:"required_if=Driver badger"`
	}
	Relay struct {
		Driver    string `validate:"oneof=none local nats"`
		NATSURL   string `validate:"required_if=Driver nats"`
		Timeout   time.Duration
		QueueSize int `validate:"min=0"`
	}
	Presence struct {
		Driver   string `validate:"oneof=memory redis"`
		RedisURL string `validate:"required_if=Driver redis"`
	}
	RateLimit struct {
		// PerMinute is the number of messages a user may send per minute. Zero disables the limit.
		PerMinute int `validate:"min=0"`
		Burst     int `validate:"min=0"`
	}
	TLS struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
	}
	valid bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("loglevel", "info")
	v.SetDefault("allowedorigins", "*")

	// a random secret invalidates every session on restart
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.tokenexp", "24h")

	v.SetDefault("sqlite.file", "./cipherchat.db")
	v.SetDefault("sqlite.migrations", "./migrations")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.jsonfile", "./messages.json")
	v.SetDefault("store.badgerdir", "./badger")

	v.SetDefault("relay.driver", "local")
	v.SetDefault("relay.natsurl", "")
	v.SetDefault("relay.timeout", "5s")
	v.SetDefault("relay.queuesize", 256)

	v.SetDefault("presence.driver", "memory")
	v.SetDefault("presence.redisurl", "")

	v.SetDefault("ratelimit.perminute", 120)
	v.SetDefault("ratelimit.burst", 20)

	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	return nil
}

// LoadConfig loads the configuration from a .env file, the config file in dir and environment variables,
// in increasing order of precedence. Both files are optional.
// Any invalid configuration will not be loaded, and the error will be caught in the validation step.
func LoadConfig(dir string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(dir)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
