// Package config собирает настройки сервера: значения по умолчанию →
// файл JSON/YAML → переменные MERIDIAN_* → флаги командной строки.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Драйверы хранилища сущностей.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Режимы аутентификации API.
const (
	AuthJWT     = "jwt"
	AuthHeaders = "headers" // личность из заголовков X-Tenant-ID/X-User-ID/X-Roles
)

type Config struct {
	Port           string `json:"port" yaml:"port"`
	DefinitionsDir string `json:"definitionsDir" yaml:"definitionsDir"`
	EnumsDir       string `json:"enumsDir" yaml:"enumsDir"`

	Store       string `json:"store" yaml:"store"` // memory | sqlite | postgres
	DBURL       string `json:"dbUrl" yaml:"dbUrl"`
	SQLitePath  string `json:"sqlitePath" yaml:"sqlitePath"`
	AutoMigrate bool   `json:"autoMigrate" yaml:"autoMigrate"`

	StageTimeout string `json:"stageTimeout" yaml:"stageTimeout"` // "10s"; "0", без срока
	AuthMode     string `json:"authMode" yaml:"authMode"`         // jwt | headers
	JWTSecret    string `json:"jwtSecret" yaml:"jwtSecret"`       // jwt без секрета отклоняет все запросы
	Watch        bool   `json:"watch" yaml:"watch"`

	LogLevel    string `json:"logLevel" yaml:"logLevel"`
	LogFormat   string `json:"logFormat" yaml:"logFormat"` // text | json
	MetricsPath string `json:"metricsPath" yaml:"metricsPath"`
}

func Default() Config {
	return Config{
		Port:           "8080",
		DefinitionsDir: "definitions",
		EnumsDir:       "reference/enums",
		Store:          StoreMemory,
		SQLitePath:     "meridian.db",
		StageTimeout:   "10s",
		AuthMode:       AuthJWT,
		LogLevel:       "info",
		LogFormat:      "text",
		MetricsPath:    "/metrics",
	}
}

// loadFile накладывает файл на c; формат по расширению, YAML по умолчанию.
func loadFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(b, c)
	} else {
		err = yaml.Unmarshal(b, c)
	}
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func getenv(k, fallback string) string {
	if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getenvBool(k string, fallback bool) bool {
	if v, ok := os.LookupEnv(k); ok {
		if b, ok := parseBool(v); ok {
			return b
		}
	}
	return fallback
}

func parseBool(s string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// Load читает файл (если он есть) и применяет окружение. Отсутствующий файл
// не ошибка; битый, ошибка.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			if err := loadFile(path, &cfg); err != nil {
				return cfg, err
			}
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	cfg.Port = getenv("MERIDIAN_PORT", cfg.Port)
	cfg.DefinitionsDir = getenv("MERIDIAN_DEFINITIONS_DIR", cfg.DefinitionsDir)
	cfg.EnumsDir = getenv("MERIDIAN_ENUMS_DIR", cfg.EnumsDir)
	cfg.Store = getenv("MERIDIAN_STORE", cfg.Store)
	cfg.DBURL = getenv("MERIDIAN_DB_URL", cfg.DBURL)
	cfg.SQLitePath = getenv("MERIDIAN_SQLITE_PATH", cfg.SQLitePath)
	cfg.AutoMigrate = getenvBool("MERIDIAN_AUTO_MIGRATE", cfg.AutoMigrate)
	cfg.StageTimeout = getenv("MERIDIAN_STAGE_TIMEOUT", cfg.StageTimeout)
	cfg.AuthMode = getenv("MERIDIAN_AUTH_MODE", cfg.AuthMode)
	cfg.JWTSecret = getenv("MERIDIAN_JWT_SECRET", cfg.JWTSecret)
	cfg.Watch = getenvBool("MERIDIAN_WATCH", cfg.Watch)
	cfg.LogLevel = getenv("MERIDIAN_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getenv("MERIDIAN_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsPath = getenv("MERIDIAN_METRICS_PATH", cfg.MetricsPath)
}

// RegisterFlags объявляет флаги с текущими значениями cfg как подсказками.
func RegisterFlags(fs *pflag.FlagSet, cfg Config) {
	fs.String("port", cfg.Port, "HTTP port")
	fs.String("definitions", cfg.DefinitionsDir, "definitions directory (.dsl entities, YAML rules/workflows/permissions)")
	fs.String("enums", cfg.EnumsDir, "enum catalogs directory")
	fs.String("store", cfg.Store, "entity store: memory|sqlite|postgres")
	fs.String("db", cfg.DBURL, "Postgres URL")
	fs.String("sqlite", cfg.SQLitePath, "SQLite file path")
	fs.Bool("auto-migrate", cfg.AutoMigrate, "apply storage DDL and indexes on start and reload")
	fs.String("stage-timeout", cfg.StageTimeout, "per-stage pipeline timeout (0 disables)")
	fs.String("auth-mode", cfg.AuthMode, "API authentication: jwt|headers (headers trusts X-Tenant-ID/X-User-ID/X-Roles, development only)")
	fs.String("jwt-secret", cfg.JWTSecret, "HS256 secret for bearer tokens")
	fs.Bool("watch", cfg.Watch, "reload definitions on file changes")
	fs.String("log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	fs.String("log-format", cfg.LogFormat, "log format: text|json")
	fs.String("metrics-path", cfg.MetricsPath, "Prometheus endpoint path (empty disables)")
}

// ApplyFlags переносит в cfg только явно заданные флаги.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	fs.Visit(func(f *pflag.Flag) {
		v := strings.TrimSpace(f.Value.String())
		switch f.Name {
		case "port":
			cfg.Port = v
		case "definitions":
			cfg.DefinitionsDir = v
		case "enums":
			cfg.EnumsDir = v
		case "store":
			cfg.Store = v
		case "db":
			cfg.DBURL = v
		case "sqlite":
			cfg.SQLitePath = v
		case "auto-migrate":
			cfg.AutoMigrate, _ = parseBool(v)
		case "stage-timeout":
			cfg.StageTimeout = v
		case "auth-mode":
			cfg.AuthMode = v
		case "jwt-secret":
			cfg.JWTSecret = v
		case "watch":
			cfg.Watch, _ = parseBool(v)
		case "log-level":
			cfg.LogLevel = v
		case "log-format":
			cfg.LogFormat = v
		case "metrics-path":
			cfg.MetricsPath = v
		}
	})
	return cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DBURL == "" {
			return fmt.Errorf("store %q requires a database URL", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	switch strings.ToLower(c.AuthMode) {
	case AuthJWT, AuthHeaders:
	default:
		return fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	return nil
}

// Timeout: срок стадии; "0" и пустая строка отключают его.
func (c Config) Timeout() (time.Duration, error) {
	s := strings.TrimSpace(c.StageTimeout)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid stage timeout %q", c.StageTimeout)
	}
	return d, nil
}

func (c Config) Addr() string { return ":" + c.Port }

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger строит slog-логгер по уровню и формату конфигурации.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
