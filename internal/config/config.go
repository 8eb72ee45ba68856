package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	AuthToken      string `yaml:"auth_token"`
	CallbackSecret string `yaml:"callback_secret"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds the state directory and the script bucket name.
type StorageConfig struct {
	StateDir     string `yaml:"state_dir"`
	ScriptBucket string `yaml:"script_bucket"`
}

// ExecutionConfig holds handler execution settings shared by the sandbox and the job runner.
type ExecutionConfig struct {
	HandlerCommand []string      `yaml:"handler_command"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	SandboxTimeout time.Duration `yaml:"sandbox_timeout"`
	OverlapPolicy  string        `yaml:"overlap_policy"`
	RunListLimit   int           `yaml:"run_list_limit"`
}

// LLMConfig holds the model provider endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// TokenConfig holds access token settings.
type TokenConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	MaxTTL         time.Duration `yaml:"max_ttl"`
	MultipleUseTTL time.Duration `yaml:"multiple_use_ttl"`
	// AllowedTaskIDs is the fixed allow-list for multiple-use tokens.
	AllowedTaskIDs []string `yaml:"allowed_task_ids"`
}

// RemediationConfig holds error-to-fix loop settings.
type RemediationConfig struct {
	AutoApply     bool `yaml:"auto_apply"`
	RatePerMinute int  `yaml:"rate_per_minute"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string `yaml:"url"`
	Enabled bool   `yaml:"enabled"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig `yaml:"bark"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Execution    ExecutionConfig    `yaml:"execution"`
	LLM          LLMConfig          `yaml:"llm"`
	Tokens       TokenConfig        `yaml:"tokens"`
	Remediation  RemediationConfig  `yaml:"remediation"`
	Notification NotificationConfig `yaml:"notification"`

	Mode          string        `yaml:"mode"`
	UseUTC        bool          `yaml:"use_utc"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Overlap policies for concurrent runs of one automation.
const (
	OverlapAllow = "allow"
	OverlapSkip  = "skip"
)

const (
	envPrefix = "EVIDENCEFLOW_"

	defaultAddr           = "0.0.0.0:7080"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultScriptBucket   = "automation-scripts"
	defaultTimeout        = 5 * time.Minute
	defaultSandboxTimeout = 600 * time.Second
	defaultRunListLimit   = 20
	defaultLLMBaseURL     = "https://api.openai.com/v1"
	defaultLLMModel       = "gpt-5-mini"
	defaultLLMTimeout     = 2 * time.Minute
	defaultTokenTTL       = 15 * time.Minute
	defaultTokenMaxTTL    = time.Hour
	defaultMultiUseTTL    = 6 * time.Hour
	defaultRemediationRPM = 30
	defaultShutdownGrace  = 5 * time.Second
)

var defaultHandlerCommand = []string{"node", "{file}"}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: defaultAddr},
		Log:    LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Storage: StorageConfig{
			ScriptBucket: defaultScriptBucket,
		},
		Execution: ExecutionConfig{
			HandlerCommand: append([]string(nil), defaultHandlerCommand...),
			DefaultTimeout: defaultTimeout,
			SandboxTimeout: defaultSandboxTimeout,
			OverlapPolicy:  OverlapAllow,
			RunListLimit:   defaultRunListLimit,
		},
		LLM: LLMConfig{
			BaseURL: defaultLLMBaseURL,
			Model:   defaultLLMModel,
			Timeout: defaultLLMTimeout,
		},
		Tokens: TokenConfig{
			DefaultTTL:     defaultTokenTTL,
			MaxTTL:         defaultTokenMaxTTL,
			MultipleUseTTL: defaultMultiUseTTL,
		},
		Remediation:   RemediationConfig{RatePerMinute: defaultRemediationRPM},
		Mode:          "http",
		ShutdownGrace: defaultShutdownGrace,
	}
}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(envPrefix + key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList returns a comma separated environment variable as a list or default
func getEnvList(key string, defaultVal []string) []string {
	val, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Parse parses os.Args, the environment and the optional config file into Config.
func Parse() (*Config, error) {
	return Load(os.Args[1:])
}

// Load builds the configuration.
// Priority: CLI flags > environment variables (.env included) > YAML config file > defaults
func Load(args []string) (*Config, error) {
	// .env is optional; values already present in the environment win.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "evidenceflow", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	fs := pflag.NewFlagSet("evidenceflowd", pflag.ContinueOnError)
	configFile := fs.String("config", "", "YAML config file (overrides EVIDENCEFLOW_CONFIG)")
	addr := fs.String("addr", "", "HTTP listen address")
	stateDir := fs.String("state-dir", "", "Directory for the database, scripts and secrets")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (text, json)")
	mode := fs.String("mode", "", "Serving mode (http, mcp, both)")
	useUTC := fs.Bool("use-utc", false, "Use UTC for cron evaluation instead of system local time")
	shutdownGrace := fs.Duration("shutdown-grace", 0, "Grace period when shutting down")
	overlap := fs.String("overlap-policy", "", "Concurrent runs of one automation (allow, skip)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	path := getEnvString("CONFIG", "")
	if *configFile != "" {
		path = *configFile
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if fs.Changed("addr") {
		cfg.Server.Addr = *addr
	}
	if fs.Changed("state-dir") {
		cfg.Storage.StateDir = *stateDir
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if fs.Changed("mode") {
		cfg.Mode = *mode
	}
	if fs.Changed("use-utc") {
		cfg.UseUTC = *useUTC
	}
	if fs.Changed("shutdown-grace") {
		cfg.ShutdownGrace = *shutdownGrace
	}
	if fs.Changed("overlap-policy") {
		cfg.Execution.OverlapPolicy = *overlap
	}

	if cfg.Storage.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.Storage.StateDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnvString("ADDR", cfg.Server.Addr)
	cfg.Server.AuthToken = getEnvString("AUTH_TOKEN", cfg.Server.AuthToken)
	cfg.Server.CallbackSecret = getEnvString("CALLBACK_SECRET", cfg.Server.CallbackSecret)

	cfg.Log.Level = getEnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvString("LOG_FORMAT", cfg.Log.Format)

	cfg.Storage.StateDir = getEnvString("STATE_DIR", cfg.Storage.StateDir)
	cfg.Storage.ScriptBucket = getEnvString("SCRIPT_BUCKET", cfg.Storage.ScriptBucket)

	cfg.Execution.HandlerCommand = getEnvList("HANDLER_COMMAND", cfg.Execution.HandlerCommand)
	cfg.Execution.DefaultTimeout = getEnvDuration("EXECUTION_TIMEOUT", cfg.Execution.DefaultTimeout)
	cfg.Execution.SandboxTimeout = getEnvDuration("SANDBOX_TIMEOUT", cfg.Execution.SandboxTimeout)
	cfg.Execution.OverlapPolicy = getEnvString("OVERLAP_POLICY", cfg.Execution.OverlapPolicy)
	cfg.Execution.RunListLimit = getEnvInt("RUN_LIST_LIMIT", cfg.Execution.RunListLimit)

	cfg.LLM.BaseURL = getEnvString("LLM_BASE_URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = getEnvString("LLM_API_KEY", cfg.LLM.APIKey)
	cfg.LLM.Model = getEnvString("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.Timeout = getEnvDuration("LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.Tokens.SigningSecret = getEnvString("TOKEN_SIGNING_SECRET", cfg.Tokens.SigningSecret)
	cfg.Tokens.DefaultTTL = getEnvDuration("TOKEN_TTL", cfg.Tokens.DefaultTTL)
	cfg.Tokens.MaxTTL = getEnvDuration("TOKEN_MAX_TTL", cfg.Tokens.MaxTTL)
	cfg.Tokens.MultipleUseTTL = getEnvDuration("TOKEN_MULTIPLE_USE_TTL", cfg.Tokens.MultipleUseTTL)
	cfg.Tokens.AllowedTaskIDs = getEnvList("TOKEN_ALLOWED_TASK_IDS", cfg.Tokens.AllowedTaskIDs)

	cfg.Remediation.AutoApply = getEnvBool("REMEDIATION_AUTO_APPLY", cfg.Remediation.AutoApply)
	cfg.Remediation.RatePerMinute = getEnvInt("REMEDIATION_RATE_PER_MINUTE", cfg.Remediation.RatePerMinute)

	cfg.Notification.Bark.URL = getEnvString("BARK_URL", cfg.Notification.Bark.URL)
	cfg.Notification.Bark.Enabled = getEnvBool("BARK_ENABLED", cfg.Notification.Bark.Enabled)

	cfg.Mode = getEnvString("MODE", cfg.Mode)
	cfg.UseUTC = getEnvBool("USE_UTC", cfg.UseUTC)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "http", "mcp", "both":
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Mode))
	}
	switch c.Execution.OverlapPolicy {
	case OverlapAllow, OverlapSkip:
	default:
		errs = append(errs, fmt.Errorf("invalid overlap policy %q (valid: allow, skip)", c.Execution.OverlapPolicy))
	}
	if len(c.Execution.HandlerCommand) == 0 {
		errs = append(errs, errors.New("handler command is empty"))
	}
	if c.Execution.SandboxTimeout <= 0 {
		errs = append(errs, errors.New("sandbox timeout must be positive"))
	}
	if c.Tokens.DefaultTTL <= 0 || c.Tokens.MaxTTL < c.Tokens.DefaultTTL {
		errs = append(errs, errors.New("token ttl must be positive and not exceed the max ttl"))
	}
	if c.Execution.RunListLimit < 1 {
		c.Execution.RunListLimit = defaultRunListLimit
	}
	if c.Remediation.RatePerMinute < 0 {
		errs = append(errs, errors.New("remediation rate must not be negative"))
	}
	return errors.Join(errs...)
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "evidenceflow")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
