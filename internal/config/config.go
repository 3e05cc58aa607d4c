package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env            string        `mapstructure:"ENV"`
	Port           string        `mapstructure:"PORT"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	AdminKey       string        `mapstructure:"ADMIN_KEY"`
	CORSAllowed    string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	MasterDomains   string `mapstructure:"MASTER_DOMAINS"`
	MasterAIEnabled bool   `mapstructure:"MASTER_AI_ENABLED"`

	DepartmentSweepInterval  time.Duration `mapstructure:"DEPARTMENT_SWEEP_INTERVAL"`
	AISweepInterval          time.Duration `mapstructure:"AI_SWEEP_INTERVAL"`
	DefaultDepartmentTimeout time.Duration `mapstructure:"DEFAULT_DEPARTMENT_TIMEOUT"`

	AIDeadline          time.Duration `mapstructure:"AI_DEADLINE"`
	AIFallbackDisable   time.Duration `mapstructure:"AI_FALLBACK_DISABLE"`
	AIHistoryLimit      int           `mapstructure:"AI_HISTORY_LIMIT"`
	AIMessageMaxChars   int           `mapstructure:"AI_MESSAGE_MAX_CHARS"`
	AIDefaultReplyDelay time.Duration `mapstructure:"AI_DEFAULT_REPLY_DELAY"`
	AIWebhookURL        string        `mapstructure:"AI_WEBHOOK_URL"`
	OpenAIAPIKey        string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `mapstructure:"OPENAI_BASE_URL"`

	KafkaBrokers      string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopicTickets string `mapstructure:"KAFKA_TOPIC_TICKETS"`

	WSSendBuffer int `mapstructure:"WS_SEND_BUFFER"`
}

// Load reads .env files, then the environment, then an optional config file.
// Environment values win over the file.
func Load(configFile string) (Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load("../.env")

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var keys = []string{
	"ENV", "PORT", "DATABASE_URL", "ADMIN_KEY", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "REQUEST_TIMEOUT",
	"MASTER_DOMAINS", "MASTER_AI_ENABLED",
	"DEPARTMENT_SWEEP_INTERVAL", "AI_SWEEP_INTERVAL", "DEFAULT_DEPARTMENT_TIMEOUT",
	"AI_DEADLINE", "AI_FALLBACK_DISABLE", "AI_HISTORY_LIMIT", "AI_MESSAGE_MAX_CHARS", "AI_DEFAULT_REPLY_DELAY",
	"AI_WEBHOOK_URL", "OPENAI_API_KEY", "OPENAI_BASE_URL",
	"KAFKA_BROKERS", "KAFKA_TOPIC_TICKETS", "WS_SEND_BUFFER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MASTER_AI_ENABLED", true)
	v.SetDefault("DEPARTMENT_SWEEP_INTERVAL", "30s")
	v.SetDefault("AI_SWEEP_INTERVAL", "60s")
	v.SetDefault("DEFAULT_DEPARTMENT_TIMEOUT", "120s")
	v.SetDefault("AI_DEADLINE", "120s")
	v.SetDefault("AI_FALLBACK_DISABLE", "24h")
	v.SetDefault("AI_HISTORY_LIMIT", 20)
	v.SetDefault("AI_MESSAGE_MAX_CHARS", 1000)
	v.SetDefault("AI_DEFAULT_REPLY_DELAY", "3s")
	v.SetDefault("KAFKA_TOPIC_TICKETS", "deskrelay.tickets")
	v.SetDefault("WS_SEND_BUFFER", 64)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return errors.New("config: DATABASE_URL is required")
	}
	if c.DepartmentSweepInterval <= 0 || c.AISweepInterval <= 0 {
		return errors.New("config: sweep intervals must be positive")
	}
	if c.AIDeadline <= 0 {
		return errors.New("config: AI_DEADLINE must be positive")
	}
	return nil
}

func (c Config) MasterDomainList() []string {
	return SplitList(c.MasterDomains)
}

func (c Config) KafkaBrokerList() []string {
	return SplitList(c.KafkaBrokers)
}

// SplitList splits a comma list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
