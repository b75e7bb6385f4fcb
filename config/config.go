package config

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Broker   BrokerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	LLM      LLMConfig
	Trading  TradingConfig
	Feeds    FeedsConfig
	Notify   NotifyConfig
}

// BrokerConfig holds KIS-style brokerage credentials and endpoints.
type BrokerConfig struct {
	BaseURL        string
	StreamURL      string
	AppKey         string
	AppSecret      string
	AccountNo      string
	AccountProduct string
	TokenCacheFile string
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// RedisConfig holds the hot-cache connection parameters.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

// LLMConfig holds the two reasoner endpoints. FastModel is the intraday
// scorer, DeepModel runs the scenario veto and post-trade lessons.
type LLMConfig struct {
	Enabled   bool
	Endpoint  string
	APIKey    string
	FastModel string
	DeepModel string
}

// TradingConfig holds decision thresholds. MinScore is the acceptance
// threshold the feedback engine moves within [MinScoreLower, MinScoreUpper].
type TradingConfig struct {
	MinScore      int
	MinScoreLower int
	MinScoreUpper int

	MaxHoldings       int
	MaxDailyTrades    int
	MaxPositionPct    float64
	MaxAccountLossPct float64

	BaseBudget    int64 // validator position-sizing base, in won
	BudgetDivisor int64 // available cash is split across this many candidates

	ValidatorMinCombined   float64
	ValidatorMinWinRate    float64
	ValidatorMinProfitProb float64
}

// FeedsConfig holds disclosure/news/macro poll endpoints.
type FeedsConfig struct {
	DisclosureURL string
	DisclosureKey string
	NewsURL       string
	MacroURL      string
}

// NotifyConfig holds the operator notification sink.
type NotifyConfig struct {
	WebhookURL string
	Enabled    bool
}

// Load reads configuration from a .env file if present, then from the
// environment, with defaults for everything non-secret.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Broker: BrokerConfig{
			BaseURL:        getEnvOrDefault("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443"),
			StreamURL:      getEnvOrDefault("KIS_WS_URL", "ws://ops.koreainvestment.com:21000"),
			AppKey:         os.Getenv("KIS_APP_KEY"),
			AppSecret:      os.Getenv("KIS_APP_SECRET"),
			AccountNo:      os.Getenv("KIS_ACCOUNT_NO"),
			AccountProduct: getEnvOrDefault("KIS_ACCOUNT_PRODUCT", "01"),
			TokenCacheFile: getEnvOrDefault("KIS_TOKEN_CACHE", ".cache/kis_token.json"),
		},
		Database: DatabaseConfig{
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			Name:     getEnvOrDefault("DB_NAME", "krx_trader"),
			User:     getEnvOrDefault("DB_USER", "trader"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
		},
		Redis: RedisConfig{
			Host:     getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:     getEnvOrDefault("REDIS_PORT", "6379"),
			Password: getEnvOrDefault("REDIS_PASSWORD", ""),
		},
		LLM: LLMConfig{
			Enabled:   getEnvOrDefault("LLM_ENABLED", "true") == "true",
			Endpoint:  getEnvOrDefault("LLM_ENDPOINT", "https://api.deepseek.com/v1"),
			APIKey:    os.Getenv("LLM_API_KEY"),
			FastModel: getEnvOrDefault("LLM_FAST_MODEL", "deepseek-chat"),
			DeepModel: getEnvOrDefault("LLM_DEEP_MODEL", "deepseek-reasoner"),
		},
		Trading: TradingConfig{
			MinScore:      getEnvInt("TRADING_MIN_SCORE", 70),
			MinScoreLower: getEnvInt("TRADING_MIN_SCORE_LOWER", 65),
			MinScoreUpper: getEnvInt("TRADING_MIN_SCORE_UPPER", 80),

			MaxHoldings:       getEnvInt("TRADING_MAX_HOLDINGS", 5),
			MaxDailyTrades:    getEnvInt("TRADING_MAX_DAILY_TRADES", 4),
			MaxPositionPct:    getEnvFloat("TRADING_MAX_POSITION_PCT", 10.0),
			MaxAccountLossPct: getEnvFloat("TRADING_MAX_ACCOUNT_LOSS_PCT", -2.0),

			BaseBudget:    int64(getEnvInt("TRADING_BASE_BUDGET", 2_000_000)),
			BudgetDivisor: int64(getEnvInt("TRADING_BUDGET_DIVISOR", 5)),

			ValidatorMinCombined:   getEnvFloat("VALIDATOR_MIN_COMBINED", 65),
			ValidatorMinWinRate:    getEnvFloat("VALIDATOR_MIN_WIN_RATE", 55),
			ValidatorMinProfitProb: getEnvFloat("VALIDATOR_MIN_PROFIT_PROB", 60),
		},
		Feeds: FeedsConfig{
			DisclosureURL: getEnvOrDefault("DART_URL", "https://opendart.fss.or.kr/api"),
			DisclosureKey: os.Getenv("DART_API_KEY"),
			NewsURL:       getEnvOrDefault("NEWS_URL", ""),
			MacroURL:      getEnvOrDefault("MACRO_URL", ""),
		},
		Notify: NotifyConfig{
			WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
			Enabled:    os.Getenv("NOTIFY_WEBHOOK_URL") != "",
		},
	}
}

// getEnvInt gets environment variable as int or returns default value.
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var intValue int
	if _, err := fmt.Sscanf(value, "%d", &intValue); err != nil {
		return defaultValue
	}
	return intValue
}

// getEnvFloat gets environment variable as float64 or returns default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var floatValue float64
	if _, err := fmt.Sscanf(value, "%f", &floatValue); err != nil {
		return defaultValue
	}
	return floatValue
}

// getEnvOrDefault gets environment variable or returns default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
