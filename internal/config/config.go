package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Node holds the full node connection settings: the ZMQ feed that
// delivers raw transactions/blocks and the REST API used for balance,
// UTXO and broadcast queries.
type Node struct {
	ZMQHost string
	ZMQPort int
	APIURL  string
	APIKey  string
	Network string // "mainnet" or "testnet3"
}

// Wallet holds the HD wallet settings used to derive one receiving
// address per user and to sweep settled payments.
type Wallet struct {
	Mnemonic        string
	ReceiverAddress string
}

// Credits holds the credentials for the external credit-issuing API.
type Credits struct {
	APIURL        string
	AuthEmail     string
	AuthPassword  string
	RenewInterval time.Duration
}

// API holds the REST surface settings.
type API struct {
	Port      int
	JWTSecret string
}

type Config struct {
	Node    Node
	Wallet  Wallet
	Credits Credits
	API     API

	// Database
	DBPath string

	// Reconciler
	ReviewInterval time.Duration

	// Monitor
	QueueSize int
}

func Load() *Config {
	return &Config{
		Node: Node{
			ZMQHost: getEnv("NODE_ZMQ_HOST", "127.0.0.1"),
			ZMQPort: getEnvInt("NODE_ZMQ_PORT", 28332),
			APIURL:  strings.TrimSuffix(getEnv("NODE_API_URL", "https://api.fullstack.cash/v5"), "/"),
			APIKey:  getEnv("NODE_API_KEY", ""),
			Network: getEnv("NETWORK", "mainnet"),
		},
		Wallet: Wallet{
			Mnemonic:        getEnv("WALLET_MNEMONIC", ""),
			ReceiverAddress: getEnv("RECEIVER_ADDRESS", ""),
		},
		Credits: Credits{
			APIURL:        strings.TrimSuffix(getEnv("CREDITS_API_URL", ""), "/"),
			AuthEmail:     getEnv("CREDITS_AUTH_EMAIL", ""),
			AuthPassword:  getEnv("CREDITS_AUTH_PASSWORD", ""),
			RenewInterval: getEnvDuration("CREDITS_RENEW_INTERVAL", 6*time.Hour),
		},
		API: API{
			Port:      getEnvInt("API_PORT", 5010),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},

		DBPath: getEnv("DB_PATH", "./paygate.db"),

		ReviewInterval: getEnvDuration("REVIEW_INTERVAL", 30*time.Second),

		QueueSize: getEnvInt("FEED_QUEUE_SIZE", 1000),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
