package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int
	SecretKey    string
	DataDir      string
	LogDir       string
	LogLevel     string
	BackupDir    string
	SeedFile     string
	QueryTimeout time.Duration
	CacheTTL     time.Duration
	CacheSize    int
	SessionIdle  time.Duration
}

func Load() (*Config, error) {
	// Try loading .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	key := os.Getenv("DBDESK_KEY")
	if len(key) < 32 {
		fmt.Println("DBDESK_KEY not found or too short. Generating a new secure key...")
		newKey, err := generateRandomKey(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		if err := saveKeyToEnv(newKey); err != nil {
			fmt.Printf("Warning: Failed to save generated key to .env: %v\n", err)
		} else {
			fmt.Println("New DBDESK_KEY saved to .env file.")
		}
		key = newKey
	}

	dataDir := envStr("DBDESK_DATA_DIR", ".")
	cfg := &Config{
		Port:         envInt("DBDESK_PORT", 8080),
		SecretKey:    key,
		DataDir:      dataDir,
		LogDir:       envStr("DBDESK_LOG_DIR", "logs"),
		LogLevel:     envStr("DBDESK_LOG_LEVEL", "info"),
		BackupDir:    envStr("DBDESK_BACKUP_DIR", "backups"),
		SeedFile:     os.Getenv("DBDESK_SEED_FILE"),
		QueryTimeout: envDuration("DBDESK_QUERY_TIMEOUT", 30*time.Second),
		CacheTTL:     envDuration("DBDESK_CACHE_TTL", 60*time.Second),
		CacheSize:    envInt("DBDESK_CACHE_SIZE", 1024),
		SessionIdle:  envDuration("DBDESK_SESSION_IDLE", 4*time.Hour),
	}
	return cfg, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func generateRandomKey(length int) (string, error) {
	b := make([]byte, length)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	// Base64 keeps the key printable in .env
	return base64.StdEncoding.EncodeToString(b), nil
}

func saveKeyToEnv(key string) error {
	filename := ".env"
	content, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return os.WriteFile(filename, []byte(fmt.Sprintf("DBDESK_KEY=%s\nDBDESK_PORT=8080\n", key)), 0644)
	} else if err != nil {
		return err
	}

	lines := strings.Split(string(content), "\n")
	found := false
	newLines := []string{}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "DBDESK_KEY=") {
			newLines = append(newLines, fmt.Sprintf("DBDESK_KEY=%s", key))
			found = true
		} else if trimmed != "" {
			newLines = append(newLines, trimmed)
		}
	}
	if !found {
		newLines = append(newLines, fmt.Sprintf("DBDESK_KEY=%s", key))
	}
	return os.WriteFile(filename, []byte(strings.Join(newLines, "\n")+"\n"), 0644)
}
