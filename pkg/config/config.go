// Package config holds daemon settings. Flags default to environment values,
// and a .env file in the working directory is loaded first when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Coordinator struct {
	Addr        string
	JWTSecret   string
	TokenTTL    time.Duration
	Store       string // memory | mysql | consul
	ConsulAddr  string
	NATSURL     string
	Heartbeat   time.Duration
	CallTimeout time.Duration
	TLSCert     string
	TLSKey      string
}

type Node struct {
	Addr        string
	Secret      string // credential the coordinator authenticates with
	JWTSecret   string
	TokenTTL    time.Duration
	DBPath      string
	DockerHost  string
	Templates   string
	DataRoot    string
	StopTimeout int
	NATSURL     string
	TLSCert     string
	TLSKey      string
}

// LoadDotEnv loads ./.env without overriding variables already set.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func CoordinatorFromEnv() Coordinator {
	return Coordinator{
		Addr:        Getenv("GAMEHOST_ADDR", ":8080"),
		JWTSecret:   os.Getenv("GAMEHOST_JWT_SECRET"),
		TokenTTL:    GetDuration("GAMEHOST_TOKEN_TTL", 24*time.Hour),
		Store:       Getenv("GAMEHOST_STORE", "memory"),
		ConsulAddr:  Getenv("CONSUL_ADDR", "127.0.0.1:8500"),
		NATSURL:     os.Getenv("NATS_URL"),
		Heartbeat:   GetDuration("GAMEHOST_HEARTBEAT", 5*time.Second),
		CallTimeout: GetDuration("GAMEHOST_CALL_TIMEOUT", 3*time.Second),
		TLSCert:     os.Getenv("GAMEHOST_TLS_CERT"),
		TLSKey:      os.Getenv("GAMEHOST_TLS_KEY"),
	}
}

func NodeFromEnv() Node {
	return Node{
		Addr:        Getenv("NODE_ADDR", ":8081"),
		Secret:      os.Getenv("NODE_SECRET"),
		JWTSecret:   os.Getenv("NODE_JWT_SECRET"),
		TokenTTL:    GetDuration("NODE_TOKEN_TTL", time.Hour),
		DBPath:      Getenv("NODE_DB", "gamehost-node.db"),
		DockerHost:  Getenv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		Templates:   Getenv("NODE_TEMPLATES", "templates.yaml"),
		DataRoot:    Getenv("NODE_DATA_ROOT", "/var/lib/gamehost/servers"),
		StopTimeout: GetInt("NODE_STOP_TIMEOUT", 30),
		NATSURL:     os.Getenv("NATS_URL"),
		TLSCert:     os.Getenv("NODE_TLS_CERT"),
		TLSKey:      os.Getenv("NODE_TLS_KEY"),
	}
}

func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func GetInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func GetDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}
