package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/logging"

	sig "github.com/tomaslejdung/peepcam/pkg/signal"
	"github.com/tomaslejdung/peepcam/pkg/store"
)

// Config holds the server settings read from the environment
type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	// StoreURL is a mailbox URL: sqlite:///data/mailbox.db, redis://host:6379/0 or memory:
	StoreURL   string
	MessageTTL time.Duration
}

func loadConfig() Config {
	// Parse allowed origins (comma-separated, empty allows any)
	var origins []string
	if s := getEnv("ALLOWED_ORIGINS", ""); s != "" {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}

	ttl, err := time.ParseDuration(getEnv("MESSAGE_TTL", "5m"))
	if err != nil || ttl <= 0 {
		log.Printf("Invalid MESSAGE_TTL, using 5m")
		ttl = 5 * time.Minute
	}

	return Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", ""),
		StoreURL:       getEnv("STORE_URL", "sqlite://peepcam-mailbox.db"),
		MessageTTL:     ttl,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// issueToken mints a bearer token for the peepcam --token flag. It needs
// the same JWT_SECRET the server runs with.
func issueToken(cfg Config, deviceID string, ttl time.Duration) (string, error) {
	if cfg.JWTSecret == "" {
		return "", errors.New("JWT_SECRET is required to issue tokens")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("invalid token ttl %s", ttl)
	}
	deviceID = sig.NormalizeDeviceID(deviceID)
	if err := sig.ValidateDeviceID(deviceID); err != nil {
		return "", err
	}
	return sig.IssueToken(cfg.JWTSecret, deviceID, ttl)
}

func main() {
	issueFor := flag.String("issue-token", "", "Print a bearer token for `DEVICE` and exit")
	tokenTTL := flag.Duration("token-ttl", 30*24*time.Hour, "Lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg := loadConfig()

	if *issueFor != "" {
		token, err := issueToken(cfg, *issueFor, *tokenTTL)
		if err != nil {
			log.Fatalf("Issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
		if cfg.JWTSecret == "" {
			log.Fatal("JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		log.Println("JWT_SECRET not set, mailbox API is unauthenticated")
	}

	lf := logging.NewDefaultLoggerFactory()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mb, err := store.Open(openCtx, cfg.StoreURL, store.Options{LoggerFactory: lf})
	cancel()
	if err != nil {
		log.Fatalf("Failed to open mailbox store: %v", err)
	}
	defer mb.Close()

	// The memory mailbox has no collector of its own
	if m, ok := mb.(*sig.MemoryMailbox); ok {
		go collectExpired(ctx, m)
	}

	server := sig.NewServer(sig.ServerConfig{
		Mailbox:        mb,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxTTL:         cfg.MessageTTL,
		LoggerFactory:  lf,
	})

	errc := make(chan error, 1)
	go func() {
		errc <- server.Start(":" + cfg.Port)
	}()
	log.Printf("peepcam mailbox server on :%s (store %s)", cfg.Port, cfg.StoreURL)
	log.Printf("Example device code: %s", sig.GenerateDeviceCode())

	select {
	case err := <-errc:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown: %v", err)
		}
	}
}

func collectExpired(ctx context.Context, m *sig.MemoryMailbox) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.CollectExpired(now); n > 0 {
				log.Printf("Collected %d expired records", n)
			}
		}
	}
}
