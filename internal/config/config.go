package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	GRPCAddr   string

	DBDriver          string
	DBPath            string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	MigrationsDir     string

	JWTSecret string
	JWTIssuer string

	TrustProxy         bool
	CORSAllowedOrigins []string

	RateLimitLoginPerMin    int
	RateLimitResetPerMin    int
	RateLimitRegisterPerMin int
	RateLimitBurst          int

	CaptchaEnabled   bool
	CaptchaProvider  string
	CaptchaVerifyURL string
	CaptchaSecret    string

	PasswordMinLength int
	PasswordMaxLength int

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int

	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	SMSProvider   string
	SMSAPIBase    string
	SMSAccountSID string
	SMSAuthToken  string
	SMSFrom       string

	SMTPHost               string
	SMTPPort               int
	SMTPUsername           string
	SMTPPassword           string
	SMTPStartTLS           bool
	SMTPInsecureSkipVerify bool
	EmailFrom              string

	PasswordResetBaseURL string

	SenderTimeout        time.Duration
	UrgentDailyLimit     int
	AlertSMSRecipients   []string
	AlertEmailRecipients []string
	EventBufferSize      int

	RetryEnabled     bool
	RetryInterval    time.Duration
	RetryMaxAttempts int
	RetryBatchSize   int
	RetryStaleAfter  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DeliveryLock  time.Duration

	UploadDir      string
	MaxUploadBytes int64
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		GRPCAddr:                 env("GRPC_ADDR", ""),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBPath:                   env("DB_PATH", "./data/fielddiag.db"),
		DBDSN:                    env("DB_DSN", ""),
		DBMaxOpenConns:           envInt("DB_MAX_OPEN_CONNS", 8),
		DBMaxIdleConns:           envInt("DB_MAX_IDLE_CONNS", 4),
		DBConnMaxLifetime:        time.Duration(envInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		MigrationsDir:            env("MIGRATIONS_DIR", "migrations"),
		JWTSecret:                env("JWT_SECRET", ""),
		JWTIssuer:                env("JWT_ISSUER", "fielddiag"),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		RateLimitLoginPerMin:     envInt("RATE_LIMIT_LOGIN_PER_MIN", 20),
		RateLimitResetPerMin:     envInt("RATE_LIMIT_RESET_PER_MIN", 5),
		RateLimitRegisterPerMin:  envInt("RATE_LIMIT_REGISTER_PER_MIN", 10),
		RateLimitBurst:           envInt("RATE_LIMIT_BURST", 5),
		CaptchaEnabled:           envBool("CAPTCHA_ENABLED", false),
		CaptchaProvider:          strings.ToLower(env("CAPTCHA_PROVIDER", "turnstile")),
		CaptchaVerifyURL:         env("CAPTCHA_VERIFY_URL", ""),
		CaptchaSecret:            env("CAPTCHA_SECRET", ""),
		PasswordMinLength:        envInt("PASSWORD_MIN_LENGTH", 8),
		PasswordMaxLength:        envInt("PASSWORD_MAX_LENGTH", 72),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		BootstrapAdminEmail:      env("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword:   env("BOOTSTRAP_ADMIN_PASSWORD", ""),
		SMSProvider:              strings.ToLower(env("SMS_PROVIDER", "none")),
		SMSAPIBase:               env("SMS_API_BASE", "https://api.twilio.com"),
		SMSAccountSID:            env("SMS_ACCOUNT_SID", ""),
		SMSAuthToken:             env("SMS_AUTH_TOKEN", ""),
		SMSFrom:                  env("SMS_FROM", ""),
		SMTPHost:                 env("SMTP_HOST", ""),
		SMTPPort:                 envInt("SMTP_PORT", 587),
		SMTPUsername:             env("SMTP_USERNAME", ""),
		SMTPPassword:             env("SMTP_PASSWORD", ""),
		SMTPStartTLS:             envBool("SMTP_STARTTLS", true),
		SMTPInsecureSkipVerify:   envBool("SMTP_INSECURE_SKIP_VERIFY", false),
		EmailFrom:                env("EMAIL_FROM", "alerts@example.com"),
		PasswordResetBaseURL:     env("PASSWORD_RESET_BASE_URL", ""),
		SenderTimeout:            envDuration("SENDER_TIMEOUT", 10*time.Second),
		UrgentDailyLimit:         envInt("URGENT_DAILY_LIMIT", 5),
		AlertSMSRecipients:       envCSV("ALERT_SMS_RECIPIENTS"),
		AlertEmailRecipients:     envCSV("ALERT_EMAIL_RECIPIENTS"),
		EventBufferSize:          envInt("EVENT_BUFFER_SIZE", 256),
		RetryEnabled:             envBool("RETRY_ENABLED", true),
		RetryInterval:            envDuration("RETRY_INTERVAL", time.Minute),
		RetryMaxAttempts:         envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryBatchSize:           envInt("RETRY_BATCH_SIZE", 50),
		RetryStaleAfter:          envDuration("RETRY_STALE_AFTER", 5*time.Minute),
		RedisAddr:                env("REDIS_ADDR", ""),
		RedisPassword:            env("REDIS_PASSWORD", ""),
		RedisDB:                  envInt("REDIS_DB", 0),
		DeliveryLock:             envDuration("DELIVERY_LOCK_TTL", 30*time.Second),
		UploadDir:                env("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes:           int64(envInt("MAX_UPLOAD_MB", 10)) << 20,
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("DB_DSN is required when DB_DRIVER=%s", cfg.DBDriver)
		}
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if len(cfg.JWTSecret) < 32 {
		return Config{}, fmt.Errorf("JWT_SECRET must be set (>=32 chars)")
	}
	if cfg.PasswordMinLength < 8 {
		return Config{}, fmt.Errorf("password min length must be >= 8")
	}
	if cfg.PasswordMaxLength < cfg.PasswordMinLength || cfg.PasswordMaxLength > 72 {
		return Config{}, fmt.Errorf("password max length must be between min length and 72")
	}
	if cfg.SenderTimeout <= 0 {
		return Config{}, fmt.Errorf("SENDER_TIMEOUT must be positive")
	}
	if cfg.UrgentDailyLimit < 0 {
		return Config{}, fmt.Errorf("URGENT_DAILY_LIMIT must be >= 0")
	}
	if cfg.RetryEnabled && (cfg.RetryInterval <= 0 || cfg.RetryMaxAttempts <= 0 || cfg.RetryBatchSize <= 0) {
		return Config{}, fmt.Errorf("retry interval, max attempts and batch size must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	switch cfg.SMSProvider {
	case "", "none":
		cfg.SMSProvider = "none"
	case "twilio":
		if cfg.SMSAccountSID == "" || cfg.SMSAuthToken == "" || cfg.SMSFrom == "" {
			return Config{}, fmt.Errorf("SMS_ACCOUNT_SID, SMS_AUTH_TOKEN and SMS_FROM are required when SMS_PROVIDER=twilio")
		}
	default:
		return Config{}, fmt.Errorf("SMS_PROVIDER must be one of: none, twilio")
	}
	if cfg.SMTPHost != "" && cfg.SMTPPort <= 0 {
		return Config{}, fmt.Errorf("invalid SMTP port")
	}
	if cfg.CaptchaEnabled {
		if strings.TrimSpace(cfg.CaptchaSecret) == "" {
			return Config{}, fmt.Errorf("CAPTCHA_SECRET is required when CAPTCHA_ENABLED=true")
		}
		if strings.TrimSpace(cfg.CaptchaVerifyURL) == "" {
			switch cfg.CaptchaProvider {
			case "turnstile", "":
				cfg.CaptchaVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"
			case "hcaptcha":
				cfg.CaptchaVerifyURL = "https://hcaptcha.com/siteverify"
			default:
				return Config{}, fmt.Errorf("unsupported CAPTCHA_PROVIDER: %s", cfg.CaptchaProvider)
			}
		}
	}
	return cfg, nil
}

// SMSConfigured reports whether outbound SMS has live credentials.
func (c Config) SMSConfigured() bool { return c.SMSProvider == "twilio" }

func (c Config) EmailConfigured() bool { return strings.TrimSpace(c.SMTPHost) != "" }

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
