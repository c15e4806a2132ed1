package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB       DBConfig
	JWT      JWTConfig
	Server   ServerConfig
	MFA      MFAConfig
	WebAuthn WebAuthnConfig
	SMTP     SMTPConfig
	MinIO    MinIOConfig
	Audit    AuditConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type JWTConfig struct {
	Secret             string
	AccessExpiryMins   int
	RefreshExpiryHours int
}

type ServerConfig struct {
	Port          string
	SecureCookies bool
}

type MFAConfig struct {
	OTPExpiryMinutes int
	OTPDigits        int
	BackupCodeCount  int
}

type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
	ChallengeTTL  time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type AuditConfig struct {
	ExportInterval time.Duration
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "ledgerline"),
			Password: getEnv("DB_PASSWORD", "ledgerline_secret"),
			Name:     getEnv("DB_NAME", "ledgerline"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:             getEnv("JWT_SECRET", "change-me-in-production"),
			AccessExpiryMins:   getEnvAsInt("JWT_ACCESS_EXPIRY_MINUTES", 15),
			RefreshExpiryHours: getEnvAsInt("JWT_REFRESH_EXPIRY_HOURS", 168),
		},
		Server: ServerConfig{
			Port:          getEnv("SERVER_PORT", "8080"),
			SecureCookies: getEnvAsBool("SECURE_COOKIES", true),
		},
		MFA: MFAConfig{
			OTPExpiryMinutes: getEnvAsInt("MFA_OTP_EXPIRY_MINUTES", 10),
			OTPDigits:        getEnvAsInt("MFA_OTP_DIGITS", 6),
			BackupCodeCount:  getEnvAsInt("MFA_BACKUP_CODE_COUNT", 10),
		},
		WebAuthn: WebAuthnConfig{
			RPID:          getEnv("WEBAUTHN_RP_ID", "localhost"),
			RPDisplayName: getEnv("WEBAUTHN_RP_DISPLAY_NAME", "Ledgerline"),
			RPOrigins:     getEnvAsSlice("WEBAUTHN_RP_ORIGINS", []string{"http://localhost:3001"}),
			ChallengeTTL:  getEnvAsDuration("WEBAUTHN_CHALLENGE_TTL", 5*time.Minute),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "no-reply@ledgerline.local"),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", ""),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "ledgerline-audit"),
			UseSSL:    getEnvAsBool("MINIO_USE_SSL", false),
		},
		Audit: AuditConfig{
			ExportInterval: getEnvAsDuration("AUDIT_EXPORT_INTERVAL", 1*time.Hour),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsSlice(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return fallback
}
