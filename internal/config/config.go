package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// STT holds speech-to-text and analysis provider settings.
type STT struct {
	APIKey           string
	BaseURL          string
	Model            string
	Language         string
	Translate        bool
	AnalysisEnabled  bool
	AnalysisModel    string
	AnalysisMaxChars int
	RequestTimeout   time.Duration
	AnalysisTimeout  time.Duration
	MaxRetryElapsed  time.Duration
}

// CRM holds OAuth and record layout settings for the CRM provider.
type CRM struct {
	TokenURL          string
	ClientID          string
	ClientSecret      string
	RefreshToken      string
	APIDomain         string
	Module            string
	RecordingField    string
	TranscriptField   string
	AnalysisField     string
	AuthScheme        string
	RequestsPerSecond float64
	TokenSkew         time.Duration
}

// Telephony holds the secondary recording provider settings.
type Telephony struct {
	BaseURL       string
	APIKey        string
	AuthToken     string
	RecordingPath string
	ReauthDomains []string
}

// Queue holds admission and scheduling limits.
type Queue struct {
	MaxConcurrent   int
	MaxQueueSize    int
	RateLimitWindow time.Duration
	RateLimitMax    int
	HistorySize     int
}

type Config struct {
	Port            string
	TempDir         string
	DownloadTimeout time.Duration
	AdminToken      string
	STT             STT
	CRM             CRM
	Telephony       Telephony
	Queue           Queue
}

// Load reads the process environment. Call godotenv.Load first to pick up .env files.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            envOr("PORT", "8080"),
		TempDir:         envOr("TEMP_DIR", filepath.Join(os.TempDir(), "crm-voice-sync")),
		DownloadTimeout: envDuration("DOWNLOAD_TIMEOUT", 30*time.Second),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
		STT: STT{
			APIKey:           firstEnv("STT_API_KEY", "OPENAI_API_KEY"),
			BaseURL:          strings.TrimRight(envOr("STT_BASE_URL", "https://api.openai.com/v1"), "/"),
			Model:            envOr("STT_MODEL", "whisper-1"),
			Language:         os.Getenv("TRANSCRIBE_LANGUAGE"),
			Translate:        envBool("TRANSCRIBE_TRANSLATE", false),
			AnalysisEnabled:  envBool("ANALYSIS_ENABLED", false),
			AnalysisModel:    envOr("ANALYSIS_MODEL", "gpt-4o-mini"),
			AnalysisMaxChars: envInt("ANALYSIS_MAX_CHARS", 1200),
			RequestTimeout:   envDuration("STT_TIMEOUT", 120*time.Second),
			AnalysisTimeout:  envDuration("ANALYSIS_TIMEOUT", 30*time.Second),
			MaxRetryElapsed:  envDuration("STT_MAX_RETRY_ELAPSED", 45*time.Second),
		},
		CRM: CRM{
			TokenURL:          envOr("CRM_TOKEN_URL", "https://accounts.zoho.com/oauth/v2/token"),
			ClientID:          os.Getenv("CRM_CLIENT_ID"),
			ClientSecret:      os.Getenv("CRM_CLIENT_SECRET"),
			RefreshToken:      os.Getenv("CRM_REFRESH_TOKEN"),
			APIDomain:         strings.TrimRight(envOr("CRM_API_DOMAIN", "https://www.zohoapis.com"), "/"),
			Module:            envOr("CRM_MODULE", "Calls"),
			RecordingField:    envOr("CRM_RECORDING_FIELD", "Voice_Recording"),
			TranscriptField:   envOr("CRM_TRANSCRIPT_FIELD", "Call_Transcript"),
			AnalysisField:     envOr("CRM_ANALYSIS_FIELD", "Call_Analysis"),
			AuthScheme:        envOr("CRM_AUTH_SCHEME", "Zoho-oauthtoken"),
			RequestsPerSecond: envFloat("CRM_REQUESTS_PER_SECOND", 10),
			TokenSkew:         envDuration("CRM_TOKEN_SKEW", 300*time.Second),
		},
		Telephony: Telephony{
			BaseURL:       strings.TrimRight(os.Getenv("TELEPHONY_BASE_URL"), "/"),
			APIKey:        os.Getenv("TELEPHONY_API_KEY"),
			AuthToken:     os.Getenv("TELEPHONY_AUTH_TOKEN"),
			RecordingPath: envOr("TELEPHONY_RECORDING_PATH", "/recording/%s"),
			ReauthDomains: envList("REAUTH_DOMAINS"),
		},
		Queue: Queue{
			MaxConcurrent:   envInt("MAX_CONCURRENT", 5),
			MaxQueueSize:    envInt("MAX_QUEUE_SIZE", 100),
			RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", 60*time.Second),
			RateLimitMax:    envInt("RATE_LIMIT_MAX", 20),
			HistorySize:     envInt("REQUEST_HISTORY_SIZE", 500),
		},
	}
	return cfg, cfg.Validate()
}

// Validate reports every missing or out-of-range setting in one error.
func (c *Config) Validate() error {
	var errs []error
	required := map[string]string{
		"STT_API_KEY":       c.STT.APIKey,
		"CRM_CLIENT_ID":     c.CRM.ClientID,
		"CRM_CLIENT_SECRET": c.CRM.ClientSecret,
		"CRM_REFRESH_TOKEN": c.CRM.RefreshToken,
	}
	for _, key := range []string{"STT_API_KEY", "CRM_CLIENT_ID", "CRM_CLIENT_SECRET", "CRM_REFRESH_TOKEN"} {
		if strings.TrimSpace(required[key]) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.Queue.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT must be positive"))
	}
	if c.Queue.MaxQueueSize <= 0 {
		errs = append(errs, errors.New("MAX_QUEUE_SIZE must be positive"))
	}
	if c.Queue.RateLimitMax <= 0 || c.Queue.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.STT.AnalysisMaxChars <= 3 {
		errs = append(errs, errors.New("ANALYSIS_MAX_CHARS must be greater than 3"))
	}
	if c.Telephony.BaseURL != "" && strings.Count(c.Telephony.RecordingPath, "%s") != 1 {
		errs = append(errs, errors.New("TELEPHONY_RECORDING_PATH must contain exactly one %s"))
	}
	return errors.Join(errs...)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envInt(k string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(k))); err == nil {
		return v
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(k)), 64); err == nil {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(k))); err == nil {
		return v
	}
	return def
}

// envDuration accepts Go durations ("45s") or a bare number of seconds.
func envDuration(k string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envList(k string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(k), ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
