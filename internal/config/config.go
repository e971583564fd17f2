package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"funnelbot/internal/content"
	"funnelbot/internal/store"
)

type Config struct {
	BotToken    string
	BotUsername string
	// BotDisabled runs the scheduler and admin API without a Telegram session.
	BotDisabled bool

	DBDriver    store.Driver
	DBPath      string
	DatabaseURL string

	ChannelID     int64
	FAQChannelID  int64
	FAQChannelURL string

	PracticeAudioPath string
	CheckupPDFPath    string
	CheckupImagePath  string
	AnnaImagePath     string

	VideoPostID  int
	AnnaPostURL  string
	AnnaPostID   int
	MaximPostURL string
	MaximPostID  int
	BookUsername string

	PollInterval    time.Duration
	Batch           int
	MaintenanceCron string
	StaleAfter      time.Duration
	JobRetention    time.Duration

	AdminAddr string
	SendRate  float64

	LogLevel     zerolog.Level
	LogFormat    string
	OTLPEndpoint string
}

// Load reads envFile (".env" when empty) if it exists, then the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv and validates it. All problems are
// reported together.
func FromEnv(getenv func(string) string) (Config, error) {
	p := &parser{getenv: getenv}

	cfg := Config{
		BotToken:    p.str("BOT_TOKEN", ""),
		BotUsername: p.str("BOT_USERNAME", ""),
		BotDisabled: p.boolean("BOT_DISABLED", false),

		DBDriver:    store.Driver(strings.ToLower(p.str("DB_DRIVER", string(store.DriverSQLite)))),
		DBPath:      p.str("DB_PATH", "/data/bot.db"),
		DatabaseURL: p.str("DATABASE_URL", ""),

		ChannelID:     p.num64("CHANNEL_ID", -1003060928185),
		FAQChannelURL: strings.TrimRight(p.str("FAQ_CHANNEL_URL", "https://t.me/hypno_FAQ"), "/"),

		PracticeAudioPath: p.str("PRACTICE_AUDIO_PATH", "/assets/practice.m4a"),
		CheckupPDFPath:    p.str("CHECKUP_PDF_PATH", "/assets/checkup.pdf"),
		CheckupImagePath:  p.str("CHECKUP_IMAGE_PATH", "/assets/2.jpg"),
		AnnaImagePath:     p.str("ANNA_IMAGE_PATH", "/assets/5.jpg"),

		VideoPostID:  p.num("VIDEO_POST_ID", 135),
		AnnaPostURL:  p.str("ANNA_POST_URL", "https://t.me/hypno_FAQ/112"),
		MaximPostURL: p.str("MAXIM_POST_URL", "https://t.me/hypno_FAQ/140"),
		BookUsername: strings.TrimPrefix(p.str("BOOK_USERNAME", "katherine_hypno"), "@"),

		PollInterval:    time.Duration(p.num("SCHEDULER_POLL_SECONDS", 10)) * time.Second,
		Batch:           p.num("SCHEDULER_BATCH", 50),
		MaintenanceCron: p.str("MAINTENANCE_CRON", "*/10 * * * *"),
		StaleAfter:      p.duration("STALE_AFTER", 15*time.Minute),
		JobRetention:    p.duration("JOB_RETENTION", 30*24*time.Hour),

		AdminAddr: p.str("ADMIN_ADDR", ":8080"),
		SendRate:  p.float("SEND_RATE", 25),

		LogFormat:    strings.ToLower(p.str("LOG_FORMAT", "json")),
		OTLPEndpoint: p.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	cfg.FAQChannelID = p.num64("FAQ_CHANNEL_ID", cfg.ChannelID)
	cfg.AnnaPostID = p.num("ANNA_POST_ID", PostIDFromURL(cfg.AnnaPostURL, 112))
	cfg.MaximPostID = p.num("MAXIM_POST_ID", PostIDFromURL(cfg.MaximPostURL, 140))

	lvl, err := zerolog.ParseLevel(strings.ToLower(p.str("LOG_LEVEL", "info")))
	if err != nil {
		p.fail("LOG_LEVEL", err)
	}
	cfg.LogLevel = lvl

	if cfg.PollInterval < time.Second {
		cfg.PollInterval = time.Second
	}

	p.errs = append(p.errs, cfg.validate()...)
	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	return cfg, nil
}

func (c Config) validate() []error {
	var errs []error
	if !c.BotDisabled && c.BotToken == "" {
		errs = append(errs, errors.New("BOT_TOKEN is required"))
	}
	switch c.DBDriver {
	case store.DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unknown driver %q", c.DBDriver))
	}
	if c.Batch <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_BATCH must be positive, got %d", c.Batch))
	}
	if _, err := cron.ParseStandard(c.MaintenanceCron); err != nil {
		errs = append(errs, fmt.Errorf("MAINTENANCE_CRON: %w", err))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("STALE_AFTER must be positive, got %s", c.StaleAfter))
	}
	if c.JobRetention < 0 {
		errs = append(errs, fmt.Errorf("JOB_RETENTION must not be negative, got %s", c.JobRetention))
	}
	if c.SendRate <= 0 {
		errs = append(errs, fmt.Errorf("SEND_RATE must be positive, got %v", c.SendRate))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}
	return errs
}

// DSN is the connection string for the configured driver.
func (c Config) DSN() string {
	if c.DBDriver == store.DriverPostgres {
		return c.DatabaseURL
	}
	return c.DBPath
}

func (c Config) Content() content.Config {
	return content.Config{
		FAQChannelID:      c.FAQChannelID,
		FAQChannelURL:     c.FAQChannelURL,
		BookUsername:      c.BookUsername,
		VideoPostID:       c.VideoPostID,
		AnnaPostID:        c.AnnaPostID,
		MaximPostID:       c.MaximPostID,
		PracticeAudioPath: c.PracticeAudioPath,
		CheckupPDFPath:    c.CheckupPDFPath,
		CheckupImagePath:  c.CheckupImagePath,
		AnnaImagePath:     c.AnnaImagePath,
	}
}

// PostIDFromURL extracts the trailing message id from a post link such as
// https://t.me/channel/112, returning def when there is none.
func PostIDFromURL(url string, def int) int {
	u := strings.TrimSpace(url)
	i := strings.LastIndex(u, "/")
	if i < 0 || i == len(u)-1 {
		return def
	}
	id, err := strconv.Atoi(strings.TrimSpace(u[i+1:]))
	if err != nil {
		return def
	}
	return id
}

type parser struct {
	getenv func(string) string
	errs   []error
}

func (p *parser) fail(key string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
}

func (p *parser) str(key, def string) string {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return def
	}
	return v
}

func (p *parser) num(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) num64(key string, def int64) int64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}
