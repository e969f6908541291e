package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the runtime configuration shared by the Lambdas and the CLI. It is
// built once per process and passed down explicitly.
type Config struct {
	Region string

	RawBucket   string
	RawKey      string
	InputFormat string // auto, jsonl or array

	ResultsBucket string
	ResultsPrefix string

	Athena AthenaConfig
	Poll   PollConfig
	Filter FilterConfig

	WriteParquet  bool
	VerifyCatalog bool

	RunsTable string

	FailureTopicARN      string
	FailureTopicARNParam string // SSM parameter name holding the topic ARN

	LogLevel  string
	LogFormat string
}

type AthenaConfig struct {
	Database  string
	Table     string
	Workgroup string
	Output    string // s3://bucket/prefix/
}

type PollConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Timeout      time.Duration
}

type FilterConfig struct {
	WindowMonths  int
	WindowDays    int
	ReferenceDate string // YYYY-MM-DD, empty means today (UTC)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("RAW_BUCKET", "healthcare-facility")
	v.SetDefault("RAW_KEY", "raw/sample_facility_data.json")
	v.SetDefault("INPUT_FORMAT", "auto")
	v.SetDefault("RESULTS_BUCKET", "healthcare-facility")
	v.SetDefault("RESULTS_PREFIX", "transformed/")
	v.SetDefault("ATHENA_DATABASE", "healthcare_facility_db")
	v.SetDefault("ATHENA_TABLE", "raw")
	v.SetDefault("ATHENA_WORKGROUP", "primary")
	v.SetDefault("ATHENA_OUTPUT", "s3://healthcare-facility/athena_results/")
	v.SetDefault("POLL_INITIAL_DELAY", "1s")
	v.SetDefault("POLL_MAX_DELAY", "5s")
	v.SetDefault("POLL_MULTIPLIER", 2.0)
	v.SetDefault("POLL_MAX_ATTEMPTS", 20)
	v.SetDefault("POLL_TIMEOUT", "60s")
	v.SetDefault("FILTER_WINDOW_MONTHS", 6)
	v.SetDefault("FILTER_WINDOW_DAYS", 0)
	v.SetDefault("WRITE_PARQUET", false)
	v.SetDefault("VERIFY_CATALOG", true)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// Load reads configuration from the environment. Any envFiles that exist are
// loaded first with godotenv; real environment variables win over them.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			if err := godotenv.Load(f); err != nil {
				return nil, fmt.Errorf("load %s: %w", f, err)
			}
		}
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Region:        trimmed(v, "AWS_REGION"),
		RawBucket:     trimmed(v, "RAW_BUCKET"),
		RawKey:        trimmed(v, "RAW_KEY"),
		InputFormat:   strings.ToLower(trimmed(v, "INPUT_FORMAT")),
		ResultsBucket: trimmed(v, "RESULTS_BUCKET"),
		ResultsPrefix: ensureTrailingSlash(trimmed(v, "RESULTS_PREFIX")),
		Athena: AthenaConfig{
			Database:  trimmed(v, "ATHENA_DATABASE"),
			Table:     trimmed(v, "ATHENA_TABLE"),
			Workgroup: trimmed(v, "ATHENA_WORKGROUP"),
			Output:    ensureTrailingSlash(trimmed(v, "ATHENA_OUTPUT")),
		},
		Poll: PollConfig{
			InitialDelay: v.GetDuration("POLL_INITIAL_DELAY"),
			MaxDelay:     v.GetDuration("POLL_MAX_DELAY"),
			Multiplier:   v.GetFloat64("POLL_MULTIPLIER"),
			MaxAttempts:  v.GetInt("POLL_MAX_ATTEMPTS"),
			Timeout:      v.GetDuration("POLL_TIMEOUT"),
		},
		Filter: FilterConfig{
			WindowMonths:  v.GetInt("FILTER_WINDOW_MONTHS"),
			WindowDays:    v.GetInt("FILTER_WINDOW_DAYS"),
			ReferenceDate: trimmed(v, "REFERENCE_DATE"),
		},
		WriteParquet:         v.GetBool("WRITE_PARQUET"),
		VerifyCatalog:        v.GetBool("VERIFY_CATALOG"),
		RunsTable:            trimmed(v, "RUNS_TABLE"),
		FailureTopicARN:      trimmed(v, "FAILURE_TOPIC_ARN"),
		FailureTopicARNParam: trimmed(v, "FAILURE_TOPIC_ARN_PARAM"),
		LogLevel:             strings.ToLower(trimmed(v, "LOG_LEVEL")),
		LogFormat:            strings.ToLower(trimmed(v, "LOG_FORMAT")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Athena.Database == "" || c.Athena.Table == "" {
		return fmt.Errorf("ATHENA_DATABASE and ATHENA_TABLE are required")
	}
	if !strings.HasPrefix(c.Athena.Output, "s3://") {
		return fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}
	if c.ResultsBucket == "" {
		return fmt.Errorf("RESULTS_BUCKET is required")
	}
	switch c.InputFormat {
	case "auto", "jsonl", "array":
	default:
		return fmt.Errorf("INPUT_FORMAT must be auto, jsonl or array, got %q", c.InputFormat)
	}
	if c.Poll.InitialDelay <= 0 || c.Poll.MaxDelay <= 0 || c.Poll.Timeout <= 0 {
		return fmt.Errorf("poll delays and timeout must be positive")
	}
	if c.Poll.MaxDelay < c.Poll.InitialDelay {
		return fmt.Errorf("POLL_MAX_DELAY must not be smaller than POLL_INITIAL_DELAY")
	}
	if c.Poll.Multiplier < 1 {
		return fmt.Errorf("POLL_MULTIPLIER must be at least 1")
	}
	if c.Poll.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be positive")
	}
	if c.Filter.WindowMonths < 0 || c.Filter.WindowDays < 0 {
		return fmt.Errorf("filter window must not be negative")
	}
	if c.Filter.WindowMonths == 0 && c.Filter.WindowDays == 0 {
		return fmt.Errorf("filter window must not be empty")
	}
	if c.Filter.ReferenceDate != "" {
		if _, err := time.Parse("2006-01-02", c.Filter.ReferenceDate); err != nil {
			return fmt.Errorf("REFERENCE_DATE must be YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

// QualifiedTable is database.table as it appears in query text.
func (c *Config) QualifiedTable() string {
	return c.Athena.Database + "." + c.Athena.Table
}

func trimmed(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
