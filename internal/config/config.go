package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the integrator service and
// its command-line companions.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string
	APIToken    string

	KohaBaseURL string
	KohaUser    string
	KohaPass    string
	KohaTimeout time.Duration

	DSpaceBaseURL       string
	DSpaceUIBaseURL     string
	DSpaceUser          string
	DSpacePass          string
	DSpaceTimeout       time.Duration
	DSpaceUploadTimeout time.Duration

	MountPath       string
	ProcessedFolder string
	ErrorFolder     string
	CoversFolder    string

	SizeWarnBytes  int64
	SizeLimitBytes int64

	WorkerCount   int
	QueueCapacity int
	JobRetention  time.Duration

	MappingRulesPath string

	CoverTargetWidth  int
	CoverJPEGQuality  int
	CoverDPI          int
	CoverRenderTool   string
	CoverMaxAttempts  int
	CoverRetryDelay   time.Duration
	CoverRenderLimit  time.Duration
	CoverJoinTimeout  time.Duration
	CoverPollAttempts int
	CoverPollDelay    time.Duration

	CoverS3Bucket    string
	CoverS3Region    string
	CoverS3Endpoint  string
	CoverS3PathStyle bool

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	PostgresDSN string
}

// Load reads configuration from environment variables with sane defaults
// for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "5000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		APIToken:    getEnv("INTEGRATOR_API_TOKEN", ""),

		KohaBaseURL: getEnv("KOHA_API_URL", "http://localhost:8081"),
		KohaUser:    getEnv("KOHA_API_USER", ""),
		KohaPass:    getEnv("KOHA_API_PASS", ""),
		KohaTimeout: getEnvDuration("KOHA_TIMEOUT", 30*time.Second),

		DSpaceBaseURL:       getEnv("DSPACE_API_URL", "http://localhost:8080/server/api"),
		DSpaceUIBaseURL:     getEnv("DSPACE_UI_URL", "http://localhost:4000"),
		DSpaceUser:          getEnv("DSPACE_API_USER", ""),
		DSpacePass:          getEnv("DSPACE_API_PASS", ""),
		DSpaceTimeout:       getEnvDuration("DSPACE_TIMEOUT", 30*time.Second),
		DSpaceUploadTimeout: getEnvDuration("DSPACE_UPLOAD_TIMEOUT", 5*time.Minute),

		MountPath:       getEnv("INTEGRATOR_MOUNT_PATH", "/mnt/drive"),
		ProcessedFolder: getEnv("FOLDER_PROCESSED", "Processed"),
		ErrorFolder:     getEnv("FOLDER_ERROR", "Error"),
		CoversFolder:    getEnv("FOLDER_COVERS", "covers"),

		SizeWarnBytes:  getEnvInt64("SIZE_WARN_BYTES", 500*1024*1024),
		SizeLimitBytes: getEnvInt64("SIZE_LIMIT_BYTES", 2*1024*1024*1024),

		WorkerCount:   getEnvInt("WORKER_COUNT", 4),
		QueueCapacity: getEnvInt("QUEUE_CAPACITY", 64),
		JobRetention:  getEnvDuration("JOB_RETENTION", time.Hour),

		MappingRulesPath: getEnv("MAPPING_RULES_PATH", ""),

		CoverTargetWidth:  getEnvInt("COVER_TARGET_WIDTH", 600),
		CoverJPEGQuality:  getEnvInt("COVER_JPEG_QUALITY", 80),
		CoverDPI:          getEnvInt("COVER_DPI", 150),
		CoverRenderTool:   getEnv("COVER_RENDER_TOOL", "pdftoppm"),
		CoverMaxAttempts:  getEnvInt("COVER_MAX_ATTEMPTS", 2),
		CoverRetryDelay:   getEnvDuration("COVER_RETRY_DELAY", time.Second),
		CoverRenderLimit:  getEnvDuration("COVER_RENDER_TIMEOUT", 15*time.Second),
		CoverJoinTimeout:  getEnvDuration("COVER_JOIN_TIMEOUT", 45*time.Second),
		CoverPollAttempts: getEnvInt("COVER_POLL_ATTEMPTS", 3),
		CoverPollDelay:    getEnvDuration("COVER_POLL_DELAY", 2*time.Second),

		CoverS3Bucket:    getEnv("COVER_S3_BUCKET", ""),
		CoverS3Region:    getEnv("COVER_S3_REGION", "us-east-1"),
		CoverS3Endpoint:  getEnv("COVER_S3_ENDPOINT", ""),
		CoverS3PathStyle: getEnvBool("COVER_S3_PATH_STYLE", false),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 20),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 2),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),
	}
}

// ProcessedDir is the versioned working location for relocated files.
func (c Config) ProcessedDir() string {
	return filepath.Join(c.MountPath, c.ProcessedFolder)
}

// ErrorDir is the compensation target, a sibling of the working location.
func (c Config) ErrorDir() string {
	return filepath.Join(c.MountPath, c.ErrorFolder)
}

// CoversDir is where generated cover derivatives are written.
func (c Config) CoversDir() string {
	return filepath.Join(c.MountPath, c.CoversFolder)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
