package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetadataStore string `yaml:"metadata_store"` // postgres | leveldb
	DatabaseURL   string `yaml:"database_url"`
	SslCertPath   string `yaml:"ssl_cert_path"`
	LevelDBPath   string `yaml:"leveldb_path"`

	BlobBackend  string `yaml:"blob_backend"` // s3 | flatfs | badger | memory
	AwsAccessKey string `yaml:"aws_access_key"`
	AwsSecretKey string `yaml:"aws_secret_key"`
	AwsRegion    string `yaml:"aws_region"`
	BucketName   string `yaml:"bucket_name"`
	S3Endpoint   string `yaml:"s3_endpoint"`
	FlatFSPath   string `yaml:"flatfs_path"`
	BadgerPath   string `yaml:"badger_path"`

	ChunkPolicy      string        `yaml:"chunk_policy"`
	ChunkHash        string        `yaml:"chunk_hash"`
	ChunkCompression string        `yaml:"chunk_compression"`
	ChunkLocation    string        `yaml:"chunk_location"` // external | inline | auto
	InlineMaxBytes   int           `yaml:"inline_max_bytes"`
	WriteParallelism int           `yaml:"write_parallelism"`
	GCGracePeriod    time.Duration `yaml:"gc_grace_period"`

	ExtractMinTextChars int           `yaml:"extract_min_text_chars"`
	OCRDPI              int           `yaml:"ocr_dpi"`
	OCRLanguages        []string      `yaml:"ocr_languages"`
	TessdataPrefix      string        `yaml:"tessdata_prefix"`
	RenderRetries       int           `yaml:"render_retries"`
	RenderBackoff       time.Duration `yaml:"render_backoff"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		LogLevel:            "info",
		LogFormat:           "text",
		MetadataStore:       "postgres",
		LevelDBPath:         "./data/meta",
		BlobBackend:         "s3",
		AwsRegion:           "us-east-2",
		BucketName:          "docvault-chunks",
		FlatFSPath:          "./data/blobs",
		BadgerPath:          "./data/badger",
		ChunkPolicy:         "buzhash",
		ChunkHash:           "blake3",
		ChunkCompression:    "zstd",
		ChunkLocation:       "external",
		InlineMaxBytes:      16 << 10,
		WriteParallelism:    8,
		GCGracePeriod:       24 * time.Hour,
		ExtractMinTextChars: 16,
		OCRDPI:              300,
		OCRLanguages:        []string{"eng", "deu", "fra", "spa", "ita", "por", "nld"},
		TessdataPrefix:      "/usr/share/tesseract-ocr/5/tessdata",
		RenderRetries:       3,
		RenderBackoff:       250 * time.Millisecond,
	}
}

// LoadConfig loads .env, an optional YAML file named by DOCVAULT_CONFIG, and
// then the environment variables, each layer overriding the previous one.
func LoadConfig() *Config {

	_ = godotenv.Load()

	cfg := Defaults()
	if path := getEnv("DOCVAULT_CONFIG", ""); path != "" {
		if err := cfg.readYAML(path); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	cfg.MetadataStore = getEnv("METADATA_STORE", cfg.MetadataStore)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.SslCertPath = getEnv("SSL_CERT_PATH", cfg.SslCertPath)
	cfg.LevelDBPath = getEnv("LEVELDB_PATH", cfg.LevelDBPath)

	cfg.BlobBackend = getEnv("BLOB_BACKEND", cfg.BlobBackend)
	cfg.AwsAccessKey = getEnv("AWS_ACCESS_KEY", cfg.AwsAccessKey)
	cfg.AwsSecretKey = getEnv("AWS_SECRET_KEY", cfg.AwsSecretKey)
	cfg.AwsRegion = getEnv("AWS_REGION", cfg.AwsRegion)
	cfg.BucketName = getEnv("BUCKET_NAME", cfg.BucketName)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.FlatFSPath = getEnv("FLATFS_PATH", cfg.FlatFSPath)
	cfg.BadgerPath = getEnv("BADGER_PATH", cfg.BadgerPath)

	cfg.ChunkPolicy = getEnv("CHUNK_POLICY", cfg.ChunkPolicy)
	cfg.ChunkHash = getEnv("CHUNK_HASH", cfg.ChunkHash)
	cfg.ChunkCompression = getEnv("CHUNK_COMPRESSION", cfg.ChunkCompression)
	cfg.ChunkLocation = getEnv("CHUNK_LOCATION", cfg.ChunkLocation)
	cfg.InlineMaxBytes = getEnvInt("INLINE_MAX_BYTES", cfg.InlineMaxBytes)
	cfg.WriteParallelism = getEnvInt("WRITE_PARALLELISM", cfg.WriteParallelism)
	cfg.GCGracePeriod = getEnvDuration("GC_GRACE_PERIOD", cfg.GCGracePeriod)

	cfg.ExtractMinTextChars = getEnvInt("EXTRACT_MIN_TEXT_CHARS", cfg.ExtractMinTextChars)
	cfg.OCRDPI = getEnvInt("OCR_DPI", cfg.OCRDPI)
	cfg.OCRLanguages = getEnvList("OCR_LANGUAGES", cfg.OCRLanguages)
	cfg.TessdataPrefix = getEnv("TESSDATA_PREFIX", cfg.TessdataPrefix)
	cfg.RenderRetries = getEnvInt("RENDER_RETRIES", cfg.RenderRetries)
	cfg.RenderBackoff = getEnvDuration("RENDER_BACKOFF", cfg.RenderBackoff)

	return cfg
}

func (c *Config) readYAML(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("unable to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("unable to parse config file: %w", err)
	}
	return nil
}

// Validate checks the settings the selected backends depend on.
func (c *Config) Validate() error {
	switch c.MetadataStore {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL not set")
		}
	case "leveldb":
		if c.LevelDBPath == "" {
			return fmt.Errorf("LEVELDB_PATH not set")
		}
	default:
		return fmt.Errorf("unknown METADATA_STORE %q", c.MetadataStore)
	}

	switch c.BlobBackend {
	case "s3":
		if c.BucketName == "" {
			return fmt.Errorf("BUCKET_NAME not set")
		}
	case "flatfs":
		if c.FlatFSPath == "" {
			return fmt.Errorf("FLATFS_PATH not set")
		}
	case "badger":
		if c.BadgerPath == "" {
			return fmt.Errorf("BADGER_PATH not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	switch c.ChunkLocation {
	case "external", "inline", "auto":
	default:
		return fmt.Errorf("unknown CHUNK_LOCATION %q", c.ChunkLocation)
	}
	if c.WriteParallelism < 1 {
		return fmt.Errorf("WRITE_PARALLELISM must be positive, got %d", c.WriteParallelism)
	}
	if c.ExtractMinTextChars < 0 {
		return fmt.Errorf("EXTRACT_MIN_TEXT_CHARS must not be negative")
	}
	if c.OCRDPI <= 0 {
		return fmt.Errorf("OCR_DPI must be positive, got %d", c.OCRDPI)
	}
	if len(c.OCRLanguages) == 0 {
		return fmt.Errorf("OCR_LANGUAGES is empty")
	}
	return nil
}

// Helper to read environment variables with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warnf("%s=%q not an int, using default %d", key, v, def)
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warnf("%s=%q not a duration, using default %s", key, v, def)
		return def
	}
	return d
}

// getEnvList reads a comma separated list, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
