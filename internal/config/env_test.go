package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DOCVAULT_CONFIG", "")
	t.Setenv("METADATA_STORE", "leveldb")
	t.Setenv("WRITE_PARALLELISM", "3")
	t.Setenv("GC_GRACE_PERIOD", "90m")
	t.Setenv("OCR_LANGUAGES", "deu, eng,,")
	t.Setenv("INLINE_MAX_BYTES", "lots")

	cfg := LoadConfig()
	assert.Equal(t, "leveldb", cfg.MetadataStore)
	assert.Equal(t, 3, cfg.WriteParallelism)
	assert.Equal(t, 90*time.Minute, cfg.GCGracePeriod)
	assert.Equal(t, []string{"deu", "eng"}, cfg.OCRLanguages)
	assert.Equal(t, 16<<10, cfg.InlineMaxBytes)
}

func Test_LoadConfig_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
metadata_store: leveldb
leveldb_path: /var/lib/docvault/meta
blob_backend: flatfs
chunk_compression: lz4
extract_min_text_chars: 40
ocr_languages: [fra]
`), 0o644))

	t.Setenv("DOCVAULT_CONFIG", path)
	t.Setenv("CHUNK_COMPRESSION", "none")

	cfg := LoadConfig()
	assert.Equal(t, "/var/lib/docvault/meta", cfg.LevelDBPath)
	assert.Equal(t, "flatfs", cfg.BlobBackend)
	assert.Equal(t, "none", cfg.ChunkCompression)
	assert.Equal(t, 40, cfg.ExtractMinTextChars)
	assert.Equal(t, []string{"fra"}, cfg.OCRLanguages)
	// untouched keys keep their defaults
	assert.Equal(t, "buzhash", cfg.ChunkPolicy)
}

func Test_Validate(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.Validate(), "postgres without DATABASE_URL")

	cfg.DatabaseURL = "postgres://localhost/docvault"
	assert.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown store", func(c *Config) { c.MetadataStore = "sqlite" }},
		{"unknown backend", func(c *Config) { c.BlobBackend = "ftp" }},
		{"unknown location", func(c *Config) { c.ChunkLocation = "remote" }},
		{"zero parallelism", func(c *Config) { c.WriteParallelism = 0 }},
		{"negative threshold", func(c *Config) { c.ExtractMinTextChars = -1 }},
		{"zero dpi", func(c *Config) { c.OCRDPI = 0 }},
		{"no languages", func(c *Config) { c.OCRLanguages = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			c.DatabaseURL = "postgres://localhost/docvault"
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
