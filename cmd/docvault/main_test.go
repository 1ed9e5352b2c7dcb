package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docvault/internal/core"
)

// localEnv points the CLI at LevelDB and a flat directory under t.TempDir.
func localEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DOCVAULT_CONFIG", "")
	t.Setenv("METADATA_STORE", "leveldb")
	t.Setenv("LEVELDB_PATH", filepath.Join(dir, "meta"))
	t.Setenv("BLOB_BACKEND", "flatfs")
	t.Setenv("FLATFS_PATH", filepath.Join(dir, "blobs"))
	t.Setenv("CHUNK_POLICY", "size-65536")
	t.Setenv("GC_GRACE_PERIOD", "0s")
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out)
	return strings.TrimSpace(out.String()), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := runCLI(t, args...)
	require.NoError(t, err, "docvault %s", strings.Join(args, " "))
	return out
}

func Test_CLI_UploadReadDelete(t *testing.T) {
	dir := localEnv(t)

	docID := mustRun(t, "create-document", "--owner", "user-1", "--title", "Contract")
	require.NotEmpty(t, docID)

	body := strings.Repeat("the parties agree to the terms below\n", 5000)
	src := filepath.Join(dir, "contract.txt")
	require.NoError(t, os.WriteFile(src, []byte(body), 0o644))

	versionID := mustRun(t, "upload", "--document", docID, "-f", src, "--label", "v1",
		"--content-type", "text/plain", "--meta", "source=cli")
	require.NotEmpty(t, versionID)

	dst := filepath.Join(dir, "out.txt")
	mustRun(t, "read", "--version", versionID, "-o", dst)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))

	listing := mustRun(t, "versions", "--document", docID)
	assert.Contains(t, listing, versionID)
	assert.Contains(t, listing, "chunked")

	mustRun(t, "delete", "--version", versionID)
	_, err = runCLI(t, "read", "--version", versionID)
	assert.ErrorIs(t, err, core.ErrVersionNotFound)

	mustRun(t, "read", "--version", versionID, "--include-deleted", "-o", dst)
	mustRun(t, "restore", "--version", versionID)
	assert.Contains(t, mustRun(t, "versions", "--document", docID), versionID)
}

func Test_CLI_MigrateAndCollect(t *testing.T) {
	dir := localEnv(t)

	docID := mustRun(t, "create-document", "--owner", "user-1")
	src := filepath.Join(dir, "scan.bin")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{1, 2, 3, 4}, 50000), 0o644))

	legacyID := mustRun(t, "import-legacy", "--document", docID, "-f", src)
	assert.Contains(t, mustRun(t, "versions", "--document", docID), "legacy")

	assert.Equal(t, "migrated 1, failed 0", mustRun(t, "migrate"))
	assert.Contains(t, mustRun(t, "versions", "--document", docID), "chunked")

	_, err := runCLI(t, "migrate", "--version", legacyID)
	assert.ErrorIs(t, err, core.ErrAlreadyMigrated)

	assert.Equal(t, "removed 0 chunks (0 bytes), 0 blobs", mustRun(t, "gc"))
}

func Test_CLI_ExtractFile(t *testing.T) {
	dir := localEnv(t)

	src := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(src, []byte("# Minutes\n\nBudget approved for the next quarter."), 0o644))

	out := mustRun(t, "extract", "-f", src, "--content-type", "text/markdown")
	assert.Contains(t, out, "Budget approved")

	docID := mustRun(t, "create-document", "--owner", "user-1")
	v1 := mustRun(t, "upload", "--document", docID, "-f", src, "--content-type", "text/markdown")
	v2 := mustRun(t, "upload", "--document", docID, "-f", src, "--content-type", "text/markdown")

	assert.Contains(t, mustRun(t, "extract", "--version", v1), "Budget approved")

	summary := mustRun(t, "extract", "--document", docID, "--workers", "2")
	assert.Contains(t, summary, v1+"\tstructural")
	assert.Contains(t, summary, v2+"\tstructural")

	_, err := runCLI(t, "extract")
	assert.Error(t, err)
}

func Test_ContentTypeFor(t *testing.T) {
	cases := map[string]struct {
		file, explicit, want string
	}{
		"explicit wins": {"report.docx", "text/plain", "text/plain"},
		"docx":          {"report.docx", "", "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		"odt":           {"minutes.odt", "", "application/vnd.oasis.opendocument.text"},
		"pdf":           {"/tmp/scan.pdf", "", "application/pdf"},
		"unknown":       {"notes.md", "", "application/octet-stream"},
		"no extension":  {"README", "", "application/octet-stream"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, contentTypeFor(tc.file, tc.explicit))
		})
	}
}

func Test_CLI_UploadWithoutContentType(t *testing.T) {
	dir := localEnv(t)

	src := filepath.Join(dir, "memo.txt")
	require.NoError(t, os.WriteFile(src, []byte("Board memo: the office moves in March."), 0o644))

	docID := mustRun(t, "create-document", "--owner", "user-1")
	id := mustRun(t, "upload", "--document", docID, "-f", src)
	assert.Contains(t, mustRun(t, "extract", "--version", id), "office moves in March")
	assert.Contains(t, mustRun(t, "extract", "-f", src), "office moves in March")
}

func Test_CLI_UnknownCommand(t *testing.T) {
	localEnv(t)

	out, err := runCLI(t, "frobnicate")
	assert.Error(t, err)
	assert.Contains(t, out, "usage: docvault")

	out, err = runCLI(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "create-document")
}
