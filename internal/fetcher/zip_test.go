package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZIP(t *testing.T, files map[string]string) string {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractShapefile(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"parcels.shp": "shp",
		"parcels.dbf": "dbf",
		"parcels.shx": "shx",
		"README.txt":  "ignored",
	})

	destDir := t.TempDir()
	shp, err := ExtractShapefile(zipPath, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "parcels.shp"), shp)

	data, err := os.ReadFile(filepath.Join(destDir, "parcels.dbf"))
	require.NoError(t, err)
	assert.Equal(t, "dbf", string(data))

	_, err = os.Stat(filepath.Join(destDir, "README.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestExtractShapefile_FlattensFolders(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"export/2026/Points.SHP": "shp",
		"export/2026/Points.dbf": "dbf",
	})

	destDir := t.TempDir()
	shp, err := ExtractShapefile(zipPath, destDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(destDir, "Points.SHP"), shp)
}

func TestExtractShapefile_ZipSlipPrevention(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"../evil.shp": "malicious",
	})

	_, err := ExtractShapefile(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractShapefile_NoLayer(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"data.csv": "a,b"})

	_, err := ExtractShapefile(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .shp layer")
}

func TestExtractShapefile_MultipleLayers(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{
		"a.shp": "shp", "a.dbf": "dbf",
		"b.shp": "shp", "b.dbf": "dbf",
	})

	_, err := ExtractShapefile(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected one .shp layer")
}

func TestExtractShapefile_MissingDBF(t *testing.T) {
	zipPath := createTestZIP(t, map[string]string{"a.shp": "shp", "a.shx": "shx"})

	_, err := ExtractShapefile(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .dbf")
}

func TestExtractShapefile_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	require.NoError(t, writeTestFile(path, "not a zip"))

	_, err := ExtractShapefile(path, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive")
}
