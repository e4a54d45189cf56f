package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rotisserie/eris"
)

// shapefileParts are the bundle members a point layer reader can use.
var shapefileParts = mapset.NewSet(".shp", ".shx", ".dbf", ".prj", ".cpg")

// ExtractShapefile unpacks the shapefile members of a ZIP bundle into destDir
// and returns the path of the single .shp layer. Nested folders are flattened;
// members that are not shapefile parts are skipped.
func ExtractShapefile(zipPath, destDir string) (string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var layers []string
	bases := mapset.NewThreadUnsafeSet[string]()
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if err := checkEntryName(f.Name); err != nil {
			return "", err
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !shapefileParts.Contains(ext) {
			continue
		}

		dest, err := extractZIPEntry(f, filepath.Join(destDir, filepath.Base(f.Name)))
		if err != nil {
			return "", err
		}
		base := strings.TrimSuffix(filepath.Base(f.Name), filepath.Ext(f.Name))
		switch ext {
		case ".shp":
			layers = append(layers, dest)
		case ".dbf":
			bases.Add(strings.ToLower(base))
		}
	}

	switch len(layers) {
	case 0:
		return "", eris.New("zip: no .shp layer in archive")
	case 1:
	default:
		return "", eris.Errorf("zip: expected one .shp layer, got %d", len(layers))
	}

	shp := layers[0]
	base := strings.TrimSuffix(filepath.Base(shp), filepath.Ext(shp))
	if !bases.Contains(strings.ToLower(base)) {
		return "", eris.Errorf("zip: layer %s has no .dbf attribute table", base)
	}
	return shp, nil
}

// checkEntryName rejects absolute paths and parent-directory components.
func checkEntryName(name string) error {
	clean := filepath.ToSlash(filepath.Clean(name))
	if filepath.IsAbs(name) || clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return eris.Errorf("zip: illegal path %q (zip slip attempt)", name)
	}
	return nil
}

func extractZIPEntry(f *zip.File, destPath string) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", eris.Wrapf(err, "zip: open entry %s", f.Name)
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, rc); err != nil {
		return "", eris.Wrap(err, "zip: write file")
	}
	return destPath, nil
}
