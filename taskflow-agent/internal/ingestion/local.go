package ingestion

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
)

var allowedExt = []string{".pdf", ".txt", ".md", ".png", ".jpg", ".jpeg"}

// Supported reports whether filename has an extension Extract understands.
func Supported(filename string) bool {
	return slices.Contains(allowedExt, strings.ToLower(filepath.Ext(filename)))
}

// LoadLocalFiles walks root and returns every supported file, in lexical order.
func LoadLocalFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if Supported(path) {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}
