package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

const ggufExt = ".gguf"

// LoadDir scans a directory for checkpoints: *.gguf files (ID is the
// filename without .gguf) and subdirectories holding exactly one .gguf (ID
// is the directory name). Path is absolute. IDs match what status reports
// after initialize.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		if e.IsDir() {
			files, err := fsutil.FilesWithExt(p, ggufExt)
			if err != nil || len(files) != 1 {
				continue
			}
			models = append(models, types.Model{ID: name, Name: name, Path: files[0], Family: Family(name)})
			continue
		}
		if !fsutil.HasExt(name, ggufExt) {
			continue
		}
		id := name[:len(name)-len(ggufExt)]
		models = append(models, types.Model{ID: id, Name: id, Path: p, Family: Family(name)})
	}
	return models, nil
}

// Family derives the model family from an identifier or path.
func Family(path string) string {
	if strings.Contains(strings.ToLower(path), "qwen3") {
		return "qwen3"
	}
	return "qwen2.5"
}
