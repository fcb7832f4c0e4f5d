package registry

import (
	"path/filepath"
	"strings"

	"chatd/internal/apperr"
	"chatd/internal/common/fsutil"
)

// ResolveCheckpoint maps a model path to a .gguf file. The path may name a
// file or a directory holding exactly one .gguf. Relative paths are tried
// as given, then under modelsDir, each also with .gguf appended so catalog
// IDs resolve. A leading ~ expands to the home directory.
func ResolveCheckpoint(modelPath, modelsDir string) (string, error) {
	modelPath = strings.TrimSpace(modelPath)
	if modelPath == "" {
		return "", apperr.New(apperr.ConfigError, "model_path is required")
	}
	p, err := fsutil.ExpandHome(modelPath)
	if err != nil {
		return "", apperr.Wrap(apperr.IoError, err)
	}
	candidates := []string{p}
	if !filepath.IsAbs(p) && strings.TrimSpace(modelsDir) != "" {
		if base, err := fsutil.ExpandHome(modelsDir); err == nil {
			candidates = append(candidates, filepath.Join(base, p))
			if b := filepath.Base(p); b != p {
				candidates = append(candidates, filepath.Join(base, b))
			}
		}
	}
	for _, c := range candidates {
		for _, p := range []string{c, c + ggufExt} {
			if fsutil.PathExists(p) {
				return checkpointAt(p)
			}
		}
	}
	return "", apperr.Newf(apperr.ModelError, "model path not found: %s", modelPath)
}

func checkpointAt(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", apperr.Wrap(apperr.IoError, err)
	}
	if !fsutil.IsDir(abs) {
		if !fsutil.HasExt(abs, ggufExt) {
			return "", apperr.Newf(apperr.ModelError, "not a .gguf checkpoint: %s", p)
		}
		return abs, nil
	}
	files, err := fsutil.FilesWithExt(abs, ggufExt)
	if err != nil {
		return "", apperr.Wrapf(apperr.IoError, err, "read %s", p)
	}
	switch len(files) {
	case 0:
		return "", apperr.Newf(apperr.ModelError, "no .gguf checkpoint in %s", p)
	case 1:
		return files[0], nil
	default:
		return "", apperr.Newf(apperr.ModelError, "multiple .gguf checkpoints in %s; name one explicitly", p)
	}
}
