package registry

import (
	"strings"

	"github.com/rs/zerolog"

	"chatd/pkg/types"
)

var builtin = []types.Model{
	{ID: "Qwen2.5-0.5B-Instruct", Description: "Small, fast model for basic chat"},
	{ID: "Qwen2.5-1.5B-Instruct", Description: "Medium model with better quality"},
	{ID: "Qwen2.5-3B-Instruct", Description: "Larger model for complex tasks"},
	{ID: "Qwen2.5-7B-Instruct", Description: "High quality, requires more memory"},
	{ID: "Qwen3-0.6B", Description: "Latest Qwen3 small model"},
	{ID: "Qwen3-1.7B", Description: "Latest Qwen3 medium model"},
	{ID: "Qwen3-4B", Description: "Latest Qwen3 larger model"},
}

// Builtin returns the built-in model catalog.
func Builtin() []types.Model {
	out := make([]types.Model, len(builtin))
	for i, m := range builtin {
		m.Name = m.ID
		m.Family = Family(m.ID)
		out[i] = m
	}
	return out
}

// Catalog merges the built-in catalog with models discovered under
// modelsDir. A discovered model whose ID matches a built-in entry (ignoring
// case and a .gguf suffix) fills in its path. Scan failures are logged.
func Catalog(modelsDir string, log zerolog.Logger) []types.Model {
	out := Builtin()
	if strings.TrimSpace(modelsDir) == "" {
		return out
	}
	found, err := LoadDir(modelsDir)
	if err != nil {
		log.Warn().Err(err).Str("models_dir", modelsDir).Msg("model scan failed")
		return out
	}
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[catalogKey(m.ID)] = i
	}
	for _, m := range found {
		if i, ok := index[catalogKey(m.ID)]; ok {
			if out[i].Path == "" {
				out[i].Path = m.Path
			}
			continue
		}
		index[catalogKey(m.ID)] = len(out)
		out = append(out, m)
	}
	return out
}

func catalogKey(id string) string {
	return strings.TrimSuffix(strings.ToLower(id), ggufExt)
}

// IDs returns the identifiers of models in order.
func IDs(models []types.Model) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.ID
	}
	return out
}
