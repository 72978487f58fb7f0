// Package checkpoint reads model state dicts from safetensors and torch
// checkpoint files and copies them into named tensors.
package checkpoint

import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ollama/ldm/format"
	"github.com/ollama/ldm/ml"
)

type StateDict map[string]*ml.Tensor

// Load reads a state dict, choosing the format by file extension.
func Load(path string) (StateDict, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	slog.Info("loading checkpoint", "path", path, "size", format.HumanBytes(fi.Size()))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return LoadSafetensors(path)
	case ".ckpt", ".pt", ".pth", ".bin":
		return LoadTorch(path)
	default:
		return nil, fmt.Errorf("checkpoint: unknown format %q", filepath.Ext(path))
	}
}

func (sd StateDict) Keys() []string {
	return slices.Sorted(maps.Keys(sd))
}

// Filter deletes every key starting with one of prefixes and returns the
// deleted keys in sorted order.
func (sd StateDict) Filter(prefixes []string) []string {
	var deleted []string
	for _, k := range sd.Keys() {
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(k, p) {
				delete(sd, k)
				deleted = append(deleted, k)
				break
			}
		}
	}
	return deleted
}

// WithPrefix returns the entries under prefix with the prefix removed.
func (sd StateDict) WithPrefix(prefix string) StateDict {
	out := make(StateDict)
	for k, v := range sd {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Report lists the keys that could not be restored.
type Report struct {
	Missing    []string
	Unexpected []string
	Mismatched []string
}

// Apply copies every tensor of sd into the tensor of the same name in dst.
// dst tensors keep their storage; shapes must hold the same number of
// elements.
func Apply(dst map[string]*ml.Tensor, sd StateDict) *Report {
	var r Report
	for _, k := range slices.Sorted(maps.Keys(dst)) {
		src, ok := sd[k]
		if !ok {
			r.Missing = append(r.Missing, k)
			continue
		}

		if src.Len() != dst[k].Len() {
			r.Mismatched = append(r.Mismatched, k)
			continue
		}

		copy(dst[k].Floats(), src.Floats())
	}

	for _, k := range sd.Keys() {
		if _, ok := dst[k]; !ok {
			r.Unexpected = append(r.Unexpected, k)
		}
	}

	return &r
}
