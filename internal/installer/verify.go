package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/voxpull/internal/manifest"
	"github.com/tanq16/voxpull/internal/utils"
	"github.com/tanq16/voxpull/internal/validate"
)

var modelExtensions = []string{".onnx", ".bin", ".safetensors", ".gguf", ".pt", ".pth", ".ort"}

func isModelFile(name string, spec manifest.AssetSpec) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, want := range modelExtensions {
		if ext == want {
			return true
		}
	}
	return !spec.IsCore && ext == ".json"
}

// verifyTree checks the staged tree holds a usable model file and returns a
// hash over every regular file's path and content, in lexical order.
func verifyTree(ctx context.Context, dir string, spec manifest.AssetSpec) (string, error) {
	tree := sha256.New()
	var files []string
	foundModel := false
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", utils.ErrCancelled, err)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == MarkerName || rel == MarkerName+".tmp" {
			return nil
		}
		sum, size, err := hashFile(p)
		if err != nil {
			return err
		}
		fmt.Fprintf(tree, "%s\x00%s\n", rel, sum)
		if len(files) < 10 {
			files = append(files, rel)
		}
		if size > 0 && isModelFile(rel, spec) {
			foundModel = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !foundModel {
		return "", &validate.Error{
			Kind:      validate.KindCorrupted,
			Message:   "the download does not contain a model file",
			Details:   fmt.Sprintf("no non-empty %s file under %s", strings.Join(modelExtensions, "/"), dir),
			Offending: files,
		}
	}
	return hex.EncodeToString(tree.Sum(nil)), nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
