package project

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed templates
var templates embed.FS

// scaffoldFiles maps template names to the files they become. Dotfiles are
// stored without the dot because embed skips them.
var scaffoldFiles = []struct {
	template string
	name     string
}{
	{"Dockerfile", "Dockerfile"},
	{"dockerignore", ".dockerignore"},
	{"package.json", "package.json"},
	{"tsconfig.json", "tsconfig.json"},
	{"example.ts", "example.ts"},
}

// ScaffoldResult lists what Scaffold wrote and what it left alone.
type ScaffoldResult struct {
	Created []string
	Skipped []string
}

// Scaffold creates dir if needed and writes the task directory skeleton.
// Existing files are never overwritten.
func Scaffold(dir string) (*ScaffoldResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}

	res := &ScaffoldResult{}
	for _, f := range scaffoldFiles {
		content, err := fs.ReadFile(templates, "templates/"+f.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", f.template, err)
		}

		created, err := writeNew(filepath.Join(dir, f.name), content)
		if err != nil {
			return nil, err
		}
		if created {
			res.Created = append(res.Created, f.name)
		} else {
			res.Skipped = append(res.Skipped, f.name)
		}
	}
	return res, nil
}

func writeNew(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}
