package infra

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
)

const DefaultDotPath = "~/.ngmod"

// WorkDir expands dotPath (default ~/.ngmod), joins the optional parts and
// makes sure the directory exists.
func WorkDir(dotPath string, path ...string) (string, error) {
	if dotPath == "" {
		dotPath = DefaultDotPath
	}
	parts := append([]string{dotPath}, path...)
	workDir, err := homedir.Expand(filepath.Join(parts...))
	if err != nil {
		return "", fmt.Errorf("expand work dir: %w", err)
	}
	if err = os.MkdirAll(workDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	return workDir, nil
}
