// Package dotenv loads .env files before configuration is read.
package dotenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadFiles loads KEY=VALUE pairs from each existing file in order. Missing
// files are skipped and variables already in the environment are kept.
func LoadFiles(paths ...string) (loaded []string, err error) {
	for _, path := range paths {
		if _, statErr := os.Stat(path); statErr != nil {
			if errors.Is(statErr, fs.ErrNotExist) {
				continue
			}
			return loaded, fmt.Errorf("stat env file %q: %w", path, statErr)
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("load env file %q: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}
