// Package dotenv loads local .env files into the process environment.
package dotenv

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFile loads KEY=VALUE pairs from a dotenv-style file into the process
// environment. Existing environment variables are preserved and a missing
// file is not an error.
func LoadFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// LoadFiles loads each file in order. Values from earlier files win.
func LoadFiles(paths ...string) error {
	for _, p := range paths {
		if err := LoadFile(p); err != nil {
			return err
		}
	}
	return nil
}
