// Package utils holds small filesystem helpers shared by the process
// entrypoints.
package utils

import (
	"errors"
	"os"
)

// Exists reports whether f is present on disk.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}
