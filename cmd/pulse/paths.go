package main

import (
	"os"
	"path/filepath"
)

// defaultConfigDirectory prefers the directory of the binary when it already
// holds filename, otherwise the user configuration directory for app.
func defaultConfigDirectory(app, filename string) string {
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		if _, err := os.Stat(filepath.Join(dir, filename)); err == nil {
			return dir
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, app)
	}

	return "."
}
