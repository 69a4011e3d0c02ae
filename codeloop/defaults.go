// Package codeloop holds application-wide defaults shared by the config, db and CLI layers.
package codeloop

import (
	"os"
	"path/filepath"
)

const (
	DefaultAppName      = "codeloop"
	DefaultDatabaseName = "codeloop.db"
	DefaultLanguage     = "python"
)

var (
	DefaultConfigPath   = filepath.Join(userDir(os.UserConfigDir), DefaultAppName)
	DefaultDataDir      = filepath.Join(userDir(os.UserCacheDir), DefaultAppName)
	DefaultDatabasePath = filepath.Join(DefaultDataDir, DefaultDatabaseName)
	DefaultSandboxDir   = filepath.Join(DefaultDataDir, "sandbox")
)

// userDir resolves an OS user directory, falling back to the temp dir when the
// environment does not define one (e.g. minimal containers).
func userDir(resolve func() (string, error)) string {
	dir, err := resolve()
	if err != nil || dir == "" {
		return os.TempDir()
	}
	return dir
}
