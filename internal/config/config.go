package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds CLI defaults read from the dockerbuild config file.
type Config struct {
	// DefaultWorkDir is used when --workdir is not given.
	DefaultWorkDir string `toml:"default-work-dir,omitempty"`
	// DefaultRootDir is used when --root is not given.
	DefaultRootDir string `toml:"default-root-dir,omitempty"`
	// NoCache disables layer caching by default.
	NoCache bool `toml:"no-cache,omitempty"`
	// ChownUID and ChownGID own files the builder materializes.
	ChownUID int `toml:"chown-uid,omitempty"`
	ChownGID int `toml:"chown-gid,omitempty"`
}

// DefaultConfigPath returns the location of the config file, honoring
// DOCKERBUILD_HOME.
func DefaultConfigPath() (string, error) {
	home, err := DockerbuildHome()
	if err != nil {
		return "", errors.Wrap(err, "getting config path")
	}
	return filepath.Join(home, "config.toml"), nil
}

// DockerbuildHome returns the base directory for dockerbuild state.
func DockerbuildHome() (string, error) {
	packHome := os.Getenv("DOCKERBUILD_HOME")
	if packHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "getting user home")
		}
		packHome = filepath.Join(home, ".dockerbuild")
	}
	return packHome, nil
}

// Read loads the config file at path. A missing file yields the zero config.
func Read(path string) (Config, error) {
	cfg := Config{}
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "failed to read config file at path %s", path)
	}
	return cfg, nil
}

// Write stores the config file at path, creating parent directories.
func Write(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
