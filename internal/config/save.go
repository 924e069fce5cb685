package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const header = "# mcpbrowser configuration. default_server = \"builtin-only\" runs without a primary server.\n\n"

// SaveTo encodes cfg as TOML and replaces path with it. Readers never see a
// partially written file. YAML paths are refused.
func SaveTo(path string, cfg *Config) error {
	if isYAML(path) {
		return fmt.Errorf("saving %s: only TOML configs can be written", path)
	}
	if cfg == nil {
		cfg = Default()
	}
	fillMaps(cfg)

	buf := bytes.NewBufferString(header)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return replaceFile(path, buf.Bytes())
}

// replaceFile writes data to a sibling temp file with mode 0600, syncs it and
// renames it over path.
func replaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp config file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("setting temp config permissions: %w", err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp config file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp config file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp config file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config file: %w", err)
	}
	return nil
}
