package relations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"

	relerr "github.com/23skdu/relnode/internal/errors"
)

// Channel selects the index format and the storage engine behind it.
type Channel string

const (
	// ChannelStable keeps the committed state in memory and persists it as an
	// Arrow IPC snapshot on every commit.
	ChannelStable Channel = "stable"
	// ChannelExperimental stores edges in BadgerDB.
	ChannelExperimental Channel = "experimental"
)

// ParseChannel converts a configuration string to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelStable, ChannelExperimental:
		return c, nil
	default:
		return "", relerr.NewConfigurationError("parse_channel", fmt.Sprintf("unknown channel %q", s))
	}
}

// Config fixes the storage location and channel of one index instance.
// It is set at Open and never changes afterwards.
type Config struct {
	Path    string
	Channel Channel
}

// Validate checks the fields of c without touching the filesystem.
func (c Config) Validate() error {
	if c.Path == "" {
		return relerr.NewConfigurationError("validate_config", "path is empty")
	}
	if _, err := ParseChannel(string(c.Channel)); err != nil {
		return err
	}
	return nil
}

const (
	manifestFile    = "manifest.yaml"
	manifestFormat  = "relnode-relations"
	manifestVersion = 1
)

type manifest struct {
	Format        string  `yaml:"format"`
	FormatVersion int     `yaml:"format_version"`
	Channel       Channel `yaml:"channel"`
	CreatedAt     string  `yaml:"created_at"`
}

// prepareDir makes sure cfg.Path is a directory owned by an index of
// cfg.Channel, creating it and its manifest on first use.
func prepareDir(cfg Config) (created bool, err error) {
	info, err := os.Stat(cfg.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return false, relerr.WrapConfigurationError(err, "open", "cannot create index directory").
				WithContext("path", cfg.Path)
		}
	case err != nil:
		return false, relerr.WrapConfigurationError(err, "open", "cannot stat index directory").
			WithContext("path", cfg.Path)
	case !info.IsDir():
		return false, relerr.NewConfigurationError("open", "index path is not a directory").
			WithContext("path", cfg.Path)
	}

	m, err := readManifest(cfg.Path)
	if err != nil {
		return false, err
	}
	if m == nil {
		entries, err := os.ReadDir(cfg.Path)
		if err != nil {
			return false, relerr.WrapConfigurationError(err, "open", "cannot list index directory").
				WithContext("path", cfg.Path)
		}
		if len(entries) > 0 {
			return false, relerr.NewConfigurationError("open", "directory holds data but no manifest").
				WithContext("path", cfg.Path)
		}
		return true, writeManifest(cfg)
	}

	if m.Format != manifestFormat || m.FormatVersion != manifestVersion {
		return false, relerr.NewConfigurationError("open",
			fmt.Sprintf("unsupported index format %s/%d", m.Format, m.FormatVersion)).
			WithContext("path", cfg.Path)
	}
	if m.Channel != cfg.Channel {
		return false, relerr.WrapConfigurationError(relerr.ErrChannelMismatch, "open",
			fmt.Sprintf("index was created with channel %q, opened with %q", m.Channel, cfg.Channel)).
			WithContext("path", cfg.Path)
	}
	return false, nil
}

func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, relerr.WrapConfigurationError(err, "open", "cannot read manifest").WithContext("path", dir)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, relerr.WrapConfigurationError(err, "open", "corrupt manifest").WithContext("path", dir)
	}
	return &m, nil
}

func writeManifest(cfg Config) error {
	data, err := yaml.Marshal(manifest{
		Format:        manifestFormat,
		FormatVersion: manifestVersion,
		Channel:       cfg.Channel,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return relerr.WrapConfigurationError(err, "open", "cannot encode manifest")
	}
	if err := writeFileAtomic(filepath.Join(cfg.Path, manifestFile), data); err != nil {
		return relerr.WrapConfigurationError(err, "open", "cannot write manifest").WithContext("path", cfg.Path)
	}
	return nil
}

// writeFileAtomic replaces name with data via a synced temp file and rename.
func writeFileAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	return finishAtomic(f, tmp, name)
}

// finishAtomic syncs and closes f (open on tmp) and renames tmp over name.
func finishAtomic(f *os.File, tmp, name string) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if d, err := os.Open(filepath.Dir(name)); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
