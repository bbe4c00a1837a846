// Package checkout implements the per-checkout persisted state described in
// §4.5: CheckoutConfig (a TOML document) and ParentCommit (the binary
// SNAPSHOT file), together recovering a checkout's logical identity across
// a daemon restart.
package checkout

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"

	"github.com/edenwood/edenfs/internal/edenerr"
)

// MountProtocol selects the kernel channel a checkout is mounted through.
type MountProtocol string

const (
	ProtocolFUSE    MountProtocol = "fuse"
	ProtocolNFS     MountProtocol = "nfs"
	ProtocolPrjFS   MountProtocol = "prjfs"
	ProtocolDefault MountProtocol = ""
)

func parseMountProtocol(s string) MountProtocol {
	switch MountProtocol(s) {
	case ProtocolFUSE, ProtocolNFS, ProtocolPrjFS:
		return MountProtocol(s)
	default:
		// Unrecognized values revert to the platform default (§4.5).
		return ProtocolDefault
	}
}

// repositoryTable mirrors the required/optional keys of CheckoutConfig's
// `[repository]` TOML table. Unknown keys are ignored by go-toml/v2's
// default decode behavior, matching §4.5's "unknown keys are ignored".
type repositoryTable struct {
	Path              string `toml:"path"`
	Type              string `toml:"type"`
	Protocol          string `toml:"protocol"`
	CaseSensitive     *bool  `toml:"case-sensitive"`
	RequireUTF8Path   *bool  `toml:"require-utf8-path"`
	EnableTreeOverlay *bool  `toml:"enable-tree-overlay"`
	PlatformRepoID    string `toml:"platform-repo-id"`
}

type configFile struct {
	Repository repositoryTable `toml:"repository"`
}

// Config is the decoded, defaulted in-memory form of CheckoutConfig.
type Config struct {
	MountPath         string
	ClientDir         string
	RepoPath          string
	RepoType          string
	Protocol          MountProtocol
	CaseSensitive     bool
	RequireUTF8Path   bool
	EnableTreeOverlay bool
	PlatformRepoID    string
}

const configFileName = "config.toml"

// LoadConfig reads and decodes a checkout's config.toml from clientDir.
func LoadConfig(mountPath, clientDir string) (*Config, error) {
	path := filepath.Join(clientDir, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, edenerr.NotFound("read checkout config %s: %v", path, err)
	}

	var cf configFile
	if err := toml.Unmarshal(data, &cf); err != nil {
		return nil, edenerr.Generic("parse checkout config %s: %v", path, err)
	}
	if cf.Repository.Path == "" || cf.Repository.Type == "" {
		return nil, edenerr.Generic("checkout config %s: [repository] requires path and type", path)
	}

	cfg := &Config{
		MountPath:         mountPath,
		ClientDir:         clientDir,
		RepoPath:          cf.Repository.Path,
		RepoType:          cf.Repository.Type,
		Protocol:          parseMountProtocol(cf.Repository.Protocol),
		CaseSensitive:     boolOr(cf.Repository.CaseSensitive, defaultCaseSensitive()),
		RequireUTF8Path:   boolOr(cf.Repository.RequireUTF8Path, true),
		EnableTreeOverlay: boolOr(cf.Repository.EnableTreeOverlay, true),
		PlatformRepoID:    cf.Repository.PlatformRepoID,
	}
	return cfg, nil
}

// Save writes the config atomically (write-to-temp then rename), matching
// the write procedure §4.5 mandates for all of this package's persisted
// files.
func (c *Config) Save() error {
	cf := configFile{Repository: repositoryTable{
		Path:              c.RepoPath,
		Type:              c.RepoType,
		Protocol:          string(c.Protocol),
		CaseSensitive:     &c.CaseSensitive,
		RequireUTF8Path:   &c.RequireUTF8Path,
		EnableTreeOverlay: &c.EnableTreeOverlay,
		PlatformRepoID:    c.PlatformRepoID,
	}}
	data, err := toml.Marshal(cf)
	if err != nil {
		return edenerr.Generic("encode checkout config: %v", err)
	}

	path := filepath.Join(c.ClientDir, configFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return edenerr.Generic("write checkout config: %v", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return edenerr.Generic("rename checkout config into place: %v", err)
	}
	return nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// defaultCaseSensitive reflects the platform default: case-sensitive on
// Linux, case-insensitive elsewhere (matching the platforms' native
// filesystem semantics).
func defaultCaseSensitive() bool {
	return runtime.GOOS == "linux"
}
