// Package config carries the storage.* settings that github.com/cognusion/
// go-rangetripper leaves as constructor arguments (chunkSize, a bare
// *http.Client) out into a validated configuration struct, the way
// esrally's StorageConfig centralizes them. Reading a config file is not
// done here; callers fill the struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults mirror _config.py's module-level constants.
const (
	DefaultChunkSize       = 64 * 1024
	DefaultHeadTTL         = 60 * time.Second
	DefaultResolveTTL      = 60 * time.Second
	DefaultLocalDir        = "~/.rally/storage"
	DefaultMaxConnections  = 4
	DefaultMaxRetries      = 10
	DefaultMonitorInterval = 2 * time.Second
	DefaultMultipartSize   = 8 * 1024 * 1024

	minMultipartSize = 1024 * 1024
)

// Config holds the fully resolved storage settings for one Supervisor.
// Fields correspond 1:1 to esrally's storage.* option keys.
type Config struct {
	AWSProfile      string
	ChunkSize       int
	HeadTTL         time.Duration
	LocalDir        string
	MaxConnections  int
	MaxRetries      int
	MirrorFiles     []string
	MonitorInterval time.Duration
	MultipartSize   int64
	RandomSeed      *int64
	ResolveTTL      time.Duration
}

// Default returns a Config populated with esrally's documented defaults.
func Default() Config {
	return Config{
		ChunkSize:       DefaultChunkSize,
		HeadTTL:         DefaultHeadTTL,
		LocalDir:        DefaultLocalDir,
		MaxConnections:  DefaultMaxConnections,
		MaxRetries:      DefaultMaxRetries,
		MirrorFiles:     []string{"~/.rally/storage-mirrors.json"},
		MonitorInterval: DefaultMonitorInterval,
		MultipartSize:   DefaultMultipartSize,
		ResolveTTL:      DefaultResolveTTL,
	}
}

// Validate rejects settings the Supervisor cannot run with, matching
// TransferActor.receiveMsg_ActorConfig's checks in _manager.py. It returns
// an error instead of raising, since a Go Supervisor construction failure
// is reported to its caller rather than crashing an actor.
func (c Config) Validate() error {
	if c.MaxConnections < 1 {
		return fmt.Errorf("config: invalid max_connections: %d < 1", c.MaxConnections)
	}
	if c.MultipartSize < minMultipartSize {
		return fmt.Errorf("config: invalid multipart_size: %d < %d", c.MultipartSize, minMultipartSize)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("config: invalid monitor_interval: %s <= 0", c.MonitorInterval)
	}
	return nil
}

// ResolvedLocalDir expands ~ and ensures the directory exists, matching
// _manager.py's local_dir makedirs-if-missing step.
func (c Config) ResolvedLocalDir() (string, error) {
	dir, err := expandUser(c.LocalDir)
	if err != nil {
		return "", err
	}
	if fi, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("config: creating local_dir %s: %w", dir, err)
		}
	} else if !fi.IsDir() {
		return "", fmt.Errorf("config: local_dir %s is not a directory", dir)
	}
	return dir, nil
}

// LocalPath resolves a destination path the way _config.py's local_path
// does: an explicit path wins (expanded and cleaned); otherwise it is
// derived by joining local_dir with the URL's path component.
func (c Config) LocalPath(path, urlPath string) (string, error) {
	if path == "" {
		dir, err := expandUser(c.LocalDir)
		if err != nil {
			return "", err
		}
		path = filepath.Join(dir, urlPath)
	}
	expanded, err := expandUser(path)
	if err != nil {
		return "", err
	}
	return filepath.Clean(expanded), nil
}

// ResolvedMirrorFiles expands ~ in every configured mirror file path.
func (c Config) ResolvedMirrorFiles() ([]string, error) {
	out := make([]string, 0, len(c.MirrorFiles))
	for _, p := range c.MirrorFiles {
		e, err := expandUser(p)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: expanding %s: %w", path, err)
	}
	if path == "~" {
		return home, nil
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
