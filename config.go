package castore

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config is castore's immutable process-wide configuration, assembled once at
// process start (see NewConfigFromEnv) and threaded through the Worker and its
// Goals without further mutation, per the "global mutable configuration" design note.
type Config struct {
	// StoreDir is the directory under which all artifacts are kept (NIX_STORE_DIR).
	StoreDir string
	// DataDir, StateDir, LogDir, DBDir, ConfDir mirror the respective NIX_* overrides.
	DataDir string
	StateDir string
	LogDir   string
	DBDir    string
	ConfDir  string

	// BuildHookPath is the path of the build-hook binary (NIX_BUILD_HOOK). Empty disables hooking.
	BuildHookPath string
	// CurrentLoadDir is used by the distributed hook for slot files (NIX_CURRENT_LOAD).
	CurrentLoadDir string
	// RemoteSystemsFile is the path of the remote-machines file (NIX_REMOTE_SYSTEMS).
	RemoteSystemsFile string
	// OtherStores is a colon-separated list of alternate stores for local substitution (NIX_OTHER_STORES).
	OtherStores []string
	// IgnoreSymlinkStore permits the store path to contain symlink components (NIX_IGNORE_SYMLINK_STORE).
	IgnoreSymlinkStore bool

	// MaxBuildJobs caps how many children count as local build slots.
	MaxBuildJobs int
	// KeepGoing, when true, allows sibling goals to continue after a failure.
	KeepGoing bool
	// Verbosity is a coarse log-level knob threaded down to log/slog handlers.
	Verbosity int

	// LockBackend selects "file" (default, flock-based, single host) or "redis"
	// (distributed, for cooperating coordinators sharing one store over NFS/similar).
	LockBackend string
	// RedisAddress is used only when LockBackend == "redis".
	RedisAddress string

	// ReplicationFolders, when len > 1, enables erasure-coded blob replication
	// across mirrored store directories (see blobstore package).
	ReplicationFolders []string

	// S3Endpoint, S3Region, S3AccessKeyID, and S3SecretAccessKey configure the
	// shared S3 client used by the "s3://bucket/prefix" substituter backend.
	// S3Endpoint empty means talk to AWS S3 itself rather than a compatible
	// endpoint such as a local MinIO instance.
	S3Endpoint        string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

// NewConfigFromEnv assembles a Config from the environment, applying the documented
// defaults for anything unset. It is intended to run exactly once at process start.
func NewConfigFromEnv() Config {
	c := Config{
		StoreDir:      getenvDefault("NIX_STORE_DIR", "/nix/store"),
		DataDir:       getenvDefault("NIX_DATA_DIR", "/nix/var/nix"),
		StateDir:      getenvDefault("NIX_STATE_DIR", "/nix/var/nix"),
		LogDir:        getenvDefault("NIX_LOG_DIR", "/nix/var/log/nix"),
		DBDir:         getenvDefault("NIX_DB_DIR", "/nix/var/nix/db"),
		ConfDir:       getenvDefault("NIX_CONF_DIR", "/nix/etc/nix"),
		BuildHookPath: os.Getenv("NIX_BUILD_HOOK"),
		MaxBuildJobs:  1,
		KeepGoing:     false,
		LockBackend:   "file",
	}
	c.CurrentLoadDir = getenvDefault("NIX_CURRENT_LOAD", filepath.Join(c.StateDir, "current-load"))
	c.RemoteSystemsFile = os.Getenv("NIX_REMOTE_SYSTEMS")
	if v := os.Getenv("NIX_OTHER_STORES"); v != "" {
		c.OtherStores = splitColon(v)
	}
	c.IgnoreSymlinkStore = os.Getenv("NIX_IGNORE_SYMLINK_STORE") != ""
	if v := os.Getenv("NIX_MAX_BUILD_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxBuildJobs = n
		}
	}
	c.S3Endpoint = os.Getenv("CASTORE_S3_ENDPOINT")
	c.S3Region = getenvDefault("CASTORE_S3_REGION", "us-east-1")
	c.S3AccessKeyID = os.Getenv("CASTORE_S3_ACCESS_KEY_ID")
	c.S3SecretAccessKey = os.Getenv("CASTORE_S3_SECRET_ACCESS_KEY")
	return c
}

// Platform returns this host's system string in the "<arch>-<os>" form used
// to match a derivation's Platform field against what can build locally.
func (c Config) Platform() string {
	return platformString()
}

// IsReplicated reports whether more than one replication folder is configured.
func (c Config) IsReplicated() bool {
	return len(c.ReplicationFolders) > 1
}

// UsesDistributedLocks reports whether the configured lock backend is Redis.
func (c Config) UsesDistributedLocks() bool {
	return c.LockBackend == "redis"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
