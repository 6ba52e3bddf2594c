package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/AvengeMedia/pimsearch/internal/errdefs"
	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir    string `toml:"data_dir"`
	StoreRoot  string `toml:"store_root"`
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`

	BusyWindowMs      int `toml:"busy_window_ms"`
	CommitIntervalMs  int `toml:"commit_interval_ms"`
	ProcessIntervalMs int `toml:"process_interval_ms"`
	FetchBatchSize    int `toml:"fetch_batch_size"`

	MaxDepth      int      `toml:"max_depth"`
	ExcludeHidden bool     `toml:"exclude_hidden"`
	ExcludeDirs   []string `toml:"exclude_dirs"`

	DisabledTypes []string `toml:"disabled_types"`
	Metrics       bool     `toml:"metrics"`

	excludeDirsMap   map[string]bool
	excludeDirsRegex []*regexp.Regexp
	disabledTypesMap map[string]bool
}

func Default() *Config {
	cfg := &Config{
		DataDir:           getDefaultDataDir(),
		StoreRoot:         getDefaultStoreRoot(),
		ListenAddr:        ":43655",
		LogLevel:          "info",
		BusyWindowMs:      5000,
		CommitIntervalMs:  1000,
		ProcessIntervalMs: 250,
		FetchBatchSize:    100,
		MaxDepth:          8,
		ExcludeHidden:     true,
		ExcludeDirs: []string{
			// maildir bookkeeping
			"tmp",
			".notmuch",
			// sync tool state
			".mbsyncstate",
			".offlineimap",
			".stversions",
			"/^\\.#/",
		},
		Metrics: true,
	}

	cfg.BuildMaps()
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			log.Warnf("failed to create default config at %s: %v", path, err)
		} else {
			log.Infof("created default config at %s", path)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "decode "+path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.BuildMaps()
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "data_dir must be set", nil)
	case c.StoreRoot == "":
		return errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "store_root must be set", nil)
	case c.BusyWindowMs < 0, c.CommitIntervalMs < 0, c.ProcessIntervalMs < 0:
		return errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig, "intervals must not be negative", nil)
	case c.FetchBatchSize < 0:
		return errdefs.NewCustomError(errdefs.ErrTypeInvalidConfig,
			fmt.Sprintf("fetch_batch_size %d is negative", c.FetchBatchSize), nil)
	}
	return nil
}

func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	f.WriteString("# pimsearch configuration\n")
	f.WriteString("# exclude_dirs entries wrapped in slashes are regular expressions, e.g. \"/^build-/\"\n\n")

	return toml.NewEncoder(f).Encode(c)
}

func (c *Config) BuildMaps() {
	c.excludeDirsMap = make(map[string]bool, len(c.ExcludeDirs))
	c.excludeDirsRegex = nil
	for _, dir := range c.ExcludeDirs {
		if len(dir) > 2 && strings.HasPrefix(dir, "/") && strings.HasSuffix(dir, "/") {
			re, err := regexp.Compile(dir[1 : len(dir)-1])
			if err != nil {
				log.Warnf("skipping invalid exclude_dirs pattern %q: %v", dir, err)
				continue
			}
			c.excludeDirsRegex = append(c.excludeDirsRegex, re)
			continue
		}
		c.excludeDirsMap[dir] = true
	}

	c.disabledTypesMap = make(map[string]bool, len(c.DisabledTypes))
	for _, t := range c.DisabledTypes {
		c.disabledTypesMap[strings.ToLower(t)] = true
	}
}

func (c *Config) BusyWindow() time.Duration {
	return time.Duration(c.BusyWindowMs) * time.Millisecond
}

func (c *Config) CommitInterval() time.Duration {
	return time.Duration(c.CommitIntervalMs) * time.Millisecond
}

func (c *Config) ProcessInterval() time.Duration {
	return time.Duration(c.ProcessIntervalMs) * time.Millisecond
}

func (c *Config) IndexDir() string {
	return filepath.Join(c.DataDir, "index")
}

func (c *Config) MetaPath() string {
	return filepath.Join(c.DataDir, "meta.db")
}

func (c *Config) TypeEnabled(name string) bool {
	return !c.disabledTypesMap[strings.ToLower(name)]
}

func getDefaultDataDir() string {
	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	} else {
		base = os.Getenv("XDG_DATA_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "share")
		}
	}
	return filepath.Join(base, "pimsearch")
}

func getDefaultStoreRoot() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Mail")
}

func GetDefaultConfigPath() string {
	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	} else {
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "pimsearch", "config.toml")
}

func (c *Config) inStore(path string) bool {
	rel, err := filepath.Rel(c.StoreRoot, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ShouldIndexDir reports whether a directory under the store root is a
// collection the store should expose.
func (c *Config) ShouldIndexDir(path string) bool {
	if !c.inStore(path) {
		return false
	}

	components := relComponents(c.StoreRoot, path)
	for _, comp := range components {
		if c.ExcludeHidden && len(comp) > 0 && comp[0] == '.' {
			return false
		}
		if c.isExcluded(comp) {
			return false
		}
	}

	return c.MaxDepth <= 0 || len(components) <= c.MaxDepth
}

func (c *Config) isExcluded(comp string) bool {
	if c.excludeDirsMap[comp] {
		return true
	}
	for _, re := range c.excludeDirsRegex {
		if re.MatchString(comp) {
			return true
		}
	}
	return false
}

func relComponents(rootDir, path string) []string {
	rel, err := filepath.Rel(rootDir, path)
	if err != nil || rel == "." {
		return nil
	}

	components := []string{}
	for p := rel; p != "."; p = filepath.Dir(p) {
		components = append([]string{filepath.Base(p)}, components...)
		if p == filepath.Dir(p) {
			break
		}
	}
	return components
}

func (c *Config) GetDepth(path string) int {
	if !c.inStore(path) {
		return 0
	}
	return len(relComponents(c.StoreRoot, path))
}

func (c *Config) GetMaxDepth(path string) int {
	if !c.inStore(path) {
		return 0
	}
	return c.MaxDepth
}
