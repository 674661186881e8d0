package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/guseggert/challengeshell/supervisor/session"
	"gopkg.in/yaml.v3"
)

// Config is built once at startup and handed to each step of the pipeline.
// Relative paths are resolved against Root.
type Config struct {
	Root string `toml:"root" yaml:"root"`
	// Port is the public HTTP port.
	Port int `toml:"port" yaml:"port"`

	PublicDir string `toml:"public_dir" yaml:"public_dir"`
	// DataDir is the sandbox the shell session runs in. It holds the store and the shell init file.
	DataDir    string `toml:"data_dir" yaml:"data_dir"`
	StoreFile  string `toml:"store_file" yaml:"store_file"`
	SeedScript string `toml:"seed_script" yaml:"seed_script"`
	// BuiltinSeed allows seeding in-process when no sqlite3 binary is available.
	BuiltinSeed bool `toml:"builtin_seed" yaml:"builtin_seed"`

	Terminal TerminalConfig `toml:"terminal" yaml:"terminal"`
	DBTool   DBToolConfig   `toml:"db_tool" yaml:"db_tool"`
}

type TerminalConfig struct {
	Path string `toml:"path" yaml:"path"`
	URL  string `toml:"url" yaml:"url"`
	// Port is the bridge's internal port. It is only reached through the proxy.
	Port      int    `toml:"port" yaml:"port"`
	Interface string `toml:"interface" yaml:"interface"`
	// Prefix is the public path prefix proxied to the bridge.
	Prefix        string   `toml:"prefix" yaml:"prefix"`
	Writable      bool     `toml:"writable" yaml:"writable"`
	ClientOptions []string `toml:"client_options" yaml:"client_options"`
	Shell         string   `toml:"shell" yaml:"shell"`
	RCFile        string   `toml:"rc_file" yaml:"rc_file"`
	Prompt        string   `toml:"prompt" yaml:"prompt"`
	Banner        []string `toml:"banner" yaml:"banner"`
	// Env holds extra KEY=VALUE pairs for the session.
	Env []string `toml:"env" yaml:"env"`
}

type DBToolConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Dir     string `toml:"dir" yaml:"dir"`
	URL     string `toml:"url" yaml:"url"`
	// Prefix selects the archive entry holding the tools.
	Prefix string `toml:"prefix" yaml:"prefix"`
	Binary string `toml:"binary" yaml:"binary"`
}

const (
	DefaultPort         = 8080
	DefaultTerminalPort = 7681
	DefaultTerminalURL  = "https://github.com/tsl0922/ttyd/releases/download/1.7.3/ttyd.x86_64"
	DefaultDBToolURL    = "https://www.sqlite.org/2023/sqlite-tools-linux-x86-3440200.zip"
	DefaultSeedScript   = "setup_challenge.sql"
)

func DefaultConfig(root string) Config {
	rc := session.DefaultRC()
	return Config{
		Root:        root,
		Port:        DefaultPort,
		PublicDir:   "public",
		DataDir:     "challenge_data",
		StoreFile:   "ciphertech.db",
		SeedScript:  DefaultSeedScript,
		BuiltinSeed: true,
		Terminal: TerminalConfig{
			Path:          "ttyd",
			URL:           DefaultTerminalURL,
			Port:          DefaultTerminalPort,
			Prefix:        "/terminal",
			Writable:      true,
			ClientOptions: session.DefaultClientOptions(),
			Shell:         "bash",
			RCFile:        ".bashrc",
			Prompt:        rc.PromptName,
			Banner:        rc.Banner,
		},
		DBTool: DBToolConfig{
			Enabled: true,
			Dir:     "sqlite-tools",
			URL:     DefaultDBToolURL,
			Prefix:  "sqlite-tools",
			Binary:  "sqlite3",
		},
	}
}

// LoadFile decodes a TOML or YAML file over cfg. Fields missing from the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		_, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %q: %w", path, err)
		}
		err = yaml.Unmarshal(b, cfg)
		if err != nil {
			return fmt.Errorf("decoding %q: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q", ext)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if c.Terminal.Port <= 0 || c.Terminal.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid terminal port %d", c.Terminal.Port))
	}
	if c.Port == c.Terminal.Port {
		errs = append(errs, fmt.Errorf("port %d is used by both the server and the terminal", c.Port))
	}
	if strings.Trim(c.Terminal.Prefix, "/") == "" {
		errs = append(errs, fmt.Errorf("invalid terminal prefix %q", c.Terminal.Prefix))
	}
	if c.Terminal.Path == "" {
		errs = append(errs, errors.New("no terminal path"))
	}
	if c.DataDir == "" || c.StoreFile == "" {
		errs = append(errs, errors.New("no store location"))
	}
	return errors.Join(errs...)
}

func (c Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

func (c Config) PublicPath() string   { return c.resolve(c.PublicDir) }
func (c Config) DataPath() string     { return c.resolve(c.DataDir) }
func (c Config) SeedPath() string     { return c.resolve(c.SeedScript) }
func (c Config) StorePath() string    { return filepath.Join(c.DataPath(), c.StoreFile) }
func (c Config) TerminalPath() string { return c.resolve(c.Terminal.Path) }
func (c Config) DBToolPath() string   { return c.resolve(c.DBTool.Dir) }

// DBToolBinary is the managed database CLI, or "" if the database tool isn't managed.
func (c Config) DBToolBinary() string {
	if !c.DBTool.Enabled || c.DBTool.Dir == "" {
		return ""
	}
	return filepath.Join(c.DBToolPath(), c.DBTool.Binary)
}

func (c Config) RC() session.RC {
	rc := session.DefaultRC()
	rc.PromptName = c.Terminal.Prompt
	rc.Banner = c.Terminal.Banner
	return rc
}

func (c Config) Bridge() session.Bridge {
	return session.Bridge{
		Port:          c.Terminal.Port,
		Interface:     c.Terminal.Interface,
		Writable:      c.Terminal.Writable,
		ClientOptions: c.Terminal.ClientOptions,
		Shell:         c.Terminal.Shell,
		RCFile:        c.Terminal.RCFile,
	}
}
