package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/iwarelease/internal/manifest"
)

// BuildType selects between signed release builds and unsigned development builds
type BuildType string

const (
	BuildRelease     BuildType = "release"
	BuildDevelopment BuildType = "development"
)

// Defaults for a project that ships no config file.
const (
	DefaultAppName        = "device-attributes-demo"
	DefaultBundleExt      = ".swbn"
	DefaultStaticDir      = "public"
	DefaultOutputDir      = "dist"
	DefaultStoreDir       = "releases"
	DefaultWebManifest    = "public/.well-known/manifest.webmanifest"
	DefaultFirebaseConfig = "firebase.json"
	DefaultPort           = 5193
	DefaultLockTTL        = 10 * time.Minute
	DefaultDebounce       = 2 * time.Second

	// DefaultConfigFile is looked up in the project root when --config is not given.
	DefaultConfigFile = "iwarelease.yaml"
	// DotEnvFile is loaded from the project root before anything else.
	DotEnvFile = ".env"
)

// Config represents the complete iwarelease configuration
type Config struct {
	App     AppConfig     `yaml:"app"`
	Build   BuildConfig   `yaml:"build"`
	Release ReleaseConfig `yaml:"release"`
	Signing SigningConfig `yaml:"signing"`
	Lock    LockConfig    `yaml:"lock"`
	Serve   ServeConfig   `yaml:"serve"`

	// Root is the project directory relative paths are resolved against.
	Root string `yaml:"-"`
}

// AppConfig names the application and its bundle format
type AppConfig struct {
	Name      string `yaml:"name"`
	BundleExt string `yaml:"bundle_ext"`
}

// BuildConfig configures compilation of the artifact
type BuildConfig struct {
	Type BuildType `yaml:"type"`
	// Command, when set, packages the app instead of the built-in zip packager.
	Command        []string `yaml:"command"`
	StaticDir      string   `yaml:"static_dir"`
	OutputDir      string   `yaml:"output_dir"`
	EmptyOutputDir *bool    `yaml:"empty_output_dir"`
	WebManifest    string   `yaml:"web_manifest"`
}

// ReleaseConfig configures the release store and update manifest
type ReleaseConfig struct {
	StoreDir       string `yaml:"store_dir"`
	SiteOrigin     string `yaml:"site_origin"`
	FirebaseConfig string `yaml:"firebase_config"`
	// HistoryDB enables the SQLite release ledger when set.
	HistoryDB string `yaml:"history_db"`
}

// SigningConfig supplies the release signing key, inline or from a file
type SigningConfig struct {
	Key     string `yaml:"key"`
	KeyFile string `yaml:"key_file"`
}

// LockConfig configures the optional Redis lease around release builds
type LockConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	Key       string        `yaml:"key"`
	TTL       time.Duration `yaml:"ttl"`
}

// ServeConfig configures the development server
type ServeConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	RebuildSecretFile string        `yaml:"rebuild_secret_file"`
	Debounce          time.Duration `yaml:"debounce"`
}

// Load builds the configuration for the project in root.
//
// Sources, lowest precedence first: built-in defaults, the YAML file at
// path (optional; "" probes root for iwarelease.yaml), root/.env, and the
// process environment. Values from .env never override variables that are
// already set.
func Load(path, root string) (*Config, error) {
	if root == "" {
		root = "."
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	if err := loadDotEnv(filepath.Join(absRoot, DotEnvFile)); err != nil {
		return nil, err
	}

	cfg := Config{Root: absRoot}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(absRoot, DefaultConfigFile)
	}
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// no config file, defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	cfg.resolvePaths()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads path into the process environment if it exists.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.App.Name = os.ExpandEnv(c.App.Name)
	c.Build.StaticDir = os.ExpandEnv(c.Build.StaticDir)
	c.Build.OutputDir = os.ExpandEnv(c.Build.OutputDir)
	c.Build.WebManifest = os.ExpandEnv(c.Build.WebManifest)
	for i, arg := range c.Build.Command {
		c.Build.Command[i] = os.ExpandEnv(arg)
	}
	c.Release.StoreDir = os.ExpandEnv(c.Release.StoreDir)
	c.Release.SiteOrigin = os.ExpandEnv(c.Release.SiteOrigin)
	c.Release.FirebaseConfig = os.ExpandEnv(c.Release.FirebaseConfig)
	c.Release.HistoryDB = os.ExpandEnv(c.Release.HistoryDB)
	c.Signing.KeyFile = os.ExpandEnv(c.Signing.KeyFile)
	c.Lock.RedisAddr = os.ExpandEnv(c.Lock.RedisAddr)
	c.Lock.Key = os.ExpandEnv(c.Lock.Key)
	c.Serve.Host = os.ExpandEnv(c.Serve.Host)
	c.Serve.RebuildSecretFile = os.ExpandEnv(c.Serve.RebuildSecretFile)
}

// applyEnvOverrides applies the well-known build variables.
func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("BUILD_TYPE"); ok && v != "" {
		c.Build.Type = BuildType(v)
	}
	if v, ok := os.LookupEnv("SIGNING_KEY"); ok && v != "" {
		c.Signing.Key = v
	}
	if v, ok := os.LookupEnv("SIGNING_KEY_FILE"); ok && v != "" {
		c.Signing.KeyFile = v
	}
	if v, ok := os.LookupEnv("SITE_ORIGIN"); ok && v != "" {
		c.Release.SiteOrigin = v
	}
	if v, ok := os.LookupEnv("PORT"); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Serve.Port = port
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = DefaultAppName
	}
	c.App.Name = norm.NFC.String(c.App.Name)
	if c.App.BundleExt == "" {
		c.App.BundleExt = DefaultBundleExt
	}
	// only an exact "release" cuts a release; anything else builds for development
	if c.Build.Type != BuildRelease {
		c.Build.Type = BuildDevelopment
	}
	if c.Build.StaticDir == "" {
		c.Build.StaticDir = DefaultStaticDir
	}
	if c.Build.OutputDir == "" {
		c.Build.OutputDir = DefaultOutputDir
	}
	if c.Build.EmptyOutputDir == nil {
		empty := true
		c.Build.EmptyOutputDir = &empty
	}
	if c.Build.WebManifest == "" {
		c.Build.WebManifest = DefaultWebManifest
	}
	if c.Release.StoreDir == "" {
		c.Release.StoreDir = DefaultStoreDir
	}
	if c.Release.FirebaseConfig == "" {
		c.Release.FirebaseConfig = DefaultFirebaseConfig
	}
	if c.Lock.Key == "" {
		c.Lock.Key = "iwarelease:lock:" + c.App.Name
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = DefaultLockTTL
	}
	if c.Serve.Port == 0 {
		c.Serve.Port = DefaultPort
	}
	if c.Serve.Debounce == 0 {
		c.Serve.Debounce = DefaultDebounce
	}
}

// resolvePaths makes every configured path absolute against Root.
func (c *Config) resolvePaths() {
	c.Build.StaticDir = c.resolve(c.Build.StaticDir)
	c.Build.OutputDir = c.resolve(c.Build.OutputDir)
	c.Build.WebManifest = c.resolve(c.Build.WebManifest)
	c.Release.StoreDir = c.resolve(c.Release.StoreDir)
	c.Release.FirebaseConfig = c.resolve(c.Release.FirebaseConfig)
	if c.Release.HistoryDB != "" {
		c.Release.HistoryDB = c.resolve(c.Release.HistoryDB)
	}
	if c.Signing.KeyFile != "" {
		c.Signing.KeyFile = c.resolve(c.Signing.KeyFile)
	}
	if c.Serve.RebuildSecretFile != "" {
		c.Serve.RebuildSecretFile = c.resolve(c.Serve.RebuildSecretFile)
	}
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	// Validate app
	if c.App.Name == "" {
		return fmt.Errorf("app.name is required")
	}
	if strings.ContainsAny(c.App.Name, `/\`) {
		return fmt.Errorf("app.name must not contain path separators: %s", c.App.Name)
	}
	if !strings.HasPrefix(c.App.BundleExt, ".") || len(c.App.BundleExt) < 2 {
		return fmt.Errorf("app.bundle_ext must start with '.': %s", c.App.BundleExt)
	}

	// Emptying the output directory must never reach the release store or the project
	out := c.resolve(c.Build.OutputDir)
	if within(out, c.resolve(c.Release.StoreDir)) {
		return fmt.Errorf("release.store_dir must not be inside build.output_dir: %s", c.Release.StoreDir)
	}
	if c.Root != "" && within(out, c.Root) {
		return fmt.Errorf("build.output_dir must not contain the project root: %s", c.Build.OutputDir)
	}

	// Release builds must be signed
	if c.IsRelease() {
		if c.Signing.Key == "" && c.Signing.KeyFile == "" {
			return fmt.Errorf("release builds require SIGNING_KEY or signing.key_file")
		}
	}
	if c.Signing.Key != "" && c.Signing.KeyFile != "" {
		return fmt.Errorf("signing: only one of key or key_file may be set")
	}

	if c.Release.SiteOrigin != "" &&
		!strings.HasPrefix(c.Release.SiteOrigin, "https://") &&
		!strings.HasPrefix(c.Release.SiteOrigin, "http://") {
		return fmt.Errorf("release.site_origin must be an http(s) URL: %s", c.Release.SiteOrigin)
	}

	if c.Lock.TTL < 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}

	if c.Serve.Port < 1 || c.Serve.Port > 65535 {
		return fmt.Errorf("serve.port out of range: %d", c.Serve.Port)
	}
	if c.Serve.Debounce < 0 {
		return fmt.Errorf("serve.debounce must not be negative")
	}

	return nil
}

// within reports whether path is dir itself or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// IsRelease reports whether this is a signed release build
func (c *Config) IsRelease() bool {
	return c.Build.Type == BuildRelease
}

// SigningKeyPEM returns the PEM-encoded signing key from whichever source
// is configured.
func (c *Config) SigningKeyPEM() ([]byte, error) {
	if c.Signing.Key != "" {
		// keys passed through env files often carry literal \n
		return []byte(strings.ReplaceAll(c.Signing.Key, `\n`, "\n")), nil
	}
	if c.Signing.KeyFile == "" {
		return nil, fmt.Errorf("no signing key configured")
	}
	data, err := os.ReadFile(c.Signing.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key file: %w", err)
	}
	return data, nil
}

// ArtifactPath returns where compilation writes the bundle
func (c *Config) ArtifactPath() string {
	return filepath.Join(c.Build.OutputDir, c.App.Name+c.App.BundleExt)
}

// PublishDir returns where the release store is aggregated in the output
func (c *Config) PublishDir() string {
	return filepath.Join(c.Build.OutputDir, "releases")
}

// ManifestPath returns the update manifest location inside the store
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Release.StoreDir, manifest.FileName)
}

// BuildRecordPath returns the path of the last build summary
func (c *Config) BuildRecordPath() string {
	return filepath.Join(c.Build.OutputDir, ".iwarelease-build.json")
}

// ListenAddr returns the dev server address
func (c *Config) ListenAddr() string {
	return c.Serve.Host + ":" + strconv.Itoa(c.Serve.Port)
}

// LockEnabled reports whether release builds take the Redis lease
func (c *Config) LockEnabled() bool {
	return c.Lock.RedisAddr != ""
}
