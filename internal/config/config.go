package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stustapay/stustapay-sub000/pkg/ulaes"
	"github.com/stustapay/stustapay-sub000/pkg/ulaes/emulator"
)

type ValidationMode int

const (
	// ValidationFull is used by tools that provision: keys and protection are required.
	ValidationFull ValidationMode = iota
	// ValidationAccess only needs a transport and the key used to authenticate.
	ValidationAccess
)

// Transport kinds.
const (
	TransportPCSC     = "pcsc"
	TransportPN532    = "pn532"
	TransportEmulator = "emulator"
)

// Environment overrides, read after the optional .env next to the config file.
const (
	EnvTransport   = "ULAES_TRANSPORT"
	EnvReaderIndex = "ULAES_READER_INDEX"
	EnvSerialPort  = "ULAES_SERIAL_PORT"
)

type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Keys       KeysConfig       `yaml:"keys"`
	Protection ProtectionConfig `yaml:"protection"`
	API        APIConfig        `yaml:"api"`
}

type TransportConfig struct {
	Kind        string `yaml:"kind"`
	ReaderIndex *int   `yaml:"reader_index"`
	Passthrough string `yaml:"passthrough"`
	SerialPort  string `yaml:"serial_port"`
	Baud        int    `yaml:"baud"`
}

type KeysConfig struct {
	DataProtectionKeyFile string `yaml:"data_protection_key_file"`
	UidRetrievalKeyFile   string `yaml:"uid_retrieval_key_file,omitempty"`
	// CurrentKeyFile is the key the tag holds before provisioning; empty means the factory zero key.
	CurrentKeyFile string `yaml:"current_key_file,omitempty"`
}

type ProtectionConfig struct {
	Auth0 *int  `yaml:"auth0"`
	CMAC  *bool `yaml:"cmac"`
}

// APIConfig names the backend that minted wristbands are registered with. Optional.
type APIConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// Keys holds the decoded key material.
type Keys struct {
	DataProtection []byte
	UidRetrieval   []byte
	Current        []byte
}

func Load(path string) (*Config, error) {
	return LoadWithMode(path, ValidationFull)
}

func LoadWithMode(path string, mode ValidationMode) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.applyEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.ValidateWithMode(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	return c.ValidateWithMode(ValidationFull)
}

func (c *Config) ValidateWithMode(mode ValidationMode) error {
	if err := c.validateTransport(); err != nil {
		return err
	}

	switch mode {
	case ValidationAccess:
		return c.validateAccessMode()
	case ValidationFull:
		return c.validateFullMode()
	default:
		return fmt.Errorf("unsupported validation mode: %d", mode)
	}
}

func (c *Config) validateTransport() error {
	switch c.Transport.Kind {
	case TransportPCSC:
		if c.Transport.ReaderIndex == nil {
			return fmt.Errorf("config.transport.reader_index is required")
		}
		if *c.Transport.ReaderIndex < 0 {
			return fmt.Errorf("config.transport.reader_index must be >= 0")
		}
		if _, err := ulaes.ParsePassthroughMode(c.Transport.Passthrough); err != nil {
			return fmt.Errorf("config.transport.passthrough must be direct or acr122")
		}
	case TransportPN532:
		if strings.TrimSpace(c.Transport.SerialPort) == "" {
			return fmt.Errorf("config.transport.serial_port is required")
		}
		if c.Transport.Baud <= 0 {
			return fmt.Errorf("config.transport.baud must be > 0")
		}
	case TransportEmulator:
	case "":
		return fmt.Errorf("config.transport.kind is required")
	default:
		return fmt.Errorf("config.transport.kind must be pcsc, pn532 or emulator")
	}
	return nil
}

func (c *Config) validateAccessMode() error {
	if strings.TrimSpace(c.Keys.DataProtectionKeyFile) == "" {
		return fmt.Errorf("config.keys.data_protection_key_file is required")
	}
	return validateReadableFile(c.Keys.DataProtectionKeyFile, "config.keys.data_protection_key_file")
}

func (c *Config) validateFullMode() error {
	if err := c.validateAccessMode(); err != nil {
		return err
	}

	// Optional key files
	if strings.TrimSpace(c.Keys.UidRetrievalKeyFile) != "" {
		if err := validateReadableFile(c.Keys.UidRetrievalKeyFile, "config.keys.uid_retrieval_key_file"); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Keys.CurrentKeyFile) != "" {
		if err := validateReadableFile(c.Keys.CurrentKeyFile, "config.keys.current_key_file"); err != nil {
			return err
		}
	}

	if c.Protection.Auth0 == nil {
		return fmt.Errorf("config.protection.auth0 is required")
	}
	if *c.Protection.Auth0 < 0 || *c.Protection.Auth0 > 0xFF {
		return fmt.Errorf("config.protection.auth0 must be 0..255")
	}
	if c.Protection.CMAC == nil {
		return fmt.Errorf("config.protection.cmac is required")
	}

	if strings.TrimSpace(c.API.Endpoint) != "" {
		u, err := url.Parse(c.API.Endpoint)
		if err != nil {
			return fmt.Errorf("config.api.endpoint is invalid: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config.api.endpoint must be absolute (include scheme and host)")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == TransportPN532 && c.Transport.Baud == 0 {
		c.Transport.Baud = 115200
	}
}

// applyEnv loads envPath if it exists, then lets the environment override
// transport selection.
func (c *Config) applyEnv(envPath string) error {
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envPath, err)
	}
	if v := strings.TrimSpace(os.Getenv(EnvTransport)); v != "" {
		c.Transport.Kind = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvReaderIndex)); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be an integer: %w", EnvReaderIndex, err)
		}
		c.Transport.ReaderIndex = &idx
	}
	if v := strings.TrimSpace(os.Getenv(EnvSerialPort)); v != "" {
		c.Transport.SerialPort = v
	}
	return nil
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Keys.DataProtectionKeyFile = resolvePath(configDir, c.Keys.DataProtectionKeyFile)
	c.Keys.UidRetrievalKeyFile = resolvePath(configDir, c.Keys.UidRetrievalKeyFile)
	c.Keys.CurrentKeyFile = resolvePath(configDir, c.Keys.CurrentKeyFile)
}

// LoadKeys reads the configured key files. Missing optional keys stay nil,
// except Current, which falls back to the factory zero key.
func (c *Config) LoadKeys() (*Keys, error) {
	keys := &Keys{}
	var err error
	if keys.DataProtection, err = ulaes.LoadKeyHexFile(c.Keys.DataProtectionKeyFile); err != nil {
		return nil, fmt.Errorf("data protection key file invalid: %w", err)
	}
	if c.Keys.UidRetrievalKeyFile != "" {
		if keys.UidRetrieval, err = ulaes.LoadKeyHexFile(c.Keys.UidRetrievalKeyFile); err != nil {
			return nil, fmt.Errorf("uid retrieval key file invalid: %w", err)
		}
	}
	if c.Keys.CurrentKeyFile != "" {
		if keys.Current, err = ulaes.LoadKeyHexFile(c.Keys.CurrentKeyFile); err != nil {
			return nil, fmt.Errorf("current key file invalid: %w", err)
		}
	} else {
		keys.Current = make([]byte, ulaes.KeySize)
	}
	return keys, nil
}

// OpenTransport builds the configured transport. The emulator kind holds
// a factory-fresh software tag.
func (c *Config) OpenTransport() (ulaes.Transport, string, error) {
	switch c.Transport.Kind {
	case TransportPCSC:
		mode, err := ulaes.ParsePassthroughMode(c.Transport.Passthrough)
		if err != nil {
			return nil, "", err
		}
		tr, err := ulaes.OpenPCSC(*c.Transport.ReaderIndex, mode)
		if err != nil {
			return nil, "", err
		}
		return tr, fmt.Sprintf("reader [%d]: %s (%s)", tr.ReaderIdx, tr.Reader, mode), nil
	case TransportPN532:
		return ulaes.OpenPN532(c.Transport.SerialPort, c.Transport.Baud),
			fmt.Sprintf("PN532 on %s @ %d", c.Transport.SerialPort, c.Transport.Baud), nil
	case TransportEmulator:
		tag, err := emulator.New([]byte{0x04, 0x51, 0x7A, 0x22, 0x6E, 0x10, 0x90})
		if err != nil {
			return nil, "", err
		}
		return emulator.NewTransport(tag), "software tag", nil
	default:
		return nil, "", fmt.Errorf("unsupported transport kind %q", c.Transport.Kind)
	}
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}
