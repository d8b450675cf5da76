package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
	"github.com/OffBroadway/sdshim/pkg/fsck"
	"github.com/OffBroadway/sdshim/pkg/logging"
	"github.com/OffBroadway/sdshim/pkg/shim"
)

const (
	LayoutFixed = "fixed"
	LayoutMBR   = "mbr"

	// CheckerProbe selects the in-process boot sector probe instead of an
	// external program.
	CheckerProbe = "probe"
)

type Device struct {
	Image              string `yaml:"image"`
	SectorSize         uint64 `yaml:"sectorSize"`
	MaxTransferSectors uint32 `yaml:"maxTransferSectors"`
}

type Partition struct {
	Name   string `yaml:"name"`
	Path   string `yaml:"path"`
	Offset uint64 `yaml:"offset"`
	Size   uint64 `yaml:"size,omitempty"` // 0 extends to the end of the card
}

type Fsck struct {
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Targets      []string          `yaml:"targets"`
	Devices      map[string]string `yaml:"devices,omitempty"` // shim path -> device on the command line
	PollInterval time.Duration     `yaml:"pollInterval"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Serve struct {
	FTP  string `yaml:"ftp"`
	HTTP string `yaml:"http"`
	// FTP credentials; an empty User lets any login in.
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type Config struct {
	Device     Device      `yaml:"device"`
	Layout     string      `yaml:"layout"`
	Partitions []Partition `yaml:"partitions,omitempty"`
	Fsck       Fsck        `yaml:"fsck"`
	Log        Log         `yaml:"log"`
	Serve      Serve       `yaml:"serve"`
}

var (
	ErrConfigFileMissing        = errors.New("config file is missing")
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrSectorSizeInvalid        = errors.New("device.sectorSize must be a power of two of at least 512")
	ErrLayoutUnknown            = errors.New("layout must be fixed or mbr")
	ErrPartitionPathMissing     = errors.New("every partition needs a path")
	ErrDuplicatePartitionPath   = errors.New("duplicate partition path in config")
	ErrFsckTargetUnknown        = errors.New("fsck target is not a configured partition")
)

// Default returns the configuration of the stock card: fixed sys/dat layout,
// fsck.exfat run against both partitions.
func Default() *Config {
	cfg := &Config{
		Device: Device{
			SectorSize:         blkdev.DefaultSectorSize,
			MaxTransferSectors: 64,
		},
		Layout: LayoutFixed,
		Fsck: Fsck{
			Command:      fsck.DefaultProgram,
			Args:         fsck.DefaultArgs(),
			Targets:      []string{shim.SysPath, shim.DataPath},
			PollInterval: 100 * time.Millisecond,
		},
		Log: Log{Level: logging.LevelInfo},
		Serve: Serve{
			FTP:  "0.0.0.0:7021",
			HTTP: "0.0.0.0:7080",
		},
	}
	for _, p := range shim.DefaultPartitions() {
		cfg.Partitions = append(cfg.Partitions, Partition{
			Name: p.Name, Path: p.Path, Offset: p.Offset, Size: p.Size,
		})
	}
	return cfg
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrConfigFileMissing, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	ss := c.Device.SectorSize
	if ss < 512 || ss&(ss-1) != 0 {
		return ErrSectorSizeInvalid
	}
	switch c.Layout {
	case LayoutFixed, LayoutMBR:
	default:
		return fmt.Errorf("%w: %q", ErrLayoutUnknown, c.Layout)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	paths := make(map[string]bool, len(c.Partitions))
	for _, p := range c.Partitions {
		clean := path.Clean("/" + p.Path)
		if p.Path == "" || clean == "/" {
			return fmt.Errorf("%w: %q", ErrPartitionPathMissing, p.Name)
		}
		if paths[clean] {
			return fmt.Errorf("%w: %s", ErrDuplicatePartitionPath, clean)
		}
		paths[clean] = true
	}
	if c.Layout == LayoutFixed {
		for _, t := range c.Fsck.Targets {
			if !paths[path.Clean("/"+t)] {
				return fmt.Errorf("%w: %s", ErrFsckTargetUnknown, t)
			}
		}
	}
	return nil
}

// ShimPartitions converts the fixed layout for shim.New.
func (c *Config) ShimPartitions() []shim.Partition {
	parts := make([]shim.Partition, 0, len(c.Partitions))
	for _, p := range c.Partitions {
		parts = append(parts, shim.Partition{Name: p.Name, Path: p.Path, Offset: p.Offset, Size: p.Size})
	}
	return parts
}

// FsckTargets converts the checker targets, applying device overrides.
func (c *Config) FsckTargets() []fsck.Target {
	targets := make([]fsck.Target, 0, len(c.Fsck.Targets))
	for _, t := range c.Fsck.Targets {
		targets = append(targets, fsck.Target{Path: path.Clean("/" + t), Device: c.Fsck.Devices[t]})
	}
	return targets
}
