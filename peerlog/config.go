package peerlog

import (
	"time"

	jerrors "github.com/juju/errors"
	"gopkg.in/ini.v1"
)

// AccessMode selects which disk I/O backend a secondary log or the
// primary log is opened with.
type AccessMode string

const (
	AccessBuffered AccessMode = "buffered"
	AccessDirect   AccessMode = "direct"
	AccessRaw      AccessMode = "raw"
)

// Config carries the knobs of SPEC_FULL.md §6/§4. Defaults match the
// values named in the spec.
type Config struct {
	WriteBufferSize         uint32        `ini:"write_buffer_size"`
	FlashPageSize           uint32        `ini:"flash_page_size"`
	LogSegmentSize          uint32        `ini:"log_segment_size"`
	SecondaryLogBufferSize  uint32        `ini:"secondary_log_buffer_size"`
	PrimaryLogSize          uint64        `ini:"primary_log_size"`
	BackupRangeSize         uint64        `ini:"backup_range_size"`
	ReorgUtilisationThresh  float64       `ini:"reorg_utilisation_threshold"`
	UseChecksum             bool          `ini:"use_checksum"`
	HarddriveAccessMode     AccessMode    `ini:"harddrive_access_mode"`
	RawDevicePath           string        `ini:"raw_device_path"`
	TwoLevelLogging         bool          `ini:"two_level_logging"`
	SmallBufferPoolSize     int           `ini:"small_buffer_pool_size"`
	ProcessThreadTimeout    time.Duration `ini:"-"`
	FlushThresholdFraction  float64       `ini:"-"`

	// MaxEntrySize bounds how many payload bytes one sub-entry may carry
	// before put_log_data must split it into a chain (spec.md §4.8's
	// max_entry_size, left unnamed in the knob list of §6 but required by
	// the chaining algorithm); a chain is capped at 127 parts.
	MaxEntrySize uint32 `ini:"max_entry_size"`

	// DataDir is where secondary log, primary log, and version snapshot
	// files are created. Not part of the spec's knob list but required to
	// place them on disk; mirrors conf.Cfg.DataDir in the teacher.
	DataDir string `ini:"datadir"`
}

// DefaultConfig returns the knob defaults named throughout spec.md.
func DefaultConfig() Config {
	return Config{
		WriteBufferSize:        1 << 20, // 1 MiB, power of two, >= flash page
		FlashPageSize:          4096,
		LogSegmentSize:         8 << 20,
		SecondaryLogBufferSize: 128 * 1024,
		PrimaryLogSize:         256 << 20,
		BackupRangeSize:        256 << 20,
		ReorgUtilisationThresh: 0.60,
		UseChecksum:            true,
		HarddriveAccessMode:    AccessBuffered,
		TwoLevelLogging:        true,
		SmallBufferPoolSize:    1024,
		ProcessThreadTimeout:   100 * time.Millisecond,
		FlushThresholdFraction: 0.45,
		MaxEntrySize:           64 * 1024,
		DataDir:                ".",
	}
}

// Validate checks the invariants spec.md §6 places on the knobs.
func (c Config) Validate() error {
	if !isPowerOfTwo(c.WriteBufferSize) {
		return jerrors.Errorf("write_buffer_size must be a power of two, got %d", c.WriteBufferSize)
	}
	if c.WriteBufferSize < c.FlashPageSize {
		return jerrors.Errorf("write_buffer_size (%d) must be >= flash_page_size (%d)", c.WriteBufferSize, c.FlashPageSize)
	}
	if uint64(c.WriteBufferSize) > 1<<30 {
		return jerrors.Errorf("write_buffer_size must be <= 1 GiB, got %d", c.WriteBufferSize)
	}
	if !isPowerOfTwo(c.LogSegmentSize) || c.LogSegmentSize < c.FlashPageSize {
		return jerrors.Errorf("log_segment_size must be a power of two >= flash_page_size, got %d", c.LogSegmentSize)
	}
	if c.MaxEntrySize == 0 || c.MaxEntrySize >= c.WriteBufferSize {
		return jerrors.Errorf("max_entry_size must be > 0 and < write_buffer_size, got %d", c.MaxEntrySize)
	}
	if c.ReorgUtilisationThresh <= 0 || c.ReorgUtilisationThresh >= 1 {
		return jerrors.Errorf("reorg_utilisation_threshold must be in (0,1), got %f", c.ReorgUtilisationThresh)
	}
	switch c.HarddriveAccessMode {
	case AccessBuffered, AccessDirect:
	case AccessRaw:
		if c.RawDevicePath == "" {
			return jerrors.New("raw_device_path is required when harddrive_access_mode=raw")
		}
	default:
		return jerrors.Errorf("unknown harddrive_access_mode %q", c.HarddriveAccessMode)
	}
	return nil
}

func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

// LoadConfig reads the knobs of spec.md §6 from an INI file, the way
// conf.Cfg.Load parses mysqld's ini sections with gopkg.in/ini.v1,
// layering parsed values over DefaultConfig and validating the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	raw, err := ini.Load(path)
	if err != nil {
		return cfg, jerrors.Annotatef(err, "loading peerlog config %q", path)
	}

	section := raw.Section("peerlog")

	if k, err := section.GetKey("write_buffer_size"); err == nil {
		cfg.WriteBufferSize = uint32(k.MustUint64(uint64(cfg.WriteBufferSize)))
	}
	if k, err := section.GetKey("flash_page_size"); err == nil {
		cfg.FlashPageSize = uint32(k.MustUint64(uint64(cfg.FlashPageSize)))
	}
	if k, err := section.GetKey("log_segment_size"); err == nil {
		cfg.LogSegmentSize = uint32(k.MustUint64(uint64(cfg.LogSegmentSize)))
	}
	if k, err := section.GetKey("secondary_log_buffer_size"); err == nil {
		cfg.SecondaryLogBufferSize = uint32(k.MustUint64(uint64(cfg.SecondaryLogBufferSize)))
	}
	if k, err := section.GetKey("primary_log_size"); err == nil {
		cfg.PrimaryLogSize = k.MustUint64(cfg.PrimaryLogSize)
	}
	if k, err := section.GetKey("backup_range_size"); err == nil {
		cfg.BackupRangeSize = k.MustUint64(cfg.BackupRangeSize)
	}
	if k, err := section.GetKey("reorg_utilisation_threshold"); err == nil {
		cfg.ReorgUtilisationThresh = k.MustFloat64(cfg.ReorgUtilisationThresh)
	}
	if k, err := section.GetKey("use_checksum"); err == nil {
		cfg.UseChecksum = k.MustBool(cfg.UseChecksum)
	}
	if k, err := section.GetKey("harddrive_access_mode"); err == nil {
		cfg.HarddriveAccessMode = AccessMode(k.MustString(string(cfg.HarddriveAccessMode)))
	}
	if k, err := section.GetKey("raw_device_path"); err == nil {
		cfg.RawDevicePath = k.MustString(cfg.RawDevicePath)
	}
	if k, err := section.GetKey("two_level_logging"); err == nil {
		cfg.TwoLevelLogging = k.MustBool(cfg.TwoLevelLogging)
	}
	if k, err := section.GetKey("small_buffer_pool_size"); err == nil {
		cfg.SmallBufferPoolSize = k.MustInt(cfg.SmallBufferPoolSize)
	}
	if k, err := section.GetKey("max_entry_size"); err == nil {
		cfg.MaxEntrySize = uint32(k.MustUint64(uint64(cfg.MaxEntrySize)))
	}
	if k, err := section.GetKey("datadir"); err == nil {
		cfg.DataDir = k.MustString(cfg.DataDir)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, jerrors.Trace(err)
	}
	return cfg, nil
}
