package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/log"
)

type Config struct {
	DBPath   string `toml:"data-dir"` // Directory to store the data in. Should exist and be writable.
	LogLevel string `toml:"log-level"`
	LogFile  string `toml:"log-file"`

	// Size of one WAL segment file. Segments are recycled whole.
	WALSegmentSize ByteSize `toml:"wal-segment-size"`
	// The background WAL writer flushes buffered records at this interval.
	WALWriterDelay Duration `toml:"wal-writer-delay"`

	CheckpointTimeout Duration `toml:"checkpoint-timeout"`
	// A checkpoint is forced once this many WAL bytes were written since the last one.
	MaxWALSize ByteSize `toml:"max-wal-size"`
	// Fraction of CheckpointTimeout a timed checkpoint spreads its writes over.
	CheckpointCompletionTarget float64 `toml:"checkpoint-completion-target"`

	VacuumInterval Duration `toml:"vacuum-interval"`
	// Transactions older than this many xids get frozen by vacuum.
	FreezeMinAge uint32 `toml:"freeze-min-age"`
	XidWarnLimit uint32 `toml:"xid-warn-limit"`
	XidStopLimit uint32 `toml:"xid-stop-limit"`

	DefaultIsolation string   `toml:"default-isolation"`
	LockWaitTimeout  Duration `toml:"lock-wait-timeout"` // 0 waits until the holder ends.
	ClogCacheSize    ByteSize `toml:"clog-cache-size"`

	SynchronousSlots []string `toml:"synchronous-slots"`
	ReplicationAddr  string   `toml:"replication-addr"`
	AdminAddr        string   `toml:"admin-addr"`

	Standby     bool   `toml:"standby"`
	PrimaryAddr string `toml:"primary-addr"`
	SlotName    string `toml:"slot-name"`
}

func (c *Config) Validate() error {
	if len(c.DBPath) == 0 {
		return fmt.Errorf("data dir must be set")
	}
	if c.WALSegmentSize < 64*KB {
		return fmt.Errorf("wal segment size must be at least 64KB, got %d", c.WALSegmentSize)
	}
	if c.CheckpointTimeout.Duration <= 0 {
		return fmt.Errorf("checkpoint timeout must be greater than 0")
	}
	if c.CheckpointCompletionTarget <= 0 || c.CheckpointCompletionTarget > 1 {
		return fmt.Errorf("checkpoint completion target must be in (0, 1], got %v", c.CheckpointCompletionTarget)
	}
	if c.XidStopLimit == 0 || c.XidStopLimit > 1<<31 {
		return fmt.Errorf("xid stop limit must be in (0, 2^31], got %d", c.XidStopLimit)
	}
	if c.XidWarnLimit > c.XidStopLimit {
		return fmt.Errorf("xid warn limit %d exceeds stop limit %d", c.XidWarnLimit, c.XidStopLimit)
	}
	if c.FreezeMinAge >= c.XidStopLimit {
		log.Warnf("freeze min age %d is not below the xid stop limit %d, vacuum will never freeze in time",
			c.FreezeMinAge, c.XidStopLimit)
	}
	switch strings.ToLower(c.DefaultIsolation) {
	case "read-committed", "repeatable-read", "serializable":
	default:
		return fmt.Errorf("unknown isolation level %q", c.DefaultIsolation)
	}
	if c.Standby && len(c.PrimaryAddr) == 0 {
		return fmt.Errorf("standby requires primary-addr")
	}
	return nil
}

// IsSynchronous reports whether the named slot is listed as synchronous.
func (c *Config) IsSynchronous(slot string) bool {
	for _, s := range c.SynchronousSlots {
		if s == slot {
			return true
		}
	}
	return false
}

const (
	KB ByteSize = 1024
	MB ByteSize = 1024 * 1024
	GB ByteSize = 1024 * 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		DBPath:                     "/tmp/tinypg",
		LogLevel:                   getLogLevel(),
		WALSegmentSize:             16 * MB,
		WALWriterDelay:             NewDuration(200 * time.Millisecond),
		CheckpointTimeout:          NewDuration(5 * time.Minute),
		MaxWALSize:                 1 * GB,
		CheckpointCompletionTarget: 0.9,
		VacuumInterval:             NewDuration(1 * time.Minute),
		FreezeMinAge:               50000000,
		XidWarnLimit:               (1 << 31) - 40000000,
		XidStopLimit:               (1 << 31) - 3000000,
		DefaultIsolation:           "read-committed",
		ClogCacheSize:              8 * MB,
		ReplicationAddr:            "127.0.0.1:5433",
		AdminAddr:                  "127.0.0.1:8433",
		SlotName:                   "standby1",
	}
}

func NewTestConfig() *Config {
	return &Config{
		DBPath:                     "/tmp/tinypg",
		LogLevel:                   getLogLevel(),
		WALSegmentSize:             64 * KB,
		WALWriterDelay:             NewDuration(10 * time.Millisecond),
		CheckpointTimeout:          NewDuration(1 * time.Hour),
		MaxWALSize:                 64 * MB,
		CheckpointCompletionTarget: 0.5,
		VacuumInterval:             NewDuration(1 * time.Hour),
		FreezeMinAge:               100,
		XidWarnLimit:               (1 << 31) - 40000000,
		XidStopLimit:               (1 << 31) - 3000000,
		DefaultIsolation:           "read-committed",
		ClogCacheSize:              1 * MB,
		ReplicationAddr:            "127.0.0.1:0",
		AdminAddr:                  "127.0.0.1:0",
		SlotName:                   "standby1",
	}
}

// LoadFile overlays the TOML file at path onto c. Unknown keys are reported
// but do not fail the load.
func (c *Config) LoadFile(path string) error {
	meta, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Annotatef(err, "load config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		log.Warnf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}
