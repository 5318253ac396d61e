package config

import (
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// Duration wraps time.Duration so it can be written as "5m" in a TOML file.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText returns the duration as a string like "1m30s".
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a TOML string into a duration.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}

// ByteSize is a size in bytes written as "64MB" or "1GiB" in a TOML file.
type ByteSize uint64

// MarshalText returns the size in a human readable form.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(units.BytesSize(float64(b))), nil
}

// UnmarshalText parses a size string. A bare number is taken as bytes.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := string(text)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		*b = ByteSize(n)
		return nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return errors.Annotatef(err, "invalid size %q", s)
	}
	if v < 0 {
		return errors.Errorf("negative size %q", s)
	}
	*b = ByteSize(v)
	return nil
}
