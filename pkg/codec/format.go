package codec

import (
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// Format selects the stream compression used for new compressed objects.
// Readers detect the format of existing objects on their own.
type Format int

const (
	Zstd Format = iota
	Gzip
	LZ4
)

var formatToString = map[Format]string{
	Zstd: "zstd",
	Gzip: "gzip",
	LZ4:  "lz4",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_format(%d)", int(f))
}

// ParseFormat parses a string into a Format. An empty string selects zstd.
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return Zstd, nil
	}
	if f, ok := stringToFormat[s]; ok {
		return f, nil
	}
	return 0, fmt.Errorf("invalid compression format: %q. Must be 'zstd', 'gzip', or 'lz4'", s)
}

// MarshalText implements encoding.TextMarshaler for JSON and YAML configs.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and YAML configs.
func (f *Format) UnmarshalText(text []byte) error {
	format, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = format
	return nil
}
