package cmdargs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nspcc-dev/vdb/pkg/core/vdb"
	"github.com/urfave/cli"
)

const (
	// WritesSeparator separates key-value pairs in the writes argument.
	WritesSeparator = ","
	// KeyValueSeparator separates a key from its value.
	KeyValueSeparator = "="
)

// WritesParsingDoc is a documentation for writes parsing.
const WritesParsingDoc = `   Writes are given as a comma-separated list of key=value pairs where both
   keys and values are decimal or 0x-prefixed hexadecimal numbers, e.g.
   '2=42,0x10=0xff'. Every key can be given only once.`

// EnsureNone returns an error if there are any positional arguments present.
// It can be used to check for them in commands that don't accept arguments.
func EnsureNone(ctx *cli.Context) *cli.ExitError {
	if ctx.Args().Present() {
		return cli.NewExitError("additional arguments given while this command expects none", 1)
	}
	return nil
}

// ParseKey parses a single store key.
func ParseKey(s string) (vdb.Key, error) {
	k, err := strconv.ParseUint(strings.TrimSpace(s), 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return vdb.Key(k), nil
}

// ParseWrites parses the key=value list, empty string means no writes.
func ParseWrites(s string) (map[vdb.Key]uint64, error) {
	writes := make(map[vdb.Key]uint64)
	if strings.TrimSpace(s) == "" {
		return writes, nil
	}
	for _, pair := range strings.Split(s, WritesSeparator) {
		ks, vs, ok := strings.Cut(pair, KeyValueSeparator)
		if !ok {
			return nil, fmt.Errorf("invalid write %q: no %q", pair, KeyValueSeparator)
		}
		k, err := ParseKey(ks)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(vs), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for key %d: %w", k, err)
		}
		if _, ok := writes[k]; ok {
			return nil, fmt.Errorf("duplicate key %d", k)
		}
		writes[k] = v
	}
	return writes, nil
}
