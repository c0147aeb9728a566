// Package cfg loads layered configuration: flag defaults, then a YAML file,
// then the flags given on the command line.
package cfg

import (
	"flag"
	"os"
	"reflect"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
)

// ErrNotPointer is returned when the destination of a config is not a
// pointer.
var ErrNotPointer = errors.New("dst is not a pointer")

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which will be something compatible to `yaml.Unmarshal`. The
// obtained configuration may be written to this object, it may also contain
// data from previous sources.
type Source func(Cloneable) error

// Cloneable is a config that can be copied into a fresh
// flagext.Registerer. The copy must not share mutable state with the
// original.
type Cloneable interface {
	flagext.Registerer
	Clone() flagext.Registerer
}

// Unmarshal merges the values of the various configuration sources and sets
// them on `dst`.
func Unmarshal(dst Cloneable, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// DefaultUnmarshal loads dst from flag defaults, the file named by
// -config.file and the flags in args, in that order.
func DefaultUnmarshal(dst Cloneable, args []string, fs *flag.FlagSet) error {
	return dParse(dst,
		Defaults(fs),
		YAMLFlag(args, "config.file"),
		Flags(args, fs),
	)
}

// Parse is a higher level wrapper for Unmarshal that automatically parses
// flags and a .yaml file.
func Parse(dst Cloneable) error {
	return DefaultUnmarshal(dst, os.Args[1:], flag.CommandLine)
}

// dParse is the same as Parse, but with dependency injection for testing.
func dParse(dst Cloneable, sources ...Source) error {
	if reflect.ValueOf(dst).Kind() != reflect.Ptr {
		return ErrNotPointer
	}
	return Unmarshal(dst, sources...)
}
