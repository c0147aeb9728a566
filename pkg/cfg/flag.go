package cfg

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Defaults registers the flags of dst on fs, which sets every field to its
// flag default.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst Cloneable) error {
		dst.RegisterFlags(fs)
		return nil
	}
}

// Flags parses args into the flags registered by Defaults. Only the flags
// given explicitly overwrite values loaded from earlier sources.
func Flags(args []string, fs *flag.FlagSet) Source {
	fs.Usage = categorizedUsage(fs)
	return dFlags(fs, args)
}

// dFlags parses the flagset, applying all values set on the slice.
func dFlags(fs *flag.FlagSet, args []string) Source {
	return func(_ Cloneable) error {
		// Parsing a second time re-applies the explicit flags on top of
		// values decoded from the config file.
		if err := fs.Parse(args); err != nil {
			return errors.Wrap(err, "parsing flags")
		}
		return nil
	}
}

// categorizedUsage prints flags grouped by the prefix before their first dot.
func categorizedUsage(fs *flag.FlagSet) func() {
	return func() {
		categories := map[string][]string{}
		fs.VisitAll(func(f *flag.Flag) {
			category := "general"
			if i := strings.Index(f.Name, "."); i > 0 {
				category = f.Name[:i]
			}
			line := fmt.Sprintf("  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
			if f.DefValue != "" && f.DefValue != "0" && f.DefValue != "false" {
				line += fmt.Sprintf(" (default %q)", f.DefValue)
			}
			categories[category] = append(categories[category], line)
		})

		names := make([]string, 0, len(categories))
		for name := range categories {
			names = append(names, name)
		}
		sort.Strings(names)

		out := fs.Output()
		if out == nil {
			out = os.Stderr
		}
		fmt.Fprintf(out, "Usage of %s:\n", fs.Name())
		for _, name := range names {
			fmt.Fprintf(out, "\n %s:\n", name)
			for _, line := range categories[name] {
				fmt.Fprintln(out, line)
			}
		}
	}
}

func flagType(f *flag.Flag) string {
	name, _ := flag.UnquoteUsage(f)
	return name
}
