package cfg

import (
	"flag"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// YAML returns a Source that opens the supplied `.yaml` file and loads it.
// Environment references like ${VAR} are expanded when expandEnv is set.
func YAML(f string, expandEnv, strict bool) Source {
	return func(dst Cloneable) error {
		y, err := os.ReadFile(f)
		if err != nil {
			return errors.Wrap(err, "Error reading config file")
		}
		if expandEnv {
			y = []byte(os.ExpandEnv(string(y)))
		}
		if strict {
			err = yaml.UnmarshalStrict(y, dst)
		} else {
			err = yaml.Unmarshal(y, dst)
		}
		return errors.Wrap(err, "Error parsing config file")
	}
}

// dYAML returns a YAML source and allows dependency injection.
func dYAML(y []byte) Source {
	return func(dst Cloneable) error {
		return yaml.UnmarshalStrict(y, dst)
	}
}

// YAMLFlag defers parsing a YAML file until the flag named name, pointing at
// it, has been read from args. An empty flag leaves dst untouched.
func YAMLFlag(args []string, name string) Source {
	return func(dst Cloneable) error {
		freshFlags := flag.NewFlagSet("config-file-loader", flag.ContinueOnError)

		// Flags are registered on a copy so parsing out the file location
		// does not overwrite values of dst.
		dst.Clone().RegisterFlags(freshFlags)
		var expandEnv bool
		if freshFlags.Lookup("config.expand-env") == nil {
			freshFlags.BoolVar(&expandEnv, "config.expand-env", false, "Expands ${var} in config according to the values of the environment variables.")
		}
		freshFlags.Usage = func() {}
		freshFlags.SetOutput(nopWriter{})
		if err := freshFlags.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil
			}
			return err
		}

		f := freshFlags.Lookup(name)
		if f == nil || f.Value.String() == "" {
			return nil
		}
		if e := freshFlags.Lookup("config.expand-env"); e != nil {
			expandEnv = e.Value.String() == "true"
		}
		return YAML(f.Value.String(), expandEnv, true)(dst)
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
