// vpack serves game archives with mod bundles and loose replacements
// applied, and manages the bundle tree.
//
// Usage:
//
//	vpack [--config FILE] <command> [flags] [args]
//
// Commands:
//
//	mount     mount a read-only mirror of the game directory
//	pack      build an archive from a directory
//	bundles   print the bundle tree
//	enable    enable a bundle or folder
//	disable   disable a bundle or folder
//	choose    select the options of a bundle group
//	verify    check bundle digests and archive data files
//	extract   write the original content of an archived file
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
)

type command struct {
	summary string
	run     func(g *globals, args []string) error
}

var commands = map[string]command{
	"mount":   {"mount a read-only mirror of the game directory", runMount},
	"pack":    {"build an archive from a directory", runPack},
	"bundles": {"print the bundle tree", runBundles},
	"enable":  {"enable a bundle or folder", runToggle(true)},
	"disable": {"disable a bundle or folder", runToggle(false)},
	"choose":  {"select the options of a bundle group", runChoose},
	"verify":  {"check bundle digests and archive data files", runVerify},
	"extract": {"write the original content of an archived file", runExtract},
}

// globals are the flags accepted before the command.
type globals struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "vpack: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	g := &globals{stdout: stdout, stderr: stderr}
	fs := pflag.NewFlagSet("vpack", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&g.configPath, "config", "c", os.Getenv("VPACK_CONFIG"), "configuration file")
	fs.SetInterspersed(false)
	fs.Usage = func() { usage(stderr, fs) }
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(stderr, fs)
		return errors.New("no command given")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	return cmd.run(g, rest[1:])
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: vpack [--config FILE] <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
}

// parse parses a command's flags and checks its argument count.
func parse(g *globals, fs *pflag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	fs.SetOutput(g.stderr)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	rest := fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		fs.Usage()
		return nil, fmt.Errorf("%s: wrong number of arguments", fs.Name())
	}
	return rest, nil
}
