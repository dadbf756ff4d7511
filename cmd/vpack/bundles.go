package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/config"
)

// loadTree scans the configured bundle roots.
func loadTree(g *globals) (*bundle.Tree, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	roots := cfg.BundleRoots()
	if len(roots) == 0 {
		return nil, errors.New("no bundle roots configured; set data_dir or bundle_dirs")
	}
	logger, closeLog, err := loggerFor(g)
	if err != nil {
		return nil, err
	}
	defer closeLog.Close()
	return bundle.Scan(roots, logger), nil
}

func runBundles(g *globals, args []string) error {
	fs := pflag.NewFlagSet("bundles", pflag.ContinueOnError)
	enabledOnly := fs.Bool("enabled", false, "hide disabled bundles and folders")
	if _, err := parse(g, fs, args, 0, 0); err != nil {
		return err
	}
	tree, err := loadTree(g)
	if err != nil {
		return err
	}
	printTree(g, tree, *enabledOnly)
	return nil
}

func printTree(g *globals, tree *bundle.Tree, enabledOnly bool) {
	for n := range tree.Traverse(enabledOnly) {
		if n.ID == bundle.Root {
			continue
		}
		depth := strings.Count(n.Path, "/")
		mark := "+"
		if !n.Enabled {
			mark = "-"
		}
		line := fmt.Sprintf("%s%s %s", strings.Repeat("  ", depth), mark, n.Name)
		if n.IsBundle() {
			if name := n.Bundle.Name(); name != n.Name {
				line += fmt.Sprintf(" (%s)", name)
			}
		} else {
			line += "/"
		}
		fmt.Fprintln(g.stdout, line)
	}
}

func runToggle(enabled bool) func(*globals, []string) error {
	return func(g *globals, args []string) error {
		name := "disable"
		if enabled {
			name = "enable"
		}
		fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
		rest, err := parse(g, fs, args, 1, -1)
		if err != nil {
			return err
		}
		tree, err := loadTree(g)
		if err != nil {
			return err
		}
		for _, path := range rest {
			if err := tree.SetEnabled(path, enabled); err != nil {
				return err
			}
			fmt.Fprintf(g.stdout, "%sd %s\n", name, path)
		}
		return nil
	}
}

func runChoose(g *globals, args []string) error {
	fs := pflag.NewFlagSet("choose", pflag.ContinueOnError)
	page := fs.Int("page", 0, "option page")
	fs.Usage = func() {
		fmt.Fprintln(g.stderr, "Usage: vpack choose [--page N] <bundle> <group> [option...]")
		fmt.Fprint(g.stderr, fs.FlagUsages())
	}
	rest, err := parse(g, fs, args, 2, -1)
	if err != nil {
		return err
	}
	group, err := strconv.Atoi(rest[1])
	if err != nil {
		return fmt.Errorf("choose: group %q: %w", rest[1], err)
	}
	var sel []int
	for _, s := range rest[2:] {
		i, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("choose: option %q: %w", s, err)
		}
		sel = append(sel, i)
	}
	tree, err := loadTree(g)
	if err != nil {
		return err
	}
	return tree.SetChoice(rest[0], *page, group, sel)
}
