package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/config"
	"github.com/meigma/vpack/pathspec"
)

func runVerify(g *globals, args []string) error {
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	skipArchives := flags.Bool("bundles-only", false, "check bundles but not archives")
	if _, err := parse(g, flags, args, 0, 0); err != nil {
		return err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	tree, err := loadTree(g)
	if err != nil && len(cfg.BundleRoots()) > 0 {
		return err
	}

	failed := 0
	if tree != nil {
		for n := range tree.Bundles(false) {
			if err := n.Bundle.Verify(); err != nil {
				failed++
				fmt.Fprintf(g.stdout, "FAIL bundle %s: %v\n", n.Path, err)
				continue
			}
			fmt.Fprintf(g.stdout, "ok   bundle %s\n", n.Path)
		}
	}
	if !*skipArchives {
		indexes, err := findIndexes(cfg.SqpackDir())
		if err != nil {
			return err
		}
		for _, p := range indexes {
			rel, _ := filepath.Rel(cfg.SqpackDir(), p)
			a, err := archive.Open(p, archive.WithVerify(true))
			if err != nil {
				failed++
				fmt.Fprintf(g.stdout, "FAIL archive %s: %v\n", rel, err)
				continue
			}
			_ = a.Close()
			fmt.Fprintf(g.stdout, "ok   archive %s\n", rel)
		}
	}
	if failed > 0 {
		return fmt.Errorf("verify: %d failed", failed)
	}
	return nil
}

func findIndexes(sqpack string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(sqpack, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && strings.HasSuffix(p, ".index") {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func runExtract(g *globals, args []string) error {
	flags := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintln(g.stderr, "Usage: vpack extract <asset path> <output file>")
	}
	rest, err := parse(g, flags, args, 2, 2)
	if err != nil {
		return err
	}
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	o, err := vpack.New(cfg.SqpackDir(), vpack.WithVerifyArchives(cfg.Verify))
	if err != nil {
		return err
	}
	if err := o.Start(context.Background()); err != nil {
		return err
	}
	defer o.Close()

	content, err := o.GetOriginal(pathspec.New(rest[0]))
	if errors.Is(err, vpack.ErrPathResolution) {
		return fmt.Errorf("extract: %s is not in any archive", rest[0])
	}
	if err != nil {
		return err
	}
	return os.WriteFile(rest[1], content, 0o644) //nolint:gosec // extracted assets are not secret
}
