package main

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/meigma/vpack/archive"
)

func runPack(g *globals, args []string) error {
	fs := pflag.NewFlagSet("pack", pflag.ContinueOnError)
	compression := fs.String("compression", "zstd", "block compression: none, zstd or lz4")
	maxSize := fs.Uint64("max-data-file-size", archive.DefaultMaxDataFileSize, "size at which a new data file starts")
	strip := fs.Bool("strip-paths", false, "store only path hashes, as shipped archives do")
	fs.Usage = func() {
		fmt.Fprintln(g.stderr, "Usage: vpack pack [flags] <source dir> <output dir> <stem>")
		fmt.Fprint(g.stderr, fs.FlagUsages())
	}
	rest, err := parse(g, fs, args, 3, 3)
	if err != nil {
		return err
	}
	c, err := archive.ParseCompression(*compression)
	if err != nil {
		return err
	}
	logger, closeLog, err := loggerFor(g)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	n, err := archive.Create(context.Background(), rest[0], rest[1], rest[2],
		archive.CreateWithCompression(c),
		archive.CreateWithMaxDataFileSize(*maxSize),
		archive.CreateWithStripPaths(*strip),
		archive.CreateWithLogger(logger))
	if err != nil {
		return err
	}
	fmt.Fprintf(g.stdout, "packed %d files into %s\n", n, rest[2])
	return nil
}
