package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"

	"github.com/meigma/vpack"
	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/handle"
	"github.com/meigma/vpack/pathspec"
)

const (
	expansion = "ffxiv"
	stem      = "010000.win32"
)

type config struct {
	mode         string
	files        int
	fileSize     int
	dirCount     int
	compression  string
	pattern      string
	replaceEvery int
	bundleEvery  int
	chunkSize    int
	fgProfile    string
	duration     time.Duration
	iterations   int
	pprofAddr    string
	cpuProfile   string
	memProfile   string
	traceFile    string
	readRandom   bool
	tempDir      string
	keepTemp     bool
	randomSeed   int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkBool  bool
)

// game is a generated archive directory with its replacements.
type game struct {
	sqpack string
	data   string
	paths  []string
}

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	g, err := makeGame(dir, cfg)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, g)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, g *game) (profileStats, error) {
	ctx := context.Background()
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "build":
		for shouldContinue() {
			o, err := startOverlay(ctx, g, vpack.WithEagerBuild(true))
			if err != nil {
				return profileStats{}, err
			}
			if err := o.Close(); err != nil {
				return profileStats{}, err
			}
			ops++
		}

	case "read":
		o, err := startOverlay(ctx, g)
		if err != nil {
			return profileStats{}, err
		}
		defer o.Close()

		index := filepath.Join(g.sqpack, expansion, stem)
		if _, err := openComponent(ctx, o, index+".index"); err != nil {
			return profileStats{}, err
		}
		id, err := openComponent(ctx, o, index+".dat0")
		if err != nil {
			return profileStats{}, err
		}
		defer o.OnClose(id)
		size, err := o.OnSize(id)
		if err != nil {
			return profileStats{}, err
		}

		start = time.Now()
		buf := make([]byte, cfg.chunkSize)
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		var off int64
		for shouldContinue() {
			if cfg.readRandom {
				off = rng.Int63n(size)
			} else if off >= size {
				off = 0
			}
			n, cursor, err := o.OnRead(id, off, buf)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = buf[:n]
			byteCount += int64(n)
			off = cursor
			ops++
		}

	case "query":
		o, err := startOverlay(ctx, g, vpack.WithEagerBuild(true))
		if err != nil {
			return profileStats{}, err
		}
		defer o.Close()

		start = time.Now()
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(g.paths, ops, rng, cfg.readRandom)
			sinkBool = o.Query(pathspec.New(path))
			ops++
		}

	case "reflect":
		o, err := startOverlay(ctx, g, vpack.WithEagerBuild(true))
		if err != nil {
			return profileStats{}, err
		}
		defer o.Close()

		start = time.Now()
		for shouldContinue() {
			if err := o.SetBundleEnabled("bench", ops%2 == 1); err != nil {
				return profileStats{}, err
			}
			if err := o.Reflect(ctx); err != nil {
				return profileStats{}, err
			}
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{ops: ops, bytes: byteCount, elapsed: time.Since(start)}, nil
}

func startOverlay(ctx context.Context, g *game, opts ...vpack.Option) (*vpack.Overlay, error) {
	opts = append([]vpack.Option{
		vpack.WithDataDir(g.data),
		vpack.WithReflectDebounce(time.Hour),
		vpack.WithReadDebounce(time.Millisecond),
	}, opts...)
	o, err := vpack.New(g.sqpack, opts...)
	if err != nil {
		return nil, err
	}
	if err := o.Start(ctx); err != nil {
		_ = o.Close()
		return nil, err
	}
	return o, nil
}

func openComponent(ctx context.Context, o *vpack.Overlay, path string) (handle.ID, error) {
	id, ok := o.OnOpenCandidate(ctx, vpack.OpenRequest{
		Path:        path,
		Access:      vpack.AccessRead,
		Disposition: vpack.DispositionOpenExisting,
	})
	if !ok {
		return 0, errors.New("archive passed through; raise --replace-every or --bundle-every coverage")
	}
	return id, nil
}

func parseFlags() config {
	var cfg config
	fs := pflag.NewFlagSet("profiler", pflag.ExitOnError)
	fs.StringVar(&cfg.mode, "mode", "read", "mode: build, read, query, reflect")
	fs.IntVar(&cfg.files, "files", 512, "number of files")
	fs.IntVar(&cfg.fileSize, "file-size", 16<<10, "file size in bytes")
	fs.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories")
	fs.StringVar(&cfg.compression, "compression", "zstd", "compression: none, zstd or lz4")
	fs.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	fs.IntVar(&cfg.replaceEvery, "replace-every", 4, "write a loose replacement for every nth file (0 for none)")
	fs.IntVar(&cfg.bundleEvery, "bundle-every", 3, "replace every nth file from a bundle (0 for none)")
	fs.IntVar(&cfg.chunkSize, "chunk-size", 64<<10, "read size for read mode")
	fs.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	fs.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	fs.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	fs.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	fs.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	fs.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	fs.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	fs.BoolVar(&cfg.readRandom, "read-random", true, "randomize read offsets and query paths")
	fs.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	fs.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	fs.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	_ = fs.Parse(os.Args[1:])
	if cfg.chunkSize <= 0 {
		log.Fatal("chunk-size must be positive")
	}
	return cfg
}

func pickPath(paths []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return paths[rng.Intn(len(paths))]
	}
	return paths[idx%len(paths)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "vpack-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeGame writes the source files, packs them into one archive and writes
// the loose replacements and the bench bundle.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeGame(dir string, cfg config) (*game, error) {
	g := &game{
		sqpack: filepath.Join(dir, "sqpack"),
		data:   filepath.Join(dir, "data"),
	}
	src := filepath.Join(dir, "src")
	paths, err := makeFiles(src, cfg.files, cfg.fileSize, cfg.dirCount, cfg.pattern, cfg.randomSeed)
	if err != nil {
		return nil, err
	}
	g.paths = paths

	c, err := archive.ParseCompression(cfg.compression)
	if err != nil {
		return nil, err
	}
	if _, err := archive.Create(context.Background(), src, filepath.Join(g.sqpack, expansion), stem,
		archive.CreateWithCompression(c)); err != nil {
		return nil, err
	}

	bundleDir := filepath.Join(g.data, "bundles", "bench")
	var bundled []string
	for i, p := range paths {
		if cfg.replaceEvery > 0 && i%cfg.replaceEvery == 0 {
			if err := writeFile(filepath.Join(g.data, "replacements", filepath.FromSlash(p)), replacement(p, cfg.fileSize)); err != nil {
				return nil, err
			}
		}
		if cfg.bundleEvery > 0 && i%cfg.bundleEvery == 0 {
			bundled = append(bundled, p)
		}
	}
	if len(bundled) > 0 {
		if err := writeBundle(bundleDir, bundled, cfg.fileSize); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func makeFiles(dir string, fileCount, fileSize, dirCount int, pattern string, seed int64) ([]string, error) {
	if dirCount <= 0 {
		dirCount = 1
	}
	paths := make([]string, 0, fileCount)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	for i := range fileCount {
		relPath := fmt.Sprintf("bgcommon/dir%02d/file%05d.tex", i%dirCount, i)
		content := make([]byte, fileSize)
		switch pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}
		if err := writeFile(filepath.Join(dir, filepath.FromSlash(relPath)), content); err != nil {
			return nil, err
		}
		paths = append(paths, relPath)
	}
	return paths, nil
}

func replacement(path string, size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = path[i%len(path)]
	}
	return content
}

func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
		return err
	}
	return os.WriteFile(path, content, 0o644) //nolint:gosec // 0o644 is intentional for profiler test files
}

// writeBundle writes a bundle replacing paths with stored content.
func writeBundle(dir string, paths []string, size int) error {
	m := bundle.Manifest{Name: "bench"}
	var payload []byte
	for _, p := range paths {
		content := replacement("bundle:"+p, size)
		m.Entries = append(m.Entries, bundle.Entry{
			Path:   p,
			Offset: int64(len(payload)),
			Size:   uint64(len(content)), //nolint:gosec // generated sizes are positive
			Digest: digest.FromBytes(content),
		})
		payload = append(payload, content...)
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, bundle.ManifestFile), manifest); err != nil {
		return err
	}
	return writeFile(filepath.Join(dir, bundle.PayloadFile), payload)
}
