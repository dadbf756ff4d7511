package vpack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/vpack/archive"
	"github.com/meigma/vpack/bundle"
	"github.com/meigma/vpack/cache"
	"github.com/meigma/vpack/handle"
	"github.com/meigma/vpack/pathspec"
	"github.com/meigma/vpack/provider"
	"github.com/meigma/vpack/quiesce"
	"github.com/meigma/vpack/view"
)

const (
	// DefaultReflectDebounce is the default delay between a change and the
	// background reflection pass it triggers.
	DefaultReflectDebounce = 250 * time.Millisecond

	// DefaultPauseTimeout is the default bound on waiting for the host to
	// pause.
	DefaultPauseTimeout = 5 * time.Second

	// DefaultWatchDebounce is the delay between the last change below a
	// watched bundle root and the rescan it triggers.
	DefaultWatchDebounce = time.Second
)

// Overlay owns the composed views of every archive below a game's archive
// directory together with the bundle tree and loose files that feed them.
//
// An Overlay is safe for concurrent use.
type Overlay struct {
	sqpackDir string

	dataDir         string
	bundleDirs      []string
	looseDirs       []string
	precedence      LoosePrecedence
	eager           bool
	verify          bool
	compression     archive.Compression
	maxDataFileSize uint64
	host            quiesce.Host
	readDebounce    time.Duration
	pauseTimeout    time.Duration
	reflectDebounce time.Duration
	watchBundles    bool
	watchDebounce   time.Duration
	cacheDir        string
	cacheMaxBytes   int64
	logger          *slog.Logger

	encoder *archive.Encoder
	blocks  *cache.Disk
	handles *handle.Table
	gate    *quiesce.Gate

	// mu guards the fields below it.
	mu       sync.RWMutex
	archives map[string]*archiveState
	byKey    map[pathspec.Key][]*archiveState
	tree     *bundle.Tree
	loose    []looseFile
	toggles  Toggles
	started  bool

	builds singleflight.Group
	// passMu serializes reflection passes and initial view bindings.
	passMu sync.Mutex
	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats counters
}

// archiveState tracks one native archive and the view built over it.
type archiveState struct {
	name      pathspec.ArchiveName
	dir       string
	indexPath string
	// id is the lowercase directory and stem, used to match open paths.
	id string

	indexOpened atomic.Bool
	noOverride  atomic.Bool
	view        atomic.Pointer[view.View]

	mu   sync.Mutex
	arch *archive.Archive
	err  error
}

func (st *archiveState) open(opts ...archive.Option) (*archive.Archive, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.arch == nil && st.err == nil {
		st.arch, st.err = archive.Open(st.indexPath, opts...)
	}
	return st.arch, st.err
}

func (st *archiveState) close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.arch == nil {
		return nil
	}
	err := st.arch.Close()
	st.arch = nil
	st.err = errors.New("vpack: archive closed")
	return err
}

// New returns an Overlay over the archives below sqpackDir. Nothing is read
// from disk until Start.
func New(sqpackDir string, opts ...Option) (*Overlay, error) {
	o := &Overlay{
		sqpackDir:       sqpackDir,
		reflectDebounce: DefaultReflectDebounce,
		pauseTimeout:    DefaultPauseTimeout,
		watchDebounce:   DefaultWatchDebounce,
		readDebounce:    quiesce.DefaultDebounce,
		handles:         handle.NewTable(),
		archives:        make(map[string]*archiveState),
		byKey:           make(map[pathspec.Key][]*archiveState),
		tree:            bundle.NewTree(),
		kick:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.host == nil {
		o.host = quiesce.Nop{}
	}
	o.gate = quiesce.NewGate(o.readDebounce)
	enc, err := archive.NewEncoder(o.compression)
	if err != nil {
		return nil, err
	}
	o.encoder = enc
	if o.cacheDir != "" && o.compression != archive.CompressionNone {
		if o.blocks, err = cache.New(o.cacheDir); err != nil {
			return nil, fmt.Errorf("vpack: block cache: %w", err)
		}
	}
	return o, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (o *Overlay) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return o.logger
}

func (o *Overlay) archiveOptions() []archive.Option {
	return []archive.Option{archive.WithLogger(o.log()), archive.WithVerify(o.verify)}
}

func (o *Overlay) newLoose(lf looseFile) (*provider.Loose, error) {
	if o.blocks == nil {
		return provider.NewLoose(lf.spec, lf.path, o.encoder)
	}
	return provider.NewLoose(lf.spec, lf.path, o.encoder, provider.WithBlockCache(o.blocks))
}

// bundleRoots returns the bundle roots in scan order.
func (o *Overlay) bundleRoots() []string {
	var roots []string
	if o.dataDir != "" {
		roots = append(roots, filepath.Join(o.dataDir, "bundles"))
	}
	return append(roots, o.bundleDirs...)
}

// looseRoots returns the loose replacement roots in scan order.
func (o *Overlay) looseRoots() []string {
	roots := []string{o.sqpackDir}
	if o.dataDir != "" {
		roots = append(roots, filepath.Join(o.dataDir, "replacements"))
	}
	return append(roots, o.looseDirs...)
}

// Start discovers the archives, bundles and loose files and starts the
// background reflection worker. With eager building every view is built
// before Start returns.
//
// Failing to list the archive directory is the only error Start returns;
// archives, bundles and loose files that fail to load are logged and
// skipped.
func (o *Overlay) Start(ctx context.Context) error {
	states, err := o.scanArchives()
	if err != nil {
		return err
	}
	tree := bundle.Scan(o.bundleRoots(), o.log())

	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("vpack: overlay already started")
	}
	for _, st := range states {
		o.archives[st.id] = st
		o.byKey[st.name.Key] = append(o.byKey[st.name.Key], st)
	}
	for _, list := range o.byKey {
		slices.SortFunc(list, func(a, b *archiveState) int { return int(a.name.Part) - int(b.name.Part) })
	}
	o.tree = tree
	o.started = true
	o.mu.Unlock()

	loose := o.scanLoose()
	o.mu.Lock()
	o.loose = loose
	o.mu.Unlock()

	if o.blocks != nil && o.cacheMaxBytes > 0 {
		freed, err := o.blocks.Prune(o.cacheMaxBytes)
		if err != nil {
			o.log().Warn("block cache prune failed", "dir", o.cacheDir, "reason", err)
		} else if freed > 0 {
			o.log().Info("block cache pruned", "dir", o.cacheDir, "freed_bytes", freed)
		}
	}

	o.log().Info("overlay started",
		"sqpack", o.sqpackDir,
		"archives", len(states),
		"bundles", countBundles(tree),
		"loose_files", len(loose))

	if o.eager {
		if err := o.buildAll(ctx, states); err != nil {
			return err
		}
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.worker(wctx)
	}()
	if o.watchBundles {
		if err := o.watch(wctx); err != nil {
			o.log().Warn("bundle watcher disabled", "reason", err)
		}
	}
	return nil
}

// buildAll builds every view in parallel.
func (o *Overlay) buildAll(ctx context.Context, states []*archiveState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, st := range states {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := o.ensureView(st); err != nil {
				o.log().Warn("archive served as passthrough", "archive", st.indexPath, "reason", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func countBundles(t *bundle.Tree) int {
	n := 0
	for range t.Bundles(false) {
		n++
	}
	return n
}

// Close stops the background work and closes every native archive.
// Handles still open afterwards fail their reads.
func (o *Overlay) Close() error {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()

	o.mu.RLock()
	states := make([]*archiveState, 0, len(o.archives))
	for _, st := range o.archives {
		states = append(states, st)
	}
	o.mu.RUnlock()

	var errs []error
	for _, st := range states {
		if err := st.close(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, o.encoder.Close())
	return errors.Join(errs...)
}

// state returns the archive whose component path is p.
func (o *Overlay) state(p string) (*archiveState, pathspec.Component, bool) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, pathspec.Component{}, false
	}
	name, ok := pathspec.ParseArchiveName(filepath.Base(abs))
	if !ok {
		return nil, pathspec.Component{}, false
	}
	id := strings.ToLower(filepath.Join(filepath.Dir(abs), name.Stem))

	o.mu.RLock()
	st, ok := o.archives[id]
	o.mu.RUnlock()
	return st, name.Component, ok
}

// statesFor returns the archives that may hold spec, in part order.
func (o *Overlay) statesFor(spec pathspec.Spec) []*archiveState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if spec.HasPath() {
		if key, ok := pathspec.ArchiveFor(spec.Path); ok {
			return slices.Clone(o.byKey[key])
		}
	}
	var out []*archiveState
	for _, key := range o.keys() {
		out = append(out, o.byKey[key]...)
	}
	return out
}

// keys returns the known archive keys in order. o.mu must be held.
func (o *Overlay) keys() []pathspec.Key {
	keys := make([]pathspec.Key, 0, len(o.byKey))
	for k := range o.byKey {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b pathspec.Key) int {
	if a.Category != b.Category {
		return int(a.Category) - int(b.Category)
	}
	return int(a.Expansion) - int(b.Expansion)
}

// ensureView returns the view of st, building it on first use. Concurrent
// callers share one build.
func (o *Overlay) ensureView(st *archiveState) (*view.View, error) {
	if v := st.view.Load(); v != nil {
		return v, nil
	}
	_, err, _ := o.builds.Do(st.id, func() (any, error) {
		if v := st.view.Load(); v != nil {
			return v, nil
		}
		return o.build(st)
	})
	if err != nil {
		return nil, err
	}
	return st.view.Load(), nil
}

// build lays out the view of st and binds its initial replacements.
func (o *Overlay) build(st *archiveState) (*view.View, error) {
	logger := o.log().With("archive", st.name.Stem, "dir", st.dir)
	arch, err := st.open(o.archiveOptions()...)
	if err != nil {
		st.noOverride.Store(true)
		return nil, fmt.Errorf("open %s: %w", st.indexPath, err)
	}

	b := view.NewBuilder(arch,
		view.WithLogger(o.log()),
		view.WithMaxDataFileSize(o.maxDataFileSize))
	o.reserve(b, st, o.snapshot(), logger)
	v := b.Build()

	if !v.HasOverrides() {
		st.noOverride.Store(true)
		st.view.Store(v)
		logger.Debug("nothing to override")
		return v, nil
	}

	// No handle can reach v before it is stored, so the first binding
	// needs neither the host pause nor the read gate.
	o.passMu.Lock()
	defer o.passMu.Unlock()
	views := o.builtViews()
	views[v.Key()] = append(views[v.Key()], v)
	pl := o.plan(o.snapshot(), views, logger)
	swapped, refused := o.apply(pl, []*view.View{v}, logger)
	st.view.Store(v)
	logger.Info("view built",
		"entries", v.Len(),
		"swappable", len(v.Swappables()),
		"bound", swapped,
		"refused", refused)
	return v, nil
}

// builtViews returns the views that can be rebound, grouped by archive key
// in part order.
func (o *Overlay) builtViews() map[pathspec.Key][]*view.View {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[pathspec.Key][]*view.View)
	for key, list := range o.byKey {
		for _, st := range list {
			if v := st.view.Load(); v != nil && v.HasOverrides() {
				out[key] = append(out[key], v)
			}
		}
	}
	return out
}
