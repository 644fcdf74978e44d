package manifest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/syntor/agentmesh/pkg/logging"
)

// ChangeKind says what happened to a static agent.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
)

// Change reports an agent manifest that appeared, changed or disappeared.
// Manifest is the last known version, also for removals.
type Change struct {
	Kind     ChangeKind
	AgentID  string
	Manifest *AgentManifest
	Path     string
}

// Filter narrows Find. Empty fields match everything.
type Filter struct {
	AgentType  string
	Capability string
}

func (f Filter) matches(m *AgentManifest) bool {
	if f.AgentType != "" && m.Spec.Type != f.AgentType {
		return false
	}
	return f.Capability == "" || m.HasCapability(f.Capability)
}

type entry struct {
	manifest *AgentManifest
	path     string
	digest   [sha256.Size]byte
}

// Catalog holds the static agent manifests found in a set of directories,
// one agent per file, and follows edits to them.
type Catalog struct {
	dirs   []string
	logger logging.Logger

	mu          sync.RWMutex
	agents      map[string]*entry
	paths       map[string]string
	subscribers []func(Change)

	watcher   *fsnotify.Watcher
	closed    chan struct{}
	closeOnce sync.Once
}

// OpenCatalog reads every manifest in dirs. Missing directories are skipped
// and broken files are logged and left out.
func OpenCatalog(dirs []string, logger logging.Logger) (*Catalog, error) {
	c := &Catalog{
		dirs:   dirs,
		logger: logging.OrNop(logger).With(logging.String("component", "manifests")),
		agents: make(map[string]*entry),
		paths:  make(map[string]string),
		closed: make(chan struct{}),
	}
	for _, dir := range dirs {
		if err := c.scan(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read manifest directory %s: %w", dir, err)
		}
	}
	return c, nil
}

func (c *Catalog) scan(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isManifestFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := c.Load(path); err != nil {
			c.logger.Warn("skipping manifest", logging.String("path", path), logging.Err(err))
		}
	}
	return nil
}

func isManifestFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

// ReadManifest parses and validates one manifest file. Unknown fields are
// rejected so a misspelt key does not silently change routing.
func ReadManifest(path string) (*AgentManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func decode(data []byte) (*AgentManifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m AgentManifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := ValidateManifest(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load (re)reads the manifest at path. Rewriting a file with identical
// content is not a change. An agent id already declared by another file is
// an error.
func (c *Catalog) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m, err := decode(data)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	id := m.Metadata.Name

	var changes []Change
	c.mu.Lock()
	if cur, ok := c.agents[id]; ok && cur.path != path {
		c.mu.Unlock()
		return fmt.Errorf("agent %s is already declared in %s", id, cur.path)
	}
	if prev, ok := c.paths[path]; ok && prev != id {
		// The file now names a different agent; the old one is gone.
		changes = append(changes, c.dropLocked(path))
	}
	kind := ChangeAdded
	if cur, ok := c.agents[id]; ok {
		if cur.digest == digest {
			c.mu.Unlock()
			return nil
		}
		kind = ChangeUpdated
	}
	c.agents[id] = &entry{manifest: m, path: path, digest: digest}
	c.paths[path] = id
	changes = append(changes, Change{Kind: kind, AgentID: id, Manifest: m, Path: path})
	subs := c.subscribers
	c.mu.Unlock()

	publish(subs, changes)
	return nil
}

// dropLocked removes the agent declared at path. c.mu must be held and the
// path must be known.
func (c *Catalog) dropLocked(path string) Change {
	id := c.paths[path]
	e := c.agents[id]
	delete(c.paths, path)
	delete(c.agents, id)
	return Change{Kind: ChangeRemoved, AgentID: id, Manifest: e.manifest, Path: path}
}

func (c *Catalog) remove(path string) {
	c.mu.Lock()
	if _, ok := c.paths[path]; !ok {
		c.mu.Unlock()
		return
	}
	change := c.dropLocked(path)
	subs := c.subscribers
	c.mu.Unlock()

	publish(subs, []Change{change})
}

func publish(subs []func(Change), changes []Change) {
	for _, ch := range changes {
		for _, fn := range subs {
			fn(ch)
		}
	}
}

// Subscribe registers fn for later changes. Subscribers run on the loading
// goroutine, in order, and must not block for long.
func (c *Catalog) Subscribe(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Get returns the manifest of an agent.
func (c *Catalog) Get(agentID string) (*AgentManifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.agents[agentID]
	if !ok {
		return nil, false
	}
	return e.manifest, true
}

// List returns every manifest ordered by agent id.
func (c *Catalog) List() []*AgentManifest {
	return c.Find(Filter{})
}

// Find returns the manifests matching f ordered by agent id.
func (c *Catalog) Find(f Filter) []*AgentManifest {
	c.mu.RLock()
	out := make([]*AgentManifest, 0, len(c.agents))
	for _, e := range c.agents {
		if f.matches(e.manifest) {
			out = append(out, e.manifest)
		}
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.Name < out[j].Metadata.Name })
	return out
}

// Watch follows the catalog directories until ctx ends or Close is called.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create manifest watcher: %w", err)
	}
	for _, dir := range c.dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.Add(dir); err != nil {
			c.logger.Warn("cannot watch manifest directory", logging.String("dir", dir), logging.Err(err))
		}
	}

	c.mu.Lock()
	c.watcher = w
	c.mu.Unlock()

	go c.follow(ctx, w)
	return nil
}

func (c *Catalog) follow(ctx context.Context, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			c.apply(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Error("manifest watcher error", logging.Err(err))
		}
	}
}

func (c *Catalog) apply(ev fsnotify.Event) {
	if !isManifestFile(ev.Name) {
		return
	}
	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if err := c.Load(ev.Name); err != nil {
			c.logger.Warn("manifest not reloaded", logging.String("path", ev.Name), logging.Err(err))
		}
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		c.remove(ev.Name)
	}
}

// Close stops watching. The loaded manifests stay readable.
func (c *Catalog) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		w := c.watcher
		c.mu.Unlock()
		if w != nil {
			err = w.Close()
		}
	})
	return err
}
