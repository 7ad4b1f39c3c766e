// Package sources maintains the debug session's source model: compiled
// scripts as the runtime reports them, source maps shared by URL, and
// reference-counted authored sources projected out of those maps.
package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// ContentGetter lazily fetches a source's text.
type ContentGetter func(ctx context.Context) (string, error)

// Source is either a compiled script or an authored file from a source map.
type Source struct {
	Ref      int64
	URL      string
	MimeType string
	Authored bool

	getter ContentGetter

	// Compiled only.
	mapURL string
	record *mapRecord

	// Authored only.
	refCount int
}

// Content fetches the source text.
func (s *Source) Content(ctx context.Context) (string, error) {
	if s.getter == nil {
		return "", fmt.Errorf("source %s has no content", s.URL)
	}
	return s.getter(ctx)
}

// SourceMapURL returns the compiled source's attached map URL, if any.
func (s *Source) SourceMapURL() string {
	return s.mapURL
}

// Location is a position in a source, 1-based line and column.
type Location struct {
	URL    string
	Line   int
	Column int
	Source *Source
}

type mapState int

const (
	mapRequested mapState = iota
	mapLoading
	mapLoaded
	mapFailed
)

// mapRecord is one source map shared by every compiled source pointing at
// the same URL.
type mapRecord struct {
	url      string
	state    mapState
	data     *sourceMapData
	attached map[*Source]struct{}
}

// Container owns the session's source set.
type Container struct {
	mu        sync.Mutex
	nextRef   int64
	byRef     map[int64]*Source
	compiled  map[string]*Source // by URL, latest parse wins
	authored  map[string]*Source // by resolved URL
	maps      map[string]*mapRecord
	overrides PathOverrides

	fetch func(ctx context.Context, url string) ([]byte, error)

	onAdded   func(*Source)
	onRemoved func([]*Source)
}

// NewContainer creates an empty container with the given path overrides.
func NewContainer(overrides PathOverrides) *Container {
	return &Container{
		byRef:     make(map[int64]*Source),
		compiled:  make(map[string]*Source),
		authored:  make(map[string]*Source),
		maps:      make(map[string]*mapRecord),
		overrides: overrides,
		fetch:     fetchMapData,
	}
}

// SetOverrides replaces the container's path overrides. Called once per
// debug session, before any scripts are parsed.
func (c *Container) SetOverrides(overrides PathOverrides) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = overrides
}

// OnAdded registers the callback fired for each source entering the set.
func (c *Container) OnAdded(fn func(*Source)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAdded = fn
}

// OnRemoved registers the callback fired when sources leave the set.
func (c *Container) OnRemoved(fn func([]*Source)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoved = fn
}

// AddCompiled registers a parsed script and returns its source.
func (c *Container) AddCompiled(url, mimeType string, getter ContentGetter) *Source {
	c.mu.Lock()
	c.nextRef++
	src := &Source{
		Ref:      c.nextRef,
		URL:      url,
		MimeType: mimeType,
		getter:   getter,
	}
	c.byRef[src.Ref] = src
	if url != "" {
		c.compiled[url] = src
	}
	added := c.onAdded
	c.mu.Unlock()

	if added != nil {
		added(src)
	}
	return src
}

// AttachSourceMap associates a map URL with a compiled source. Maps are
// shared by URL: concurrent attachers share one load, and a load completing
// after every attacher detached adds nothing. Attaching a different URL
// replaces the previous association.
func (c *Container) AttachSourceMap(ctx context.Context, src *Source, mapURL string) {
	if src.Authored || mapURL == "" {
		return
	}

	c.mu.Lock()
	if src.mapURL == mapURL {
		c.mu.Unlock()
		return
	}
	removed := c.detachLocked(src)

	rec, ok := c.maps[mapURL]
	if !ok {
		rec = &mapRecord{url: mapURL, attached: make(map[*Source]struct{})}
		c.maps[mapURL] = rec
	}
	src.mapURL = mapURL
	src.record = rec
	rec.attached[src] = struct{}{}

	var added []*Source
	startLoad := false
	switch rec.state {
	case mapRequested:
		rec.state = mapLoading
		startLoad = true
	case mapLoaded:
		added = c.referenceLocked(src, rec)
	}
	onRemoved, onAdded := c.onRemoved, c.onAdded
	c.mu.Unlock()

	c.notify(onAdded, onRemoved, added, removed)
	if startLoad {
		go c.load(ctx, rec)
	}
}

// RemoveCompiled drops a compiled source, releasing its authored references.
func (c *Container) RemoveCompiled(src *Source) {
	if src.Authored {
		return
	}
	c.mu.Lock()
	removed := c.detachLocked(src)
	delete(c.byRef, src.Ref)
	if c.compiled[src.URL] == src {
		delete(c.compiled, src.URL)
	}
	onRemoved := c.onRemoved
	c.mu.Unlock()

	removed = append(removed, src)
	if onRemoved != nil {
		onRemoved(removed)
	}
}

// load fetches and parses a map, then fans authored sources out to every
// compiled source still attached.
func (c *Container) load(ctx context.Context, rec *mapRecord) {
	// Inline maps resolve their sources against the compiled script, not
	// the data: URL.
	parseURL := rec.url
	if strings.HasPrefix(rec.url, "data:") {
		c.mu.Lock()
		for src := range rec.attached {
			parseURL = src.URL
			break
		}
		c.mu.Unlock()
	}

	raw, err := c.fetch(ctx, rec.url)
	var data *sourceMapData
	if err == nil {
		data, err = parseSourceMap(parseURL, raw)
	}

	c.mu.Lock()
	if err != nil {
		rec.state = mapFailed
		c.mu.Unlock()
		logrus.WithError(err).WithField("url", rec.url).Debug("sources: source map load failed")
		return
	}
	rec.state = mapLoaded
	rec.data = data

	var added []*Source
	for src := range rec.attached {
		added = append(added, c.referenceLocked(src, rec)...)
	}
	onAdded := c.onAdded
	c.mu.Unlock()

	c.notify(onAdded, nil, added, nil)
}

// referenceLocked increments the ref count of each authored source the map
// names, creating sources on first reference. Returns the new ones.
func (c *Container) referenceLocked(compiled *Source, rec *mapRecord) []*Source {
	var added []*Source
	for _, entry := range rec.data.sources {
		resolved := resolveSourceURL(c.authoredBase(compiled, rec), entry.url)
		authored, ok := c.authored[resolved]
		if !ok {
			c.nextRef++
			authored = &Source{
				Ref:      c.nextRef,
				URL:      resolved,
				MimeType: "text/javascript",
				Authored: true,
			}
			if entry.hasContent {
				content := entry.content
				authored.getter = func(context.Context) (string, error) { return content, nil }
			} else {
				fetchURL := resolved
				authored.getter = func(ctx context.Context) (string, error) {
					raw, err := c.fetch(ctx, fetchURL)
					return string(raw), err
				}
			}
			c.authored[resolved] = authored
			c.byRef[authored.Ref] = authored
			added = append(added, authored)
		}
		authored.refCount++
	}
	return added
}

// detachLocked releases the compiled source's map association, decrementing
// authored ref counts when the map had loaded. Returns authored sources
// whose count reached zero.
func (c *Container) detachLocked(src *Source) []*Source {
	rec := src.record
	if rec == nil {
		return nil
	}
	delete(rec.attached, src)
	src.record = nil
	src.mapURL = ""

	if rec.state != mapLoaded {
		return nil
	}
	var removed []*Source
	for _, entry := range rec.data.sources {
		resolved := resolveSourceURL(c.authoredBase(src, rec), entry.url)
		authored, ok := c.authored[resolved]
		if !ok {
			continue
		}
		authored.refCount--
		if authored.refCount <= 0 {
			delete(c.authored, resolved)
			delete(c.byRef, authored.Ref)
			removed = append(removed, authored)
		}
	}
	return removed
}

// authoredBase is the base URL authored entries resolve against: the
// compiled script for inline (data:) maps, the map URL otherwise.
func (c *Container) authoredBase(compiled *Source, rec *mapRecord) string {
	if strings.HasPrefix(rec.url, "data:") {
		return compiled.URL
	}
	return rec.url
}

func (c *Container) notify(onAdded func(*Source), onRemoved func([]*Source), added, removed []*Source) {
	if onAdded != nil {
		for _, src := range added {
			onAdded(src)
		}
	}
	if onRemoved != nil && len(removed) > 0 {
		onRemoved(removed)
	}
}

// Resolve maps a position in a compiled source (1-based line and column) to
// its authored location. Positions with no loaded map or no map entry come
// back unchanged.
func (c *Container) Resolve(src *Source, line, column int) Location {
	raw := Location{URL: src.URL, Line: line, Column: column, Source: src}
	if src.Authored {
		return raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec := src.record
	if rec == nil || rec.state != mapLoaded {
		return raw
	}
	mapped, authoredLine, authoredColumn, ok := rec.data.lookup(line, column)
	if !ok {
		return raw
	}
	resolved := resolveSourceURL(c.authoredBase(src, rec), mapped)
	loc := Location{URL: resolved, Line: authoredLine, Column: authoredColumn}
	if authored, found := c.authored[resolved]; found {
		loc.Source = authored
	}
	return loc
}

// ResolveURL is Resolve keyed by compiled script URL.
func (c *Container) ResolveURL(url string, line, column int) Location {
	c.mu.Lock()
	src, ok := c.compiled[url]
	c.mu.Unlock()
	if !ok {
		return Location{URL: url, Line: line, Column: column}
	}
	return c.Resolve(src, line, column)
}

// ByRef returns the source with the given reference.
func (c *Container) ByRef(ref int64) (*Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.byRef[ref]
	return src, ok
}

// CompiledByURL returns the compiled source registered for a script URL.
func (c *Container) CompiledByURL(url string) (*Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.compiled[url]
	return src, ok
}

// All returns every source in the set, compiled and authored.
func (c *Container) All() []*Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Source, 0, len(c.byRef))
	for _, src := range c.byRef {
		out = append(out, src)
	}
	return out
}

// Path projects a source to a filesystem path for DAP clients, applying the
// configured overrides to authored URLs. Returns "" when the source has no
// filesystem identity.
func (c *Container) Path(src *Source) string {
	if src.Authored {
		applied := c.overrides.Apply(src.URL)
		if applied != src.URL {
			return applied
		}
	}
	if strings.HasPrefix(src.URL, "file://") {
		return strings.TrimPrefix(src.URL, "file://")
	}
	return ""
}
