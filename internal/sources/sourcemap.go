package sources

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-sourcemap/sourcemap"
)

// sourceMapData is a parsed source map: the mapping consumer plus the
// source inventory the consumer API does not expose.
type sourceMapData struct {
	consumer *sourcemap.Consumer
	sources  []mapSource
}

// mapSource is one entry of a map's "sources" array, with sourceRoot
// already applied and inline content when the map carried it.
type mapSource struct {
	url        string
	content    string
	hasContent bool
}

// mapJSON mirrors the subset of the source map v3 JSON needed to enumerate
// sources; mapping decode is go-sourcemap's job.
type mapJSON struct {
	Version        int       `json:"version"`
	Sources        []string  `json:"sources"`
	SourcesContent []*string `json:"sourcesContent"`
	SourceRoot     string    `json:"sourceRoot"`
	Sections       []struct {
		Map *mapJSON `json:"map"`
	} `json:"sections"`
}

// parseSourceMap decodes a source map, including indexed maps with
// sections.
func parseSourceMap(mapURL string, data []byte) (*sourceMapData, error) {
	var meta mapJSON
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse source map metadata: %w", err)
	}

	consumer, err := sourcemap.Parse(mapURL, data)
	if err != nil {
		// Indexed maps still contribute their source inventory even when
		// the mapping decoder rejects them; lookups fall back to raw
		// locations.
		if len(meta.Sections) == 0 {
			return nil, fmt.Errorf("parse source map: %w", err)
		}
		consumer = nil
	}

	return &sourceMapData{consumer: consumer, sources: collectSources(&meta)}, nil
}

func collectSources(meta *mapJSON) []mapSource {
	var out []mapSource
	for i, src := range meta.Sources {
		entry := mapSource{url: joinSourceRoot(meta.SourceRoot, src)}
		if i < len(meta.SourcesContent) && meta.SourcesContent[i] != nil {
			entry.content = *meta.SourcesContent[i]
			entry.hasContent = true
		}
		out = append(out, entry)
	}
	for _, section := range meta.Sections {
		if section.Map != nil {
			out = append(out, collectSources(section.Map)...)
		}
	}
	return out
}

// joinSourceRoot prefixes a source entry with the map's sourceRoot, unless
// the entry is already absolute.
func joinSourceRoot(root, src string) string {
	if root == "" || isAbsoluteURL(src) || strings.HasPrefix(src, "/") {
		return src
	}
	return strings.TrimSuffix(root, "/") + "/" + src
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != ""
}

// lookup maps a generated position (1-based line and column) to an authored
// one. ok is false when the map has no entry for the position.
func (m *sourceMapData) lookup(line, column int) (source string, authoredLine, authoredColumn int, ok bool) {
	if m.consumer == nil {
		return "", 0, 0, false
	}
	source, _, authoredLine, authoredColumn, ok = m.consumer.Source(line, column)
	if !ok || source == "" {
		return "", 0, 0, false
	}
	return source, authoredLine, authoredColumn, true
}

// resolveSourceURL resolves a map's source entry against its base per
// RFC 3986. Absolute entries pass through, so resolving an already-resolved
// URL is a no-op.
func resolveSourceURL(base, src string) string {
	if isAbsoluteURL(src) {
		return src
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return src
	}
	rel, err := url.Parse(src)
	if err != nil {
		return src
	}
	return b.ResolveReference(rel).String()
}

// fetchMapData retrieves raw source-map bytes. data: URLs decode inline,
// http(s) URLs fetch over the network, anything else is read as a file.
func fetchMapData(ctx context.Context, mapURL string) ([]byte, error) {
	switch {
	case strings.HasPrefix(mapURL, "data:"):
		return decodeDataURL(mapURL)
	case strings.HasPrefix(mapURL, "http:"), strings.HasPrefix(mapURL, "https:"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, mapURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, mapURL)
		}
		return io.ReadAll(resp.Body)
	default:
		return os.ReadFile(strings.TrimPrefix(mapURL, "file://"))
	}
}

func decodeDataURL(dataURL string) ([]byte, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data URL")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}
