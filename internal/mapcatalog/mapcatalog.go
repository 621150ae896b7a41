// Package mapcatalog parses and serves pre-built grid maps.
//
// A map file ships pixel layout data in whichever dialect its author's
// client used. MapCatalog parses every supported dialect's on-disk
// encoding into a dialect-neutral run-length form, keyed by canonical
// pixel IDs, then re-serializes on request into whichever dialect the
// requesting client needs, using the same canonical pixel-ID space
// pixelconv.Converter maintains for tick frames. A map may also name
// per-event PixSimAssembly scripts, compiled once per dialect at load
// time via internal/asmcompiler.
package mapcatalog

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pixsimrelay/internal/asmcompiler"
	"pixsimrelay/internal/pixelconv"
)

// Run is one contiguous span of identically-typed pixels in canonical
// pixel-ID space, in row-major grid order.
type Run struct {
	Canonical int
	Count     int
}

// MapEntry is one parsed map: its canonical run-length body (pixel data,
// two placeable layers, team ownership) plus the grid dimensions needed to
// reconstruct a 2D layout from the flat run sequences.
type MapEntry struct {
	Name      string
	Width     int
	Height    int
	Data      []Run
	Placeable [2][]Run
	Team      []Run

	// Scripts holds each event's PixSimAssembly source, already compiled
	// per dialect (event -> dialect -> compiled program text). An event
	// whose script failed to compile for a given dialect is simply absent
	// from that dialect's map, per spec's CompileError handling: the
	// script isn't served to that dialect rather than blocking the map.
	Scripts map[string]map[string]string

	// scriptPaths holds the map file's raw event -> source-path field,
	// resolved relative to the map's own directory, before compilation.
	scriptPaths map[string]string
}

// EncodedMap is a map re-serialized into one dialect's native run-length
// string encoding, ready to ship to a client written against that dialect.
type EncodedMap struct {
	Width     int
	Height    int
	Data      string
	Placeable [2]string
	Team      string
	// Scripts holds event -> compiled PixSimAssembly source for the
	// requested dialect, omitting any event that dialect has none for.
	Scripts map[string]string
}

// Catalog holds every parsed map, namespaced by game mode and keyed by map
// name within each mode, immutable after LoadDir.
type Catalog struct {
	mu   sync.RWMutex
	conv *pixelconv.Converter
	maps map[string]map[string]MapEntry // gameMode -> name -> entry
}

// NewCatalog creates an empty catalog. conv supplies canonical<->dialect
// pixel ID translation; it may be swapped later via SetConverter if the
// lookup table is rebuilt.
func NewCatalog(conv *pixelconv.Converter) *Catalog {
	return &Catalog{conv: conv, maps: make(map[string]map[string]MapEntry)}
}

// SetConverter swaps the PixelConverter used for dialect translation.
func (c *Catalog) SetConverter(conv *pixelconv.Converter) {
	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()
}

// LoadDir scans dir for one subdirectory per game mode, and within each,
// one map file per map. A file's dialect is named by its extension
// (".rps", ".bps", ".psp"); the map's name is its filename without
// extension.
func (c *Catalog) LoadDir(dir string) error {
	modes, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("mapcatalog: read dir: %w", err)
	}
	for _, modeEntry := range modes {
		if !modeEntry.IsDir() {
			continue
		}
		gameMode := modeEntry.Name()
		modeDir := filepath.Join(dir, gameMode)
		files, err := os.ReadDir(modeDir)
		if err != nil {
			return fmt.Errorf("mapcatalog: read mode dir %s: %w", modeDir, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			ext := strings.TrimPrefix(filepath.Ext(f.Name()), ".")
			dialect, ok := dialectForExt(ext)
			if !ok {
				continue
			}
			name := strings.TrimSuffix(f.Name(), filepath.Ext(f.Name()))
			path := filepath.Join(modeDir, f.Name())
			fh, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("mapcatalog: open %s: %w", path, err)
			}
			entry, err := c.parse(fh, name, dialect)
			fh.Close()
			if err != nil {
				return fmt.Errorf("mapcatalog: parse %s: %w", path, err)
			}
			entry.Scripts = c.compileScripts(modeDir, entry.scriptPaths)
			c.mu.Lock()
			if c.maps[gameMode] == nil {
				c.maps[gameMode] = make(map[string]MapEntry)
			}
			c.maps[gameMode][name] = entry
			c.mu.Unlock()
		}
	}
	return nil
}

func dialectForExt(ext string) (string, bool) {
	switch ext {
	case "rps", "bps", "psp":
		return ext, true
	default:
		return "", false
	}
}

// mapFile is the on-disk shape of one map record: {format, width, height,
// data, placeableData[2], teamData, rotationData?, scripts}, one
// "field:value" pair per line.
type mapFile struct {
	format        string
	width, height int
	data          string
	placeable0    string
	placeable1    string
	team          string
	rotation      string
	scripts       string // "event:path,event:path", paths relative to the map file
}

func readMapFile(r *os.File) (mapFile, error) {
	var mf mapFile
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return mapFile{}, fmt.Errorf("malformed field %q", line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "format":
			mf.format = val
		case "width":
			n, err := strconv.Atoi(val)
			if err != nil {
				return mapFile{}, fmt.Errorf("malformed width %q: %w", val, err)
			}
			mf.width = n
		case "height":
			n, err := strconv.Atoi(val)
			if err != nil {
				return mapFile{}, fmt.Errorf("malformed height %q: %w", val, err)
			}
			mf.height = n
		case "data":
			mf.data = val
		case "placeableData0":
			mf.placeable0 = val
		case "placeableData1":
			mf.placeable1 = val
		case "teamData":
			mf.team = val
		case "rotationData":
			mf.rotation = val
		case "scripts":
			mf.scripts = val
		}
	}
	return mf, scanner.Err()
}

// rawRun is one parsed (value, count) pair before canonical translation,
// where value is still in the source dialect's string-id space.
type rawRun struct {
	value string
	count int
}

// parseRunString splits a run-length string like "id-count:id-count" (rps,
// bps) or "id~count|id~count" (psp) into rawRuns, with count parsed in the
// given base.
func parseRunString(s string, itemSep, pairSep byte, base int) ([]rawRun, error) {
	if s == "" {
		return nil, nil
	}
	items := strings.Split(s, string(itemSep))
	runs := make([]rawRun, 0, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		value, countStr, ok := cutByte(item, pairSep)
		if !ok {
			return nil, fmt.Errorf("malformed run %q", item)
		}
		count, err := strconv.ParseInt(countStr, base, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed run count %q: %w", item, err)
		}
		runs = append(runs, rawRun{value: value, count: int(count)})
	}
	return runs, nil
}

func cutByte(s string, sep byte) (before, after string, ok bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

// stripPspSuffix discards a psp pixel identifier's backtick-prefixed
// suffix, e.g. "stone`2" -> "stone".
func stripPspSuffix(id string) string {
	if i := strings.IndexByte(id, '`'); i >= 0 {
		return id[:i]
	}
	return id
}

// expandRuns turns run-length pairs into a flat per-cell value slice.
func expandRuns(runs []rawRun) []string {
	var out []string
	for _, r := range runs {
		for i := 0; i < r.count; i++ {
			out = append(out, r.value)
		}
	}
	return out
}

// collapseRuns turns a flat per-cell canonical-id slice back into
// run-length pairs.
func collapseRuns(cells []int) []Run {
	var out []Run
	for _, id := range cells {
		if n := len(out); n > 0 && out[n-1].Canonical == id {
			out[n-1].Count++
			continue
		}
		out = append(out, Run{Canonical: id, Count: 1})
	}
	return out
}

// parse reads one map file in its native dialect encoding and returns its
// canonical run-length form.
func (c *Catalog) parse(r *os.File, name, dialect string) (MapEntry, error) {
	c.mu.RLock()
	conv := c.conv
	c.mu.RUnlock()

	mf, err := readMapFile(r)
	if err != nil {
		return MapEntry{}, err
	}
	if mf.width <= 0 || mf.height <= 0 {
		return MapEntry{}, fmt.Errorf("missing or invalid width/height")
	}

	entry := MapEntry{Name: name, Width: mf.width, Height: mf.height, scriptPaths: parseScripts(mf.scripts)}

	toCanonical := func(dialectNativeID string) (int, error) {
		canonical, err := conv.ConvertStr(dialectNativeID, dialect)
		if err != nil {
			if !conv.Has(dialect) {
				return 0, fmt.Errorf("dialect %q has no pixel table loaded", dialect)
			}
			return 0, fmt.Errorf("unknown pixel id %q in dialect %q: %w", dialectNativeID, dialect, err)
		}
		return canonical, nil
	}

	switch dialect {
	case "rps":
		dataRuns, err := parseRunString(mf.data, ':', '-', 16)
		if err != nil {
			return MapEntry{}, fmt.Errorf("data: %w", err)
		}
		entry.Data, err = canonicalizeRuns(dataRuns, toCanonical)
		if err != nil {
			return MapEntry{}, err
		}
		for i, raw := range [2]string{mf.placeable0, mf.placeable1} {
			runs, err := parseRunString(raw, ':', '-', 16)
			if err != nil {
				return MapEntry{}, fmt.Errorf("placeableData%d: %w", i, err)
			}
			entry.Placeable[i] = boolRuns(runs)
		}
		teamRuns, err := parseRunString(mf.team, ':', '-', 16)
		if err != nil {
			return MapEntry{}, fmt.Errorf("teamData: %w", err)
		}
		entry.Team = intRuns(teamRuns)

	case "bps":
		pixelRuns, err := parseRunString(mf.data, ':', '-', 36)
		if err != nil {
			return MapEntry{}, fmt.Errorf("data: %w", err)
		}
		rotationRuns, err := parseRunString(mf.rotation, ':', '-', 36)
		if err != nil {
			return MapEntry{}, fmt.Errorf("rotationData: %w", err)
		}
		pixels := expandRuns(pixelRuns)
		rotations := expandRuns(rotationRuns)
		if len(pixels) != len(rotations) {
			return MapEntry{}, fmt.Errorf("data/rotationData length mismatch: %d vs %d", len(pixels), len(rotations))
		}
		cells := make([]int, len(pixels))
		for i := range pixels {
			canonical, err := toCanonical(pixels[i] + rotations[i])
			if err != nil {
				return MapEntry{}, err
			}
			cells[i] = canonical
		}
		entry.Data = collapseRuns(cells)

		for i, raw := range [2]string{mf.placeable0, mf.placeable1} {
			runs, err := parseRunString(raw, ':', '-', 36)
			if err != nil {
				return MapEntry{}, fmt.Errorf("placeableData%d: %w", i, err)
			}
			entry.Placeable[i] = boolRuns(runs)
		}
		teamRuns, err := parseRunString(mf.team, ':', '-', 36)
		if err != nil {
			return MapEntry{}, fmt.Errorf("teamData: %w", err)
		}
		entry.Team = intRuns(teamRuns)

	case "psp":
		dataRuns, err := parseRunString(mf.data, '|', '~', 36)
		if err != nil {
			return MapEntry{}, fmt.Errorf("data: %w", err)
		}
		for i := range dataRuns {
			dataRuns[i].value = stripPspSuffix(dataRuns[i].value)
		}
		entry.Data, err = canonicalizeRuns(dataRuns, toCanonical)
		if err != nil {
			return MapEntry{}, err
		}
		// psp defines no placeable/team grid (§4.3).

	default:
		return MapEntry{}, fmt.Errorf("unsupported dialect %q", dialect)
	}

	return entry, nil
}

// parseScripts splits a map file's "scripts" field ("event:path,event:path")
// into an event -> path map.
func parseScripts(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		event, path, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(event)] = strings.TrimSpace(path)
	}
	return out
}

// compileScripts reads and compiles each event's PixSimAssembly source
// (relative to modeDir) for every dialect the converter knows. A script
// that fails to read, or fails CompileForDialects's dialect-neutral parse,
// is logged and omitted entirely; a script that fails for only some
// dialects is served to the rest (spec's CompileError semantics).
func (c *Catalog) compileScripts(modeDir string, paths map[string]string) map[string]map[string]string {
	if len(paths) == 0 {
		return nil
	}
	c.mu.RLock()
	conv := c.conv
	c.mu.RUnlock()
	if conv == nil {
		return nil
	}
	dialects := conv.Formats()
	resolve := func(dialect, literal string) (string, bool) {
		canonical, ok := conv.CanonicalForName(literal)
		if !ok {
			return "", false
		}
		native, ok := conv.ToDialect(canonical, dialect)
		if !ok {
			return "", false
		}
		return strconv.Itoa(int(native)), true
	}

	out := make(map[string]map[string]string, len(paths))
	for event, relPath := range paths {
		source, err := os.ReadFile(filepath.Join(modeDir, relPath))
		if err != nil {
			slog.Warn("mapcatalog: script unreadable, not served", "event", event, "path", relPath, "err", err)
			continue
		}
		outputs, failures := asmcompiler.CompileForDialects(string(source), dialects, resolve)
		for dialect, err := range failures {
			slog.Warn("mapcatalog: script failed to compile, not served", "event", event, "dialect", dialect, "err", err)
		}
		if len(outputs) > 0 {
			out[event] = outputs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func canonicalizeRuns(raw []rawRun, toCanonical func(string) (int, error)) ([]Run, error) {
	out := make([]Run, len(raw))
	for i, r := range raw {
		canonical, err := toCanonical(r.value)
		if err != nil {
			return nil, err
		}
		out[i] = Run{Canonical: canonical, Count: r.count}
	}
	return out, nil
}

func boolRuns(raw []rawRun) []Run {
	out := make([]Run, len(raw))
	for i, r := range raw {
		n, _ := strconv.Atoi(r.value)
		out[i] = Run{Canonical: n, Count: r.count}
	}
	return out
}

func intRuns(raw []rawRun) []Run {
	out := make([]Run, len(raw))
	for i, r := range raw {
		n, _ := strconv.Atoi(r.value)
		out[i] = Run{Canonical: n, Count: r.count}
	}
	return out
}

// List returns every known map name in gameMode, sorted.
func (c *Catalog) List(gameMode string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	modeMaps := c.maps[gameMode]
	out := make([]string, 0, len(modeMaps))
	for name := range modeMaps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name is a known map in gameMode.
func (c *Catalog) Has(gameMode, name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.maps[gameMode][name]
	return ok
}

// Get re-serializes a map's canonical form into format's native run-length
// string encoding. Returns nil, nil if the map doesn't exist.
func (c *Catalog) Get(gameMode, name, format string) (*EncodedMap, error) {
	c.mu.RLock()
	entry, ok := c.maps[gameMode][name]
	conv := c.conv
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	base := 16
	itemSep, pairSep := byte(':'), byte('-')
	if format == "bps" {
		base = 36
	}
	if format == "psp" {
		base = 36
		itemSep, pairSep = '|', '~'
	}

	encodeRuns := func(runs []Run, toNative func(int) string) string {
		parts := make([]string, 0, len(runs))
		for _, r := range runs {
			parts = append(parts, fmt.Sprintf("%s%c%s", toNative(r.Canonical), pairSep, strconv.FormatInt(int64(r.Count), base)))
		}
		return strings.Join(parts, string(itemSep))
	}

	toNative := func(canonical int) string {
		native, ok := conv.ToDialect(canonical, format)
		if !ok {
			return strconv.Itoa(canonical) // best-effort: dialect lacks this pixel
		}
		return strconv.Itoa(int(native))
	}
	toBool := func(canonical int) string { return strconv.Itoa(canonical) }

	out := &EncodedMap{
		Width:  entry.Width,
		Height: entry.Height,
		Data:   encodeRuns(entry.Data, toNative),
	}
	if format != "psp" {
		out.Placeable[0] = encodeRuns(entry.Placeable[0], toBool)
		out.Placeable[1] = encodeRuns(entry.Placeable[1], toBool)
		out.Team = encodeRuns(entry.Team, toBool)
	}
	if len(entry.Scripts) > 0 {
		scripts := make(map[string]string, len(entry.Scripts))
		for event, byDialect := range entry.Scripts {
			if src, ok := byDialect[format]; ok {
				scripts[event] = src
			}
		}
		if len(scripts) > 0 {
			out.Scripts = scripts
		}
	}
	return out, nil
}
