// Package pixelconv translates pixel IDs between each client codebase's
// numbering ("dialect") and the canonical ID space used on the wire between
// rooms and the lookup table. See spec section 4.2 for the build phase and
// translation algorithm this package implements.
package pixelconv

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// Unmapped is the sentinel byte returned whenever a translation has no
// defined target: an id a dialect doesn't define, or an unknown dialect.
const Unmapped byte = 255

// Row is one canonical pixel type and its string ID in every dialect that
// defines it, as read from the authoritative lookup-table file (first
// column canonical numeric ID, remaining columns dialect string IDs plus a
// "standard" column).
type Row struct {
	Canonical int
	IDs       map[string]string // dialect -> dialect-native string ID
}

// dialectTable holds one dialect's two-way numeric arrays and the string
// maps ConvertStr needs. from/to are fixed 256-entry arrays so steady-state
// ConvertSingle never allocates (spec's constant-time requirement); unmapped
// entries hold Unmapped.
type dialectTable struct {
	from [256]byte // dialect-native numeric id -> canonical id (as byte)
	to   [256]byte // canonical id -> dialect-native numeric id

	toCanonicalStr   map[string]int // dialect-native string id -> canonical
	fromCanonicalStr map[int]string // canonical -> dialect-native string id
}

func newDialectTable() *dialectTable {
	t := &dialectTable{
		toCanonicalStr:   make(map[string]int),
		fromCanonicalStr: make(map[int]string),
	}
	for i := range t.from {
		t.from[i] = Unmapped
		t.to[i] = Unmapped
	}
	return t
}

// Converter holds the per-dialect translation tables built from a lookup
// table plus each dialect's extractor-script output. The zero value (via
// NewConverter(nil)) is safe to use and translates nothing.
type Converter struct {
	mu       sync.RWMutex
	dialects map[string]*dialectTable
	order    []string // insertion order, for Formats()

	// standardToCanonical maps the lookup table's human-readable "standard"
	// name (e.g. "stone") to its canonical id. AssemblyCompiler's pixel
	// literals (`{stone}`) are named this way, not by dialect-native id.
	standardToCanonical map[string]int
}

// NewConverter builds a Converter from a flat list of rows, assuming each
// dialect's native numeric ID equals the decimal value of its lookup-table
// string ID (no ScriptLoader extractor applied). This is the shape used by
// tests and by any dialect that never registered an extractor script; real
// deployments populate the converter with Build instead.
func NewConverter(rows []Row) (*Converter, error) {
	c := &Converter{}
	if err := c.Rebuild(rows); err != nil {
		return nil, err
	}
	return c, nil
}

// Rebuild replaces the converter's tables using the identity extractor
// (native numeric id == string id for every pixel). See NewConverter.
func (c *Converter) Rebuild(rows []Row) error {
	extracts := make(map[string]map[string]string)
	for _, row := range rows {
		for dialect, id := range row.IDs {
			if dialect == "standard" {
				continue
			}
			if _, ok := extracts[dialect]; !ok {
				extracts[dialect] = make(map[string]string)
			}
			extracts[dialect][id] = id
		}
	}
	return c.Build(rows, extracts)
}

// Build populates the converter from lookup-table rows plus, for each
// dialect, a stringId -> dialectNumericId mapping obtained from that
// dialect's ScriptLoader extractor (scriptloader.Loader.LoadAll's return
// value). This is spec's build phase: intersect the lookup row's string ID
// with the extractor's numeric ID to populate from[d]/to[d] and the
// parallel string maps.
func (c *Converter) Build(rows []Row, extracts map[string]map[string]string) error {
	tables := make(map[string]*dialectTable)
	order := make([]string, 0, len(extracts))
	for dialect := range extracts {
		tables[dialect] = newDialectTable()
		order = append(order, dialect)
	}
	standard := make(map[string]int, len(rows))

	for _, row := range rows {
		if name, ok := row.IDs["standard"]; ok {
			standard[name] = row.Canonical
		}
		for dialect, strID := range row.IDs {
			if dialect == "standard" {
				continue
			}
			t, ok := tables[dialect]
			if !ok {
				continue // dialect has no extractor configured: not served
			}
			nativeStr, ok := extracts[dialect][strID]
			if !ok {
				continue // extractor doesn't know this pixel's native id
			}
			// ConvertStr operates on whatever string the dialect uses to
			// name this pixel on the wire (numeric or not, e.g. psp map
			// files identify pixels by name); always record it.
			t.toCanonicalStr[strID] = row.Canonical
			t.fromCanonicalStr[row.Canonical] = strID

			native, err := strconv.Atoi(nativeStr)
			if err != nil || native < 0 || native > 255 {
				continue // no numeric native id: ConvertSingle/ConvertGrid unmapped for it
			}
			if existing := t.from[native]; existing != Unmapped && int(existing) != row.Canonical {
				return fmt.Errorf("pixelconv: dialect %q native id %d already maps to canonical %d, cannot also map %d",
					dialect, native, existing, row.Canonical)
			}
			t.from[native] = byte(row.Canonical)
			t.to[row.Canonical] = byte(native)
		}
	}

	c.mu.Lock()
	c.dialects = tables
	c.order = order
	c.standardToCanonical = standard
	c.mu.Unlock()
	return nil
}

// CanonicalForName resolves a lookup table "standard" column name (e.g.
// "stone", the kind of identifier AssemblyCompiler pixel literals like
// {stone} name) to its canonical pixel id.
func (c *Converter) CanonicalForName(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical, ok := c.standardToCanonical[name]
	return canonical, ok
}

// Formats lists every configured dialect name.
func (c *Converter) Formats() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Has reports whether dialect has a loaded table.
func (c *Converter) Has(dialect string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.dialects[dialect]
	return ok
}

// ConvertStr parses a dialect-native ID string into its canonical pixel ID.
func (c *Converter) ConvertStr(s, fromDialect string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.dialects[fromDialect]
	if !ok {
		return 0, fmt.Errorf("pixelconv: unknown dialect %q", fromDialect)
	}
	canonical, ok := t.toCanonicalStr[s]
	if !ok {
		return 0, fmt.Errorf("pixelconv: dialect %q has no pixel %q", fromDialect, s)
	}
	return canonical, nil
}

// ConvertSingle translates one pixel ID from one dialect's numeric space to
// another: if from==to, n passes through unchanged; if either dialect is
// unknown, or n has no canonical mapping in from, or the canonical id has no
// native mapping in to, Unmapped (255) is returned. Constant-time array
// indexing; never allocates.
func (c *Converter) ConvertSingle(n byte, from, to string) byte {
	if from == to {
		return n
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ft, ok := c.dialects[from]
	if !ok {
		return Unmapped
	}
	tt, ok := c.dialects[to]
	if !ok {
		return Unmapped
	}
	canonical := ft.from[n]
	if canonical == Unmapped {
		return Unmapped
	}
	return tt.to[canonical]
}

// ToDialect translates a canonical pixel id into dialect's native numeric
// id. ok is false if dialect is unknown or doesn't define this pixel.
func (c *Converter) ToDialect(canonical int, dialect string) (id byte, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, known := c.dialects[dialect]
	if !known || canonical < 0 || canonical > 255 {
		return 0, false
	}
	native := t.to[canonical]
	return native, native != Unmapped
}

// FromDialect translates a dialect-native numeric id into its canonical
// pixel id. ok is false if dialect is unknown or doesn't define this id.
func (c *Converter) FromDialect(id byte, dialect string) (canonical int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, known := c.dialects[dialect]
	if !known {
		return 0, false
	}
	canon := t.from[id]
	return int(canon), canon != Unmapped
}

// cell is one decoded packed-grid entry: a pixel-ID byte, plus an optional
// opaque extra byte carried through untranslated.
type cell struct {
	id       byte
	extra    byte
	hasExtra bool
}

// decodeGrid walks the packed-grid stream (§6): one header byte, then up to
// 8 cells, where header bit k (MSB first) set means "pixel-ID byte only"
// and clear means "pixel-ID byte plus one opaque extra byte".
func decodeGrid(grid []byte) ([]cell, error) {
	var cells []cell
	i := 0
	for i < len(grid) {
		header := grid[i]
		i++
		for bit := 0; bit < 8 && i < len(grid); bit++ {
			pixelOnly := header&(1<<uint(7-bit)) != 0
			id := grid[i]
			i++
			if pixelOnly {
				cells = append(cells, cell{id: id})
				continue
			}
			if i >= len(grid) {
				return nil, fmt.Errorf("pixelconv: truncated grid: missing extra byte")
			}
			extra := grid[i]
			i++
			cells = append(cells, cell{id: id, extra: extra, hasExtra: true})
		}
	}
	return cells, nil
}

// encodeGrid is decodeGrid's inverse: it re-packs cells into the same
// header-byte framing, preserving which cells carried an extra byte.
func encodeGrid(cells []cell) []byte {
	out := make([]byte, 0, len(cells)+len(cells)/8+1)
	for start := 0; start < len(cells); start += 8 {
		end := start + 8
		if end > len(cells) {
			end = len(cells)
		}
		chunk := cells[start:end]
		var header byte
		for i, c := range chunk {
			if !c.hasExtra {
				header |= 1 << uint(7-i)
			}
		}
		out = append(out, header)
		for _, c := range chunk {
			out = append(out, c.id)
			if c.hasExtra {
				out = append(out, c.extra)
			}
		}
	}
	return out
}

// ConvertGrid returns a copy of grid (pixelconv's packed format, §6) with
// every pixel-ID byte translated from dialect from to dialect to via
// ConvertSingle; extra bytes and header flag bits pass through unchanged.
// Allocates exactly one buffer the size of the input, per spec.
func (c *Converter) ConvertGrid(grid []byte, from, to string) ([]byte, error) {
	out := make([]byte, len(grid))
	copy(out, grid)
	for i := 0; i < len(out); {
		header := out[i]
		i++
		for bit := 0; bit < 8 && i < len(out); bit++ {
			out[i] = c.ConvertSingle(out[i], from, to)
			i++
			if header&(1<<uint(7-bit)) == 0 {
				if i >= len(out) {
					return nil, fmt.Errorf("pixelconv: truncated grid: missing extra byte")
				}
				i++
			}
		}
	}
	return out, nil
}

// ParseLookupTable reads the authoritative lookup file (§4.2): comma
// separated rows whose first column is the canonical numeric ID and whose
// remaining columns are string IDs, one per header-named dialect/"standard"
// column, e.g. "1,stone,stone,stone,stone".
func ParseLookupTable(r io.Reader) ([]Row, error) {
	scanner := bufio.NewScanner(r)
	var header []string
	var rows []Row
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if header == nil {
			header = fields
			continue
		}
		if len(fields) != len(header) {
			return nil, fmt.Errorf("pixelconv: lookup table line %d: expected %d columns, got %d", lineNo, len(header), len(fields))
		}
		canonical, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("pixelconv: lookup table line %d: bad canonical id %q: %w", lineNo, fields[0], err)
		}
		row := Row{Canonical: canonical, IDs: make(map[string]string, len(header)-1)}
		for i := 1; i < len(header); i++ {
			dialect := strings.TrimSpace(header[i])
			val := strings.TrimSpace(fields[i])
			if val == "" {
				continue
			}
			row.IDs[dialect] = val
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pixelconv: reading lookup table: %w", err)
	}
	if header == nil {
		return nil, fmt.Errorf("pixelconv: lookup table is empty")
	}
	return rows, nil
}
