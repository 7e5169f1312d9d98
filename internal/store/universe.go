package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Member is one symbol of the universe reference.
type Member struct {
	Symbol string
	Venue  string
	Sector string
}

// Universe is the reference list of tradable symbols with their venue
// (which sets the daily price limit) and sector (which groups aggregates).
type Universe struct {
	members map[string]Member
}

// NewUniverse builds a universe from members. Later duplicates win.
func NewUniverse(members []Member) *Universe {
	u := &Universe{members: make(map[string]Member, len(members))}
	for _, m := range members {
		m.Symbol = strings.ToUpper(strings.TrimSpace(m.Symbol))
		if m.Symbol == "" {
			continue
		}
		u.members[m.Symbol] = m
	}
	return u
}

// LoadUniverse reads a symbol,venue,sector CSV. When path is a directory the
// latest universe_YYYY-MM-DD.csv inside it is used, falling back to
// universe.csv. Missing venue cells take defaultVenue.
func LoadUniverse(path, defaultVenue string) (*Universe, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = findLatestRefFile(path, "universe")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening universe: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading universe header: %w", err)
	}

	symbolIdx, venueIdx, sectorIdx := 0, -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "symbol", "ticker":
			symbolIdx = i
		case "venue", "exchange":
			venueIdx = i
		case "sector", "industry":
			sectorIdx = i
		}
	}

	var members []Member
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading universe %s: %w", path, err)
		}
		m := Member{Symbol: cell(record, symbolIdx), Venue: cell(record, venueIdx), Sector: cell(record, sectorIdx)}
		if m.Venue == "" {
			m.Venue = defaultVenue
		}
		m.Venue = strings.ToUpper(m.Venue)
		members = append(members, m)
	}

	u := NewUniverse(members)
	slog.Info("loaded universe", "symbols", u.Len(), "file", filepath.Base(path))
	return u, nil
}

func cell(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// findLatestRefFile finds the latest date-stamped file matching
// prefix_YYYY-MM-DD.csv in dir. Falls back to prefix.csv if none found.
func findLatestRefFile(dir, prefix string) string {
	pattern := filepath.Join(dir, prefix+"_????-??-??.csv")
	matches, err := filepath.Glob(pattern)
	if err == nil && len(matches) > 0 {
		sort.Strings(matches)
		return matches[len(matches)-1]
	}
	return filepath.Join(dir, prefix+".csv")
}

// Len returns the number of symbols.
func (u *Universe) Len() int { return len(u.members) }

// Get returns the member for symbol.
func (u *Universe) Get(symbol string) (Member, bool) {
	m, ok := u.members[symbol]
	return m, ok
}

// Contains reports whether symbol is in the universe.
func (u *Universe) Contains(symbol string) bool {
	_, ok := u.members[symbol]
	return ok
}

// Symbols returns all symbols, sorted.
func (u *Universe) Symbols() []string {
	out := make([]string, 0, len(u.members))
	for s := range u.members {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Sector returns the sector of symbol, or "" when unknown.
func (u *Universe) Sector(symbol string) string {
	return u.members[symbol].Sector
}

// Venue returns the venue of symbol, or "" when unknown.
func (u *Universe) Venue(symbol string) string {
	return u.members[symbol].Venue
}
