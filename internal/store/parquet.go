package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"
)

// renameFile is the commit step of every write. Tests replace it to simulate
// a crash between writing the temp file and publishing it.
var renameFile = os.Rename

// Table is one logical table stored as a single Parquet file. All writes go
// through a temp file in the same directory followed by one rename, so
// readers observe either the previous file or the new one and never a mix.
type Table[R Row] struct {
	name string
	path string
	mu   sync.Mutex
}

// NewTable returns a table backed by the Parquet file at path.
func NewTable[R Row](name, path string) *Table[R] {
	return &Table[R]{name: name, path: path}
}

// Name returns the logical table name.
func (t *Table[R]) Name() string { return t.name }

// Path returns the backing file path.
func (t *Table[R]) Path() string { return t.path }

// Exists reports whether the backing file has been written.
func (t *Table[R]) Exists() bool {
	_, err := os.Stat(t.path)
	return err == nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Read returns every row. A table that was never written reads as empty.
func (t *Table[R]) Read(ctx context.Context) ([]R, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		return nil, nil
	}
	rows, err := readParquetFile[R](t.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", t.name, err)
	}
	return rows, nil
}

// ReadSymbols returns the rows whose symbol is in symbols.
func (t *Table[R]) ReadSymbols(ctx context.Context, symbols []string) ([]R, error) {
	all, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	want := symbolSet(symbols)
	out := make([]R, 0, len(all))
	for _, r := range all {
		if _, ok := want[r.RowSymbol()]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// Symbols returns the sorted distinct symbols present in the table.
func (t *Table[R]) Symbols(ctx context.Context) ([]string, error) {
	all, err := t.Read(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, r := range all {
		seen[r.RowSymbol()] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// Atomic merge
// ---------------------------------------------------------------------------

// MergeResult describes a committed write.
type MergeResult struct {
	Table     string
	Replaced  []string // sorted replace set S; empty for a full publish
	Full      bool
	Before    int // rows in T
	After     int // rows in T′
	Removed   int // rows of T dropped (symbols in S, or everything when Full)
	Inserted  int // rows of N
	Untouched int // rows of T carried over unchanged
}

// Verify checks the row-count arithmetic of the merge.
func (m MergeResult) Verify() error {
	if m.Before != m.Untouched+m.Removed {
		return fmt.Errorf("%w: %s: before=%d untouched=%d removed=%d",
			ErrPostcondition, m.Table, m.Before, m.Untouched, m.Removed)
	}
	if m.After != m.Untouched+m.Inserted {
		return fmt.Errorf("%w: %s: after=%d untouched=%d inserted=%d",
			ErrPostcondition, m.Table, m.After, m.Untouched, m.Inserted)
	}
	if m.Full && m.Untouched != 0 {
		return fmt.Errorf("%w: %s: full publish kept %d rows", ErrPostcondition, m.Table, m.Untouched)
	}
	return nil
}

// Merge replaces every row whose symbol is in replace with rows, leaving all
// other rows byte-for-byte as they were: T′ = (T − rows of S) ∪ N.
//
// Every row in rows must belong to a symbol in replace, and (symbol, date)
// must be unique within rows. An empty rows slice deletes the rows of S. On
// any error the table file is left untouched and no temp file survives.
func (t *Table[R]) Merge(ctx context.Context, replace []string, rows []R) (MergeResult, error) {
	set := symbolSet(replace)
	if err := checkIncoming(t.name, set, rows); err != nil {
		return MergeResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.Read(ctx)
	if err != nil {
		return MergeResult{}, err
	}

	res := MergeResult{
		Table:    t.name,
		Replaced: sortedKeys(set),
		Before:   len(existing),
		Inserted: len(rows),
	}
	merged := make([]R, 0, len(existing)+len(rows))
	for _, r := range existing {
		if _, hit := set[r.RowSymbol()]; hit {
			res.Removed++
			continue
		}
		merged = append(merged, r)
	}
	res.Untouched = len(merged)
	merged = append(merged, rows...)
	res.After = len(merged)
	sortRows(merged)

	if err := res.Verify(); err != nil {
		return MergeResult{}, err
	}
	if err := writeAtomic(ctx, t.path, merged); err != nil {
		return MergeResult{}, fmt.Errorf("merging %s: %w", t.name, err)
	}
	return res, nil
}

// Publish atomically replaces the whole table with rows.
func (t *Table[R]) Publish(ctx context.Context, rows []R) (MergeResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.Read(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	out := make([]R, len(rows))
	copy(out, rows)
	sortRows(out)

	if err := writeAtomic(ctx, t.path, out); err != nil {
		return MergeResult{}, fmt.Errorf("publishing %s: %w", t.name, err)
	}
	return MergeResult{
		Table:    t.name,
		Full:     true,
		Before:   len(existing),
		After:    len(out),
		Removed:  len(existing),
		Inserted: len(out),
	}, nil
}

// UpsertResult describes a key-wise upsert.
type UpsertResult struct {
	Added   int
	Updated int
	After   int
}

// Upsert merges rows into the table by (symbol, date), preferring the new
// row on conflict. The write is atomic.
func (t *Table[R]) Upsert(ctx context.Context, rows []R) (UpsertResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.Read(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	merged, added, updated := mergeRecords(existing, rows)
	if err := writeAtomic(ctx, t.path, merged); err != nil {
		return UpsertResult{}, fmt.Errorf("upserting %s: %w", t.name, err)
	}
	return UpsertResult{Added: added, Updated: updated, After: len(merged)}, nil
}

// VerifyMerge re-reads the committed table and checks it against res: the
// replaced symbols hold exactly the inserted rows and every other symbol
// holds exactly the untouched rows.
func (t *Table[R]) VerifyMerge(ctx context.Context, res MergeResult) error {
	if err := res.Verify(); err != nil {
		return err
	}
	rows, err := t.Read(ctx)
	if err != nil {
		return err
	}
	set := symbolSet(res.Replaced)
	var inS, outS int
	for _, r := range rows {
		if _, hit := set[r.RowSymbol()]; hit {
			inS++
		} else {
			outS++
		}
	}
	if res.Full {
		inS, outS = len(rows), 0
	}
	if len(rows) != res.After || inS != res.Inserted || outS != res.Untouched {
		return fmt.Errorf("%w: %s: committed rows=%d (S=%d, other=%d), want %d (S=%d, other=%d)",
			ErrPostcondition, t.name, len(rows), inS, outS, res.After, res.Inserted, res.Untouched)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// GroupRows splits rows by symbol, preserving order.
func GroupRows[R Row](rows []R) map[string][]R {
	out := make(map[string][]R)
	for _, r := range rows {
		out[r.RowSymbol()] = append(out[r.RowSymbol()], r)
	}
	return out
}

type rowKey struct {
	symbol string
	date   int64
}

func checkIncoming[R Row](table string, set map[string]struct{}, rows []R) error {
	seen := make(map[rowKey]struct{}, len(rows))
	for _, r := range rows {
		if _, ok := set[r.RowSymbol()]; !ok {
			return fmt.Errorf("%w: %s: row for %q outside replace set", ErrPostcondition, table, r.RowSymbol())
		}
		k := rowKey{r.RowSymbol(), r.RowDate()}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("%w: %s: duplicate row %s@%d", ErrPostcondition, table, k.symbol, k.date)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// mergeRecords deduplicates records by (symbol, date), preferring incoming
// records over existing ones.
func mergeRecords[R Row](existing, incoming []R) (merged []R, added, updated int) {
	seen := make(map[rowKey]R, len(existing)+len(incoming))
	for _, r := range existing {
		seen[rowKey{r.RowSymbol(), r.RowDate()}] = r
	}
	for _, r := range incoming {
		k := rowKey{r.RowSymbol(), r.RowDate()}
		if _, ok := seen[k]; ok {
			updated++
		} else {
			added++
		}
		seen[k] = r
	}

	merged = make([]R, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sortRows(merged)
	return merged, added, updated
}

func sortRows[R Row](rows []R) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].RowSymbol() != rows[j].RowSymbol() {
			return rows[i].RowSymbol() < rows[j].RowSymbol()
		}
		return rows[i].RowDate() < rows[j].RowDate()
	})
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[s] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// writeAtomic writes rows to a temp file beside path, fsyncs it and renames
// it over path.
func writeAtomic[R any](ctx context.Context, path string, rows []R) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+TempMarker+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if err = parquet.Write(f, rows); err != nil {
		return fmt.Errorf("encoding parquet: %w", err)
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = renameFile(tmp, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
