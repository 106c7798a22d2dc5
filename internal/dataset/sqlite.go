package dataset

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hurttlocker/stratify/internal/schema"
	"github.com/hurttlocker/stratify/internal/signal"
)

// SQLite is the reference Dataset implementation: rows are stored as
// ordered JSON documents in a single SQLite database, with the schema
// manifest persisted alongside. Use ":memory:" for ephemeral datasets.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a dataset database at the given path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS items (
			pos  INTEGER PRIMARY KEY AUTOINCREMENT,
			id   TEXT NOT NULL UNIQUE,
			data TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS manifest (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dataset tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

// NewMemory returns an empty in-memory dataset.
func NewMemory() (*SQLite, error) {
	return OpenSQLite(":memory:")
}

// Close releases the underlying database.
func (d *SQLite) Close() error { return d.db.Close() }

// AddItems appends items in order, assigning row identifiers where absent,
// and unions their inferred schema into the manifest. An explicit schema
// may be passed to override inference.
func (d *SQLite) AddItems(items []schema.Item, explicit *schema.Schema) error {
	s := explicit
	if s == nil {
		inferred, err := schema.Infer(items)
		if err != nil {
			return fmt.Errorf("inferring schema: %w", err)
		}
		s = inferred
	}
	if _, ok := s.Fields[IDColumn]; !ok {
		if s.Fields == nil {
			s.Fields = make(map[string]*schema.Field)
		}
		s.Fields[IDColumn] = schema.Leaf(schema.String)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := d.loadSchemaTx(tx)
	if err != nil {
		return err
	}
	if existing != nil {
		for name, f := range s.Fields {
			if _, ok := existing.Fields[name]; !ok {
				existing.Fields[name] = f
			}
		}
		s = existing
	}

	for _, item := range items {
		id, _ := item[IDColumn].(string)
		if id == "" {
			id = uuid.NewString()
			item = cloneItemShallow(item)
			item[IDColumn] = id
		}
		data, err := schema.EncodeItem(item)
		if err != nil {
			return fmt.Errorf("encoding item %s: %w", id, err)
		}
		if _, err := tx.Exec(`INSERT INTO items (id, data) VALUES (?, ?)`, id, string(data)); err != nil {
			return fmt.Errorf("inserting item %s: %w", id, err)
		}
	}
	if err := d.saveSchemaTx(tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

// Manifest returns the dataset schema and row count.
func (d *SQLite) Manifest() (*Manifest, error) {
	s, err := d.loadSchema()
	if err != nil {
		return nil, err
	}
	if s == nil {
		s = &schema.Schema{Fields: map[string]*schema.Field{}}
	}
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}
	return &Manifest{Schema: s, NumItems: n}, nil
}

// SelectRows resolves the requested columns and returns a single-pass
// cursor over the merged rows, in dataset row order.
func (d *SQLite) SelectRows(opts SelectOptions) (*Rows, error) {
	s, err := d.loadSchema()
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("dataset has no schema; add items first")
	}
	cols, err := resolveColumns(opts.Columns, s)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(`SELECT id, data FROM items ORDER BY pos LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	return &Rows{rows: rows, schema: s, cols: cols, combine: opts.CombineColumns}, nil
}

// Map applies fn to every row and writes the result under outputPath.
func (d *SQLite) Map(fn MapFn, outputPath schema.Path, overwrite bool) error {
	s, err := d.loadSchema()
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("dataset has no schema")
	}
	if !overwrite && s.HasField(outputPath) {
		return fmt.Errorf("output path %s already exists; pass overwrite to replace it", outputPath)
	}

	stored, err := d.readAll(s)
	if err != nil {
		return err
	}
	outputs := make([]any, len(stored))
	for i, row := range stored {
		outputs[i] = fn(row.item)
	}

	outField, err := inferOutputField(outputs)
	if err != nil {
		return fmt.Errorf("inferring schema for %s: %w", outputPath, err)
	}
	return d.writeOutputs(s, stored, outputs, outputPath, outField)
}

// Transform feeds the sub-items at inputPath (sorted by opts.SortBy when
// set) through fn and writes the outputs back under outputPath, one per
// originating row. The write and the schema update share one transaction,
// so an interrupted transform leaves the output path absent from the
// manifest.
func (d *SQLite) Transform(fn TransformFn, inputPath, outputPath schema.Path, opts TransformOptions) error {
	s, err := d.loadSchema()
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("dataset has no schema")
	}
	if !opts.Overwrite && s.HasField(outputPath) {
		return fmt.Errorf("output path %s already exists; pass overwrite to replace it", outputPath)
	}

	stored, err := d.readAll(s)
	if err != nil {
		return err
	}

	order := make([]int, len(stored))
	for i := range order {
		order[i] = i
	}
	if len(opts.SortBy) > 0 {
		sort.SliceStable(order, func(a, b int) bool {
			va := walkValue(stored[order[a]].item, opts.SortBy, false)
			vb := walkValue(stored[order[b]].item, opts.SortBy, false)
			return lessValue(va, vb)
		})
	}

	inputs := make([]schema.Item, len(stored))
	for i, idx := range order {
		inputs[i] = subItemAt(stored[idx].item, inputPath)
	}
	results, err := fn(inputs)
	if err != nil {
		return err
	}
	if len(results) != len(stored) {
		return fmt.Errorf("transform returned %d items for %d rows", len(results), len(stored))
	}

	outputs := make([]any, len(stored))
	for i, idx := range order {
		outputs[idx] = results[i]
	}

	outField := opts.OutputSchema
	if outField == nil {
		outField, err = inferOutputField(outputs)
		if err != nil {
			return fmt.Errorf("inferring schema for %s: %w", outputPath, err)
		}
	}
	return d.writeOutputs(s, stored, outputs, outputPath, outField)
}

// Stats returns the number of non-null values at the path.
func (d *SQLite) Stats(path schema.Path) (Stats, error) {
	s, err := d.loadSchema()
	if err != nil {
		return Stats{}, err
	}
	if s == nil {
		return Stats{}, nil
	}
	if _, err := s.GetField(path); err != nil {
		return Stats{}, err
	}
	stored, err := d.readAll(s)
	if err != nil {
		return Stats{}, err
	}
	var count int64
	for _, row := range stored {
		for _, leaf := range flattenLeaves(walkValue(row.item, path, false), nil) {
			if leaf != nil {
				count++
			}
		}
	}
	return Stats{TotalCount: count}, nil
}

// ComputeSignal runs a named signal over the leaf values at the path and
// materializes its outputs as enrichment, annotating the schema with the
// signal's declared fields.
func (d *SQLite) ComputeSignal(sig signal.Signal, path schema.Path) error {
	s, err := d.loadSchema()
	if err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("dataset has no schema")
	}
	field, err := s.GetField(path)
	if err != nil {
		return err
	}
	if field.DType == "" {
		return fmt.Errorf("signal input path %s must be a leaf field", path)
	}

	stored, err := d.readAll(s)
	if err != nil {
		return err
	}

	// One batch across all rows; reshape back row by row.
	shapes := make([]any, len(stored))
	var leaves []any
	counts := make([]int, len(stored))
	for i, row := range stored {
		shapes[i] = walkValue(row.item, path, false)
		rowLeaves := flattenLeaves(shapes[i], nil)
		counts[i] = len(rowLeaves)
		leaves = append(leaves, rowLeaves...)
	}
	outs, err := sig.Compute(leaves)
	if err != nil {
		return fmt.Errorf("computing signal %q: %w", sig.Name(), err)
	}
	if len(outs) != len(leaves) {
		return fmt.Errorf("signal %q returned %d outputs for %d inputs", sig.Name(), len(outs), len(leaves))
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cursor := 0
	for i, row := range stored {
		rowOuts := outs[cursor : cursor+counts[i]]
		cursor += counts[i]
		idx := 0
		if err := replaceAt(row.item, path, func(old any) any {
			out := rowOuts[idx]
			idx++
			if e, ok := old.(*schema.Enriched); ok {
				e.Signals[sig.Name()] = out
				return e
			}
			return schema.NewEnriched(old, map[string]any{sig.Name(): out})
		}); err != nil {
			return fmt.Errorf("enriching row %s: %w", row.id, err)
		}
		if err := d.updateRowTx(tx, row); err != nil {
			return err
		}
	}

	sigField := sig.Fields()
	sigField.Signal = &schema.SignalInfo{Name: sig.Name()}
	if field.Fields == nil {
		field.Fields = make(map[string]*schema.Field)
	}
	field.Fields[sig.Name()] = sigField
	if err := d.saveSchemaTx(tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

type storedRow struct {
	pos  int64
	id   string
	item schema.Item
}

func (d *SQLite) readAll(s *schema.Schema) ([]storedRow, error) {
	rows, err := d.db.Query(`SELECT pos, id, data FROM items ORDER BY pos`)
	if err != nil {
		return nil, fmt.Errorf("reading items: %w", err)
	}
	defer rows.Close()

	var out []storedRow
	for rows.Next() {
		var pos int64
		var id, data string
		if err := rows.Scan(&pos, &id, &data); err != nil {
			return nil, err
		}
		item, err := schema.DecodeItem([]byte(data), s)
		if err != nil {
			return nil, fmt.Errorf("decoding item %s: %w", id, err)
		}
		out = append(out, storedRow{pos: pos, id: id, item: item})
	}
	return out, rows.Err()
}

// writeOutputs writes one output per row under outputPath and installs the
// output schema, all in a single transaction.
func (d *SQLite) writeOutputs(s *schema.Schema, stored []storedRow, outputs []any, outputPath schema.Path, outField *schema.Field) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, row := range stored {
		setAtPath(row.item, outputPath, outputs[i])
		if err := d.updateRowTx(tx, row); err != nil {
			return err
		}
	}
	if err := s.SetField(outputPath, outField); err != nil {
		return err
	}
	if err := d.saveSchemaTx(tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *SQLite) updateRowTx(tx *sql.Tx, row storedRow) error {
	data, err := schema.EncodeItem(row.item)
	if err != nil {
		return fmt.Errorf("encoding item %s: %w", row.id, err)
	}
	if _, err := tx.Exec(`UPDATE items SET data = ? WHERE pos = ?`, string(data), row.pos); err != nil {
		return fmt.Errorf("updating item %s: %w", row.id, err)
	}
	return nil
}

func (d *SQLite) loadSchema() (*schema.Schema, error) {
	var raw string
	err := d.db.QueryRow(`SELECT value FROM manifest WHERE key = 'schema'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	var s schema.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return &s, nil
}

func (d *SQLite) loadSchemaTx(tx *sql.Tx) (*schema.Schema, error) {
	var raw string
	err := tx.QueryRow(`SELECT value FROM manifest WHERE key = 'schema'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	var s schema.Schema
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return &s, nil
}

func (d *SQLite) saveSchemaTx(tx *sql.Tx, s *schema.Schema) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling schema: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO manifest (key, value) VALUES ('schema', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(raw))
	if err != nil {
		return fmt.Errorf("saving schema: %w", err)
	}
	return nil
}

// inferOutputField derives the output schema from the outputs, unioning
// record fields across rows so a value that is nil in early rows still
// gets its type from a later one.
func inferOutputField(outputs []any) (*schema.Field, error) {
	var merged *schema.Field
	for _, out := range outputs {
		f, err := schema.InferValue(out)
		if err != nil {
			return nil, err
		}
		if f == nil {
			continue
		}
		if merged == nil {
			merged = f
			continue
		}
		unionFields(merged, f)
	}
	if merged == nil {
		return nil, fmt.Errorf("all outputs are nil")
	}
	return merged, nil
}

func unionFields(dst, src *schema.Field) {
	if dst.DType == "" {
		dst.DType = src.DType
	}
	if src.Repeated != nil {
		if dst.Repeated == nil {
			dst.Repeated = src.Repeated
		} else {
			unionFields(dst.Repeated, src.Repeated)
		}
	}
	for name, f := range src.Fields {
		if dst.Fields == nil {
			dst.Fields = make(map[string]*schema.Field)
		}
		if existing, ok := dst.Fields[name]; ok {
			unionFields(existing, f)
		} else {
			dst.Fields[name] = f
		}
	}
}

func cloneItemShallow(item schema.Item) schema.Item {
	out := make(schema.Item, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	return out
}

// subItemAt returns the record value at path, or an empty item when the
// path is absent for this row.
func subItemAt(item schema.Item, path schema.Path) schema.Item {
	v := walkValue(item, path, true)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return schema.Item{}
}

// setAtPath writes a value at a wildcard-free path, creating intermediate
// records as needed.
func setAtPath(item schema.Item, path schema.Path, value any) {
	cur := item
	for _, part := range path[:len(path)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

// replaceAt rewrites the value(s) addressed by path in place, mapping over
// wildcard elements.
func replaceAt(v any, path schema.Path, fn func(any) any) error {
	if len(path) == 1 {
		part := path[0]
		if part == schema.Wildcard {
			list, ok := v.([]any)
			if !ok {
				return nil
			}
			for i := range list {
				list[i] = fn(list[i])
			}
			return nil
		}
		switch t := v.(type) {
		case map[string]any:
			t[part] = fn(t[part])
			return nil
		case *schema.Enriched:
			t.Signals[part] = fn(t.Signals[part])
			return nil
		}
		return fmt.Errorf("cannot address %q in %T", part, v)
	}
	part := path[0]
	if part == schema.Wildcard {
		list, ok := v.([]any)
		if !ok {
			return nil
		}
		for _, elem := range list {
			if err := replaceAt(elem, path[1:], fn); err != nil {
				return err
			}
		}
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		if t[part] == nil {
			return nil
		}
		return replaceAt(t[part], path[1:], fn)
	case *schema.Enriched:
		if t.Signals[part] == nil {
			return nil
		}
		return replaceAt(t.Signals[part], path[1:], fn)
	}
	return nil
}

// lessValue orders sort keys: nils first, then numbers, then strings.
func lessValue(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}
