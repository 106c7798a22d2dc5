package dataset

import (
	"database/sql"

	"github.com/hurttlocker/stratify/internal/schema"
)

// Rows is a single-pass cursor over selected rows. Each row is merged
// from its resolved columns on demand.
type Rows struct {
	rows    *sql.Rows
	schema  *schema.Schema
	cols    []resolvedColumn
	combine bool

	cur schema.Item
	err error
}

// Next advances to the next row. It returns false at the end of the
// result set or on error; check Err afterwards.
func (r *Rows) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return false
	}
	var id, data string
	if err := r.rows.Scan(&id, &data); err != nil {
		r.err = err
		return false
	}
	item, err := schema.DecodeItem([]byte(data), r.schema)
	if err != nil {
		r.err = err
		return false
	}
	if r.combine {
		r.cur, r.err = buildCombinedRow(id, item, r.cols)
	} else {
		r.cur, r.err = buildFlatRow(id, item, r.cols)
	}
	return r.err == nil
}

// Item returns the current row.
func (r *Rows) Item() schema.Item { return r.cur }

// Err returns the first error encountered during iteration.
func (r *Rows) Err() error { return r.err }

// Close releases the cursor.
func (r *Rows) Close() error { return r.rows.Close() }

// Collect drains the cursor into a slice and closes it.
func (r *Rows) Collect() ([]schema.Item, error) {
	defer r.Close()
	var out []schema.Item
	for r.Next() {
		out = append(out, r.Item())
	}
	return out, r.Err()
}
