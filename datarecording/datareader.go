package datarecording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// QueryParams selects and pages the rows of a table.
type QueryParams struct {
	// Where is a condition without the WHERE keyword, for example
	// "VMID = ? AND Level >= ?".
	Where string
	Args  []any

	// Limit caps the rows returned. Zero returns every row.
	Limit  int
	Offset int

	// OrderBy is a sort clause without the ORDER BY keywords.
	OrderBy string
}

func (p QueryParams) clauses() string {
	var b strings.Builder

	if p.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(p.Where)
	}

	if p.OrderBy != "" {
		b.WriteString(" ORDER BY ")
		b.WriteString(p.OrderBy)
	}

	if p.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", p.Limit)

		if p.Offset > 0 {
			fmt.Fprintf(&b, " OFFSET %d", p.Offset)
		}
	}

	return b.String()
}

// ErrUnmappedTable is returned when querying a table MapTable was not
// called for.
var ErrUnmappedTable = errors.New("no mapping found for table")

// DataReader reads rows back into the structs they were recorded from.
type DataReader interface {
	// MapTable binds a table to the struct type its rows decode into.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns the mapped tables, sorted.
	ListTables() []string

	// Query returns pointers to decoded rows and the number of rows that
	// match params.Where, ignoring the paging.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	Close() error
}

type sqliteReader struct {
	db    *sql.DB
	types map[string]reflect.Type
}

// NewReader opens the database file written by a DataRecorder. The
// translation tables are mapped already.
func NewReader(dbFilename string) (DataReader, error) {
	db, err := sql.Open("sqlite3", dbFilename)
	if err != nil {
		return nil, err
	}

	return NewReaderWithDB(db), nil
}

// NewReaderWithDB creates a DataReader on an open database. The translation
// tables are mapped already.
func NewReaderWithDB(db *sql.DB) DataReader {
	r := &sqliteReader{
		db:    db,
		types: make(map[string]reflect.Type),
	}

	r.MapTable(TableSamples, SampleRow{})
	r.MapTable(TableOptimizations, OptimizationRow{})
	r.MapTable(TableFlushes, FlushRow{})
	r.MapTable(TableFaults, FaultRow{})

	return r
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.types[tableName] = reflect.TypeOf(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	tables := make([]string, 0, len(r.types))
	for table := range r.types {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	return tables
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	rowType, ok := r.types[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnmappedTable, tableName)
	}

	var total int

	countQuery := "SELECT COUNT(*) FROM " + tableName
	if params.Where != "" {
		countQuery += " WHERE " + params.Where
	}

	err := r.db.QueryRowContext(ctx, countQuery, params.Args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT * FROM "+tableName+params.clauses(), params.Args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := scanRows(rows, rowType)
	if err != nil {
		return nil, 0, err
	}

	return results, total, nil
}

// scanRows decodes each row into a new value of rowType, matching columns
// to fields by name. Columns without a field are skipped.
func scanRows(rows *sql.Rows, rowType reflect.Type) ([]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []any

	for rows.Next() {
		ptr := reflect.New(rowType)
		targets := make([]any, len(columns))

		for i, col := range columns {
			if f := ptr.Elem().FieldByName(col); f.IsValid() && f.CanSet() {
				targets[i] = f.Addr().Interface()
				continue
			}

			var skip any
			targets[i] = &skip
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, ptr.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.db.Close()
}

// Rows runs a query on a table mapped to T and returns the decoded rows.
func Rows[T any](
	ctx context.Context,
	r DataReader,
	tableName string,
	params QueryParams,
) ([]T, error) {
	results, _, err := r.Query(ctx, tableName, params)
	if err != nil {
		return nil, err
	}

	out := make([]T, 0, len(results))
	for _, res := range results {
		row, ok := res.(*T)
		if !ok {
			return nil, fmt.Errorf("table %s does not hold %T rows",
				tableName, *new(T))
		}

		out = append(out, *row)
	}

	return out, nil
}

// FaultsOf returns the recorded faults of a VM, oldest first.
func FaultsOf(ctx context.Context, r DataReader, vmid uint16) ([]FaultRow, error) {
	return Rows[FaultRow](ctx, r, TableFaults, QueryParams{
		Where:   "VMID = ?",
		Args:    []any{vmid},
		OrderBy: "Time",
	})
}
