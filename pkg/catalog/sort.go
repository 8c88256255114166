package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dashctl/dashctl/pkg/models"
)

// Column is a sortable attribute of a FileRecord.
type Column int

const (
	ColumnIndex Column = iota
	ColumnName
	ColumnSize
	ColumnTime
)

func (c Column) String() string {
	switch c {
	case ColumnIndex:
		return "index"
	case ColumnName:
		return "name"
	case ColumnSize:
		return "size"
	case ColumnTime:
		return "time"
	default:
		return fmt.Sprintf("column(%d)", int(c))
	}
}

// ParseColumn accepts the names returned by Column.String.
func ParseColumn(s string) (Column, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "index", "":
		return ColumnIndex, nil
	case "name", "filename":
		return ColumnName, nil
	case "size", "filesize":
		return ColumnSize, nil
	case "time", "filetime":
		return ColumnTime, nil
	}
	return 0, fmt.Errorf("unknown sort column %q", s)
}

// SortBy sorts records in place. The sort is stable, so equal keys keep
// their current relative order in both directions.
func SortBy(records []models.FileRecord, column Column, ascending bool) {
	less := lessFunc(column)
	sort.SliceStable(records, func(i, j int) bool {
		if ascending {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}

func lessFunc(column Column) func(a, b models.FileRecord) bool {
	switch column {
	case ColumnName:
		return func(a, b models.FileRecord) bool { return a.Name < b.Name }
	case ColumnSize:
		return func(a, b models.FileRecord) bool { return a.SizeMB < b.SizeMB }
	case ColumnTime:
		return func(a, b models.FileRecord) bool { return a.Time < b.Time }
	default:
		return func(a, b models.FileRecord) bool { return a.Index < b.Index }
	}
}

// SortState remembers, per column, which direction the next toggle uses.
// The first toggle of any column sorts ascending.
type SortState struct {
	descNext  map[Column]bool
	last      Column
	lastDesc  bool
	hasSorted bool
}

// NewSortState returns a state where no column has been sorted yet.
func NewSortState() *SortState {
	return &SortState{descNext: make(map[Column]bool)}
}

// Toggle returns the direction to sort column in and flips its memory.
// Other columns are untouched.
func (s *SortState) Toggle(column Column) (ascending bool) {
	desc := s.descNext[column]
	s.descNext[column] = !desc
	s.last, s.lastDesc, s.hasSorted = column, desc, true
	return !desc
}

// Last returns the most recent sort, if any.
func (s *SortState) Last() (column Column, ascending bool, ok bool) {
	return s.last, !s.lastDesc, s.hasSorted
}

// Set records an explicit sort. The column's toggle memory is left so the
// next Toggle flips away from it.
func (s *SortState) Set(column Column, ascending bool) {
	s.descNext[column] = ascending
	s.last, s.lastDesc, s.hasSorted = column, !ascending, true
}
