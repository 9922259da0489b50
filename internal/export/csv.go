package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/maltedev/shop-scraper/internal/models"
)

// ErrHeaderMismatch is returned when appending to a file whose header is not
// the header of the chosen column set.
var ErrHeaderMismatch = errors.New("existing header does not match column set")

// Mode is decided by configuration, never by whether the file exists.
type Mode string

const (
	ModeOverwrite Mode = "overwrite"
	ModeAppend    Mode = "append"
)

// ParseMode accepts "overwrite" or "append".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOverwrite, ModeAppend:
		return m, nil
	}
	return "", fmt.Errorf("unknown write mode %q", s)
}

// ColumnSet selects the columns of every row.
type ColumnSet string

const (
	ColumnsBasic    ColumnSet = "basic"
	ColumnsExtended ColumnSet = "extended"
)

// ParseColumns accepts "basic" or "extended".
func ParseColumns(s string) (ColumnSet, error) {
	switch c := ColumnSet(s); c {
	case ColumnsBasic, ColumnsExtended:
		return c, nil
	}
	return "", fmt.Errorf("unknown column set %q", s)
}

// Header names the columns of the set, in row order.
func Header(columns ColumnSet) []string {
	header := []string{"Site", "Title", "Price", "URL"}
	if columns == ColumnsExtended {
		header = append(header, "Rating", "Description", "FetchedAt")
	}
	return header
}

// Row renders rec for the column set. FetchedAt is RFC 3339 in UTC.
func Row(rec models.ProductRecord, columns ColumnSet) []string {
	row := []string{string(rec.Site), rec.Title, rec.Price, rec.URL}
	if columns == ColumnsExtended {
		fetchedAt := ""
		if !rec.FetchedAt.IsZero() {
			fetchedAt = rec.FetchedAt.UTC().Format(time.RFC3339)
		}
		row = append(row, rec.Rating, rec.Description, fetchedAt)
	}
	return row
}

// CSVWriter appends rows to a CSV file and flushes after every Write so that
// rows written so far survive a crash.
type CSVWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
	columns ColumnSet
	path    string
	rows    int
}

// Open prepares path for writing. A header row is written only when the file
// is empty once opened. Appending to a non-empty file requires its first row
// to match the header of columns.
func Open(path string, mode Mode, columns ColumnSet) (*CSVWriter, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if _, err := ParseColumns(string(columns)); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	flags := os.O_CREATE
	if mode == ModeAppend {
		flags |= os.O_RDWR | os.O_APPEND
	} else {
		flags |= os.O_WRONLY | os.O_TRUNC
	}

	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	w := &CSVWriter{
		file:    file,
		writer:  csv.NewWriter(file),
		columns: columns,
		path:    path,
	}

	if info.Size() > 0 {
		if err := checkHeader(file, columns); err != nil {
			file.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if info.Size() == 0 {
		if err := w.writer.Write(Header(columns)); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		w.writer.Flush()
		if err := w.writer.Error(); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}

	return w, nil
}

func checkHeader(file *os.File, columns ColumnSet) error {
	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	got, err := r.Read()
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}

	want := Header(columns)
	if !slices.Equal(got, want) {
		return fmt.Errorf("%w: file has %q, %s writes %q", ErrHeaderMismatch, got, columns, want)
	}
	return nil
}

// Write appends the records and flushes them.
func (w *CSVWriter) Write(records ...models.ProductRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		if err := w.writer.Write(Row(rec, w.columns)); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush rows: %w", err)
	}

	w.rows += len(records)
	return nil
}

// Rows counts data rows written through this writer.
func (w *CSVWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Path is the file being written.
func (w *CSVWriter) Path() string {
	return w.path
}

func (w *CSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.writer.Flush()
	flushErr := w.writer.Error()
	if err := w.file.Close(); err != nil {
		return err
	}
	return flushErr
}
