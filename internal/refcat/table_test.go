package refcat

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func sampleTable(t *testing.T) *Table {
	t.Helper()
	table, err := ParseCSV(strings.NewReader(
		"object_id,g_psf\n1,15.5\n2,16.0\n1,15.5\n3,17.25\n"))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	return table
}

func TestParseCSVEmpty(t *testing.T) {
	if _, err := ParseCSV(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestColumnMissing(t *testing.T) {
	table := sampleTable(t)
	if _, err := table.Column("r_psf"); err == nil {
		t.Fatal("expected error for unknown column")
	}
}

func TestFloats(t *testing.T) {
	table := sampleTable(t)

	mags, err := table.Floats("g_psf")
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	want := []float64{15.5, 16.0, 15.5, 17.25}
	if len(mags) != len(want) {
		t.Fatalf("got %d values, want %d", len(mags), len(want))
	}
	for i := range want {
		if mags[i] != want[i] {
			t.Errorf("mags[%d] = %v, want %v", i, mags[i], want[i])
		}
	}
}

func TestFloatsRejectsNonNumeric(t *testing.T) {
	table, err := ParseCSV(strings.NewReader("g_psf\nnot-a-number\n"))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if _, err := table.Floats("g_psf"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestDedup(t *testing.T) {
	table := sampleTable(t)

	if err := table.Dedup("object_id"); err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	ids, _ := table.Column("object_id")
	want := []string{"1", "2", "3"}
	if len(ids) != len(want) {
		t.Fatalf("got ids %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	if err := table.Dedup("missing"); err == nil {
		t.Error("expected error for unknown key column")
	}
}

func TestAppendRejectsDifferentColumns(t *testing.T) {
	a, _ := ParseCSV(strings.NewReader("x,y\n1,2\n"))
	b, _ := ParseCSV(strings.NewReader("x,z\n3,4\n"))

	if err := a.Append(b); err == nil {
		t.Fatal("expected error for differing columns")
	}
}

func TestWriteCSVFileRoundTrip(t *testing.T) {
	table := sampleTable(t)
	path := filepath.Join(t.TempDir(), "refcat", "refcat.csv")

	if err := table.WriteCSVFile(path); err != nil {
		t.Fatalf("WriteCSVFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	got, err := ParseCSV(f)
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	if got.NumRows() != table.NumRows() || len(got.Columns) != len(table.Columns) {
		t.Errorf("round trip changed shape: %dx%d vs %dx%d",
			got.NumRows(), len(got.Columns), table.NumRows(), len(table.Columns))
	}
}
