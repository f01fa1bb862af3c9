package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/csvagg/csvagg/internal/plan"
)

func writeCSV(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "in.csv")
	if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, spec, csv string) []string {
	t.Helper()
	p, err := plan.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	e := New(p, nil, 0)
	e.SetLogf(func(string, ...interface{}) {})
	e.Aggregate(writeCSV(t, csv))

	var buf bytes.Buffer
	if err := e.Emit(&buf); err != nil {
		t.Fatal(err)
	}
	return dataRows(t, buf.String())
}

// dataRows splits rendered CSV into its data rows (header dropped),
// sorted so tests can compare as a set.
func dataRows(t *testing.T, out string) []string {
	t.Helper()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 {
		t.Fatal("no output at all")
	}
	rows := append([]string(nil), lines[1:]...)
	sort.Strings(rows)
	return rows
}

func TestDowncaseCityCount(t *testing.T) {
	rows := run(t, "downcase(city),count()", "city\nNYC\nnyc\nLA\n")
	want := []string{`"la",1`, `"nyc",2`}
	if !equalSlices(rows, want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
}

func TestKeyMinMax(t *testing.T) {
	rows := run(t, "k=downcase(k),min(v),max(v)", "k,v\nA,3\na,-1\nB,5\n")
	want := []string{`"a",-1,3`, `"b",5,5`}
	if !equalSlices(rows, want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
}

func TestMinstrMaxstrNoKey(t *testing.T) {
	rows := run(t, "minstr(s),maxstr(s)", "s\npear\napple\nbanana\n")
	want := []string{`"apple","pear"`}
	if !equalSlices(rows, want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
}

func TestTop20CapsAtFirstTwentyDistinct(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("tag,v\n")
	for i := 1; i <= 25; i++ {
		sb.WriteString("x,v")
		sb.WriteString(itoa(i))
		sb.WriteString("\n")
	}
	rows := run(t, "downcase(tag),top20(v)", sb.String())
	if len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}
	idx := strings.Index(rows[0], ",")
	list := strings.Trim(rows[0][idx+1:], `"`)
	vals := strings.Split(list, ",")
	if len(vals) != 20 {
		t.Fatalf("top20 list = %v (%d entries)", vals, len(vals))
	}
	if vals[0] != "v1" || vals[19] != "v20" {
		t.Fatalf("top20 list = %v", vals)
	}
}

func TestImplicitStrSugarMatchesExplicit(t *testing.T) {
	csv := "col1,x\na,1\nb,2\na,3\n"
	implicit := run(t, "col1,count()", csv)
	explicit := run(t, "str(col1),count()", csv)
	if !equalSlices(implicit, explicit) {
		t.Fatalf("implicit = %v, explicit = %v", implicit, explicit)
	}
}

func TestMergeRoundTrip(t *testing.T) {
	spec := "k=downcase(k),min(v),max(v)"
	p1, err := plan.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	e1 := New(p1, nil, 0)
	e1.SetLogf(func(string, ...interface{}) {})
	e1.Aggregate(writeCSV(t, "k,v\nA,3\na,-1\nB,5\n"))
	var buf bytes.Buffer
	if err := e1.Emit(&buf); err != nil {
		t.Fatal(err)
	}
	first := dataRows(t, buf.String())

	p2, err := plan.Parse(spec)
	if err != nil {
		t.Fatal(err)
	}
	e2 := New(p2, nil, 0)
	e2.SetLogf(func(string, ...interface{}) {})
	e2.Merge(writeCSV(t, buf.String()))
	var buf2 bytes.Buffer
	if err := e2.Emit(&buf2); err != nil {
		t.Fatal(err)
	}
	second := dataRows(t, buf2.String())

	if !equalSlices(first, second) {
		t.Fatalf("first = %v, second (after merge round trip) = %v", first, second)
	}
}

func TestEmptyFieldsRowIsNotShort(t *testing.T) {
	var skipped int
	p, err := plan.Parse("k,count()")
	if err != nil {
		t.Fatal(err)
	}
	e := New(p, nil, 0)
	e.SetLogf(func(string, ...interface{}) { skipped++ })
	e.Aggregate(writeCSV(t, "k,extra\na,1\n,\nb,2\n"))

	var buf bytes.Buffer
	if err := e.Emit(&buf); err != nil {
		t.Fatal(err)
	}
	rows := dataRows(t, buf.String())
	want := []string{`"",1`, `"a",1`, `"b",1`}
	if !equalSlices(rows, want) {
		t.Fatalf("rows = %v, want %v (skipped=%d)", rows, want, skipped)
	}
}

// TestRowSkipThresholdIsHeaderWidthNotTouchedColumns verifies that a row
// is judged short against the file's header column count, not the
// highest column the plan happens to touch: a plan touching only column
// 0 of a two-column header must still reject a one-field row.
func TestRowSkipThresholdIsHeaderWidthNotTouchedColumns(t *testing.T) {
	var skipped int
	p, err := plan.Parse("k,count()")
	if err != nil {
		t.Fatal(err)
	}
	e := New(p, nil, 0)
	e.SetLogf(func(string, ...interface{}) { skipped++ })
	e.Aggregate(writeCSV(t, "k,extra\na,1\na\nb,2\n"))

	var buf bytes.Buffer
	if err := e.Emit(&buf); err != nil {
		t.Fatal(err)
	}
	rows := dataRows(t, buf.String())
	want := []string{`"a",1`, `"b",1`}
	if !equalSlices(rows, want) {
		t.Fatalf("rows = %v, want %v (skipped=%d)", rows, want, skipped)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1 (the bare \"a\" row)", skipped)
	}
}

func TestFileSkipOnMissingColumn(t *testing.T) {
	var msgs []string
	p, err := plan.Parse("min(missing)")
	if err != nil {
		t.Fatal(err)
	}
	e := New(p, nil, 0)
	e.SetLogf(func(format string, args ...interface{}) { msgs = append(msgs, format) })
	e.Aggregate(writeCSV(t, "a,b\n1,2\n"))

	var buf bytes.Buffer
	if err := e.Emit(&buf); err != nil {
		t.Fatal(err)
	}
	if len(dataRows(t, buf.String())) != 0 {
		t.Fatal("expected no rows for a skipped file")
	}
	if len(msgs) == 0 {
		t.Fatal("expected a file-skip diagnostic")
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}
