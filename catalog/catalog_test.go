package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func zoneCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(
		Entry{Name: "cold-2024-01-09", Zone: "cold", URL: "file:///data/cold/2.tif"},
		Entry{Name: "cold-2024-01-01", Zone: "cold", URL: "file:///data/cold/1.tif"},
		Entry{Name: "cold-2024-01-17", Zone: "cold", URL: "file:///data/cold/3.tif"},
		Entry{Name: "arid-2024-01-01", Zone: "arid", URL: "file:///data/arid/1.tif", Boundary: "file:///data/arid.geojson"},
		Entry{Name: "moisture", URL: "https://example.com/moisture.tif"},
	)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	return c
}

func TestList(t *testing.T) {
	c := zoneCatalog(t)
	var names []string
	for _, e := range c.List() {
		names = append(names, e.Name)
	}
	want := []string{"arid-2024-01-01", "cold-2024-01-01", "cold-2024-01-09", "cold-2024-01-17", "moisture"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("List() names = %v, want %v", names, want)
	}
	if got := c.Zones(); !reflect.DeepEqual(got, []string{"arid", "cold"}) {
		t.Errorf("Zones() = %v, want [arid cold]", got)
	}
}

func TestForStage(t *testing.T) {
	c := zoneCatalog(t)

	testCases := []struct {
		zone    string
		stage   int
		want    string
		wantErr error
	}{
		{zone: "cold", stage: 1, want: "cold-2024-01-01"},
		{zone: "cold", stage: 2, want: "cold-2024-01-09"},
		{zone: "cold", stage: 3, want: "cold-2024-01-17"},
		{zone: "cold", stage: 50, want: "cold-2024-01-17"},
		{zone: "arid", stage: 7, want: "arid-2024-01-01"},
		{zone: "cold", stage: 0, wantErr: ErrInvalidStage},
		{zone: "cold", stage: 51, wantErr: ErrInvalidStage},
	}

	for _, tc := range testCases {
		e, err := c.ForStage(tc.zone, tc.stage)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("ForStage(%q, %d) error = %v, want %v", tc.zone, tc.stage, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ForStage(%q, %d) returned an unexpected error: %v", tc.zone, tc.stage, err)
			continue
		}
		if e.Name != tc.want {
			t.Errorf("ForStage(%q, %d) = %q, want %q", tc.zone, tc.stage, e.Name, tc.want)
		}
	}

	_, err := c.ForStage("colt", 1)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("ForStage() on an unknown zone error = %v, want *NotFoundError", err)
	}
	if !reflect.DeepEqual(nf.Suggestions, []string{"cold"}) {
		t.Errorf("Suggestions = %v, want [cold]", nf.Suggestions)
	}
}

func TestLookup(t *testing.T) {
	c := zoneCatalog(t)

	e, err := c.Lookup("moisture")
	if err != nil {
		t.Fatalf("Lookup() returned an unexpected error: %v", err)
	}
	if e.URL != "https://example.com/moisture.tif" {
		t.Errorf("URL = %q", e.URL)
	}

	testCases := []struct {
		name string
		want []string
	}{
		{name: "moistur", want: []string{"moisture"}},
		{name: "MOISTURE", want: []string{"moisture"}},
		{name: "cold-2024-01-19", want: []string{"cold-2024-01-09", "cold-2024-01-17", "cold-2024-01-01"}},
		{name: "lst", want: []string{}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Lookup(tc.name)
			var nf *NotFoundError
			if !errors.As(err, &nf) {
				t.Fatalf("Lookup() error = %v, want *NotFoundError", err)
			}
			if !reflect.DeepEqual(nf.Suggestions, tc.want) {
				t.Errorf("Suggestions = %v, want %v", nf.Suggestions, tc.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	testCases := []struct {
		name    string
		entries []Entry
	}{
		{name: "missing name", entries: []Entry{{URL: "a.tif"}}},
		{name: "missing url", entries: []Entry{{Name: "a"}}},
		{name: "duplicate", entries: []Entry{{Name: "a", URL: "a.tif"}, {Name: "a", URL: "b.tif"}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.entries...); err == nil {
				t.Error("New() expected an error, but got none")
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "catalog.json")
	data := `[{"name":"cold-1","zone":"cold","url":"s3://farmit/cold/1.tif","boundary":"s3://farmit/cold.geojson"}]`
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadFile(p)
	if err != nil {
		t.Fatalf("ReadFile() returned an unexpected error: %v", err)
	}
	entries = append(entries, FromSources(map[string]string{"moisture": "moisture.tif"})...)
	c, err := New(entries...)
	if err != nil {
		t.Fatalf("New() returned an unexpected error: %v", err)
	}
	e, err := c.ForStage("cold", 4)
	if err != nil {
		t.Fatalf("ForStage() returned an unexpected error: %v", err)
	}
	if e.Boundary != "s3://farmit/cold.geojson" {
		t.Errorf("Boundary = %q", e.Boundary)
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ReadFile() on a missing file expected an error, but got none")
	}
}
