package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadEntriesSortsByName(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "zebra"), []byte{1, 2}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "apple"), []byte{3}, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := readEntries(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (subdir skipped)", len(entries))
	}
	if entries[0].name != "apple" || entries[1].name != "zebra" {
		t.Fatalf("got order %q, %q; want apple before zebra", entries[0].name, entries[1].name)
	}
}

func TestRenderEmitsOneEntryPerBinary(t *testing.T) {
	entries := []binEntry{
		{name: "init", data: []byte{0x7f, 'E', 'L', 'F'}},
		{name: "idle", data: []byte{0x00}},
	}
	src := string(render("boot", "archive", "github.com/Nagi5Yeq/pebpeb-os/internal/archive", entries))

	if !strings.Contains(src, "package boot") {
		t.Fatal("expected the generated file's package clause to match the output directory")
	}
	if !strings.Contains(src, `archive "github.com/Nagi5Yeq/pebpeb-os/internal/archive"`) {
		t.Fatal("expected the resolved archive package name and path to be imported")
	}
	if !strings.Contains(src, `Name: "init"`) || !strings.Contains(src, `Name: "idle"`) {
		t.Fatal("expected both binaries to appear as entries")
	}
	if !strings.Contains(src, "127,69,76,70") {
		t.Fatal("expected init's ELF bytes to be emitted as a byte literal")
	}
}
