package archive

import "testing"

func TestReadFileNamedEntry(t *testing.T) {
	a := New([]Entry{{Name: "hello", Data: []byte("hello world")}})
	buf := make([]byte, 5)
	n, errn := a.ReadFile("hello", buf, 5, 0)
	if errn != 0 || n != 5 || string(buf) != "hello" {
		t.Fatalf("got n=%d errn=%d buf=%q", n, errn, buf)
	}
}

func TestReadFileMissing(t *testing.T) {
	a := New(nil)
	buf := make([]byte, 4)
	if _, errn := a.ReadFile("nope", buf, 4, 0); errn == 0 {
		t.Fatal("expected error for missing entry")
	}
}

func TestReadDotListing(t *testing.T) {
	a := New([]Entry{{Name: "a"}, {Name: "bb"}})
	buf := make([]byte, 64)
	n, errn := a.ReadFile(".", buf, 64, 0)
	if errn != 0 {
		t.Fatalf("unexpected error: %d", errn)
	}
	want := "a\x00bb\x00"
	if string(buf[:n]) != want {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}

func TestReadDotListingPartialOffset(t *testing.T) {
	a := New([]Entry{{Name: "ab"}, {Name: "c"}})
	buf := make([]byte, 64)
	// offset 1 skips the 'a' of the first entry's name
	n, errn := a.ReadFile(".", buf, 64, 1)
	if errn != 0 {
		t.Fatalf("unexpected error: %d", errn)
	}
	want := "b\x00c\x00"
	if string(buf[:n]) != want {
		t.Fatalf("got %q, want %q", buf[:n], want)
	}
}
