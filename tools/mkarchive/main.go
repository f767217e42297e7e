// Command mkarchive builds the compiled-in read-only executable table
// internal/archive.New consumes, matching SPEC_FULL.md §6's boot
// archive. Given a directory of user binaries, it emits a Go source
// file declaring a []archive.Entry literal, the freestanding
// equivalent of the original's build scripts stitching biscuit's user
// binaries into the kernel image: here the embedding happens at
// go-generate time instead of link time.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/tools/go/packages"
)

func main() {
	dir := flag.String("dir", "", "directory of user binaries to embed")
	out := flag.String("out", "", "output .go file path")
	pkgPath := flag.String("archivepkg", "github.com/Nagi5Yeq/pebpeb-os/internal/archive",
		"import path of the archive package the generated table is built against")
	flag.Parse()
	if *dir == "" || *out == "" {
		log.Fatal("usage: mkarchive -dir <binaries> -out <file.go>")
	}

	// Resolving the archive package through go/packages confirms
	// -archivepkg actually names a loadable package, and recovers its
	// short name for the generated import, rather than trusting a
	// hand-typed path to be right.
	archiveName, err := resolvePackageName(*pkgPath)
	if err != nil {
		log.Fatal(err)
	}

	entries, err := readEntries(*dir)
	if err != nil {
		log.Fatal(err)
	}
	if len(entries) == 0 {
		log.Fatalf("no binaries found under %s", *dir)
	}

	outPkg := filepath.Base(filepath.Dir(*out))
	src := render(outPkg, archiveName, *pkgPath, entries)
	if err := os.WriteFile(*out, src, 0644); err != nil {
		log.Fatal(err)
	}
}

func resolvePackageName(pkgPath string) (string, error) {
	cfg := &packages.Config{Mode: packages.NeedName}
	pkgs, err := packages.Load(cfg, pkgPath)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", pkgPath, err)
	}
	if len(pkgs) != 1 || pkgs[0].Name == "" {
		return "", fmt.Errorf("%s did not resolve to exactly one package", pkgPath)
	}
	if len(pkgs[0].Errors) != 0 {
		return "", fmt.Errorf("%s: %v", pkgPath, pkgs[0].Errors[0])
	}
	return pkgs[0].Name, nil
}

type binEntry struct {
	name string
	data []byte
}

func readEntries(dir string) ([]binEntry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]binEntry, 0, len(files))
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, binEntry{name: f.Name(), data: data})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

func render(pkgName, archiveName, archivePkgPath string, entries []binEntry) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "// Code generated by tools/mkarchive; DO NOT EDIT.\n\n")
	fmt.Fprintf(&buf, "package %s\n\n", pkgName)
	fmt.Fprintf(&buf, "import %s %q\n\n", archiveName, archivePkgPath)
	fmt.Fprintf(&buf, "// Entries is the compiled-in executable table of SPEC_FULL.md §6.\n")
	fmt.Fprintf(&buf, "var Entries = []%s.Entry{\n", archiveName)
	for _, e := range entries {
		fmt.Fprintf(&buf, "\t{Name: %q, Data: []byte{", e.name)
		for i, b := range e.data {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(&buf, "%d", b)
		}
		fmt.Fprintf(&buf, "}},\n")
	}
	fmt.Fprintf(&buf, "}\n")
	return buf.Bytes()
}
