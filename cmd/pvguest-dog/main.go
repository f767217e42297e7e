// Command pvguest-dog writes the dog paravirtualized guest image to a
// file: a minimal ELF binary that calls magic, setidt, enable, prints
// its banner via the print hypercall, and exits, matching
// SPEC_FULL.md §12.2. internal/pv's own tests load the same image
// directly from package pvguest rather than re-invoking this binary;
// it exists so the image can also be produced standalone, the way the
// teacher's chentry and mkfs commands are standalone build tools.
package main

import (
	"log"
	"os"

	"github.com/Nagi5Yeq/pebpeb-os/internal/pvguest"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <output-path>", os.Args[0])
	}
	if err := os.WriteFile(os.Args[1], pvguest.BuildELF(), 0644); err != nil {
		log.Fatal(err)
	}
}
