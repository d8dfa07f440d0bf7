// Command mkrom packs a set of 32-bit ELF executables into the flat
// ROM pack format cmd/pebblekernel reads at boot, validating each
// input as a loadable ELFCLASS32/EM_386 image first.
//
// Go-native sibling of Oichkatzelesfrettschen-biscuit's
// kernel/chentry.go, which rewrites a single ELF's entry point in
// place; mkrom instead concatenates many named images into one file,
// since this kernel's exec looks programs up by name rather than by
// file path.
package main

import (
	"bytes"
	"debug/elf"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"pebbleos/internal/loader"
)

func main() {
	out := flag.String("out", "rom.pack", "output pack file path")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [-out rom.pack] <elf-file>...\n", os.Args[0])
		os.Exit(2)
	}

	var images []loader.Image
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("mkrom: %s: %v", path, err)
		}
		if err := validateELF32(data); err != nil {
			log.Fatalf("mkrom: %s: %v", path, err)
		}
		name := filepath.Base(path)
		images = append(images, loader.Image{Name: name, ELF: data})
		fmt.Printf("packed %s (%d bytes)\n", name, len(data))
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("mkrom: create %s: %v", *out, err)
	}
	defer f.Close()

	if err := loader.WritePack(f, images); err != nil {
		log.Fatalf("mkrom: write pack: %v", err)
	}
	fmt.Printf("wrote %s (%d images)\n", *out, len(images))
}

// validateELF32 rejects anything that isn't a loadable 32-bit x86
// executable, matching the spirit of chentry's chkELF.
func validateELF32(data []byte) error {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("not an elf: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS32 {
		return fmt.Errorf("not a 32-bit elf")
	}
	if f.Machine != elf.EM_386 {
		return fmt.Errorf("not an x86 elf")
	}
	if f.Type != elf.ET_EXEC {
		return fmt.Errorf("not an executable elf")
	}
	return nil
}
