package main

import (
	"fmt"
	"os"
	"path/filepath"

	exfat "github.com/james-card/NanoOs-sub002"
)

// main builds the demo image used by cmd/example. Run it from the project
// root, the image lands in testdata/exfat.img.
func main() {
	dest := filepath.Join("testdata", "exfat.img")

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		panic(err)
	}

	imageFile, err := os.Create(dest)
	if err != nil {
		panic(err)
	}
	defer imageFile.Close()

	device := exfat.NewFileDevice(imageFile, 0)
	err = exfat.Format(device, exfat.FormatConfig{
		SectorsPerCluster: 4,
		ClusterCount:      4096,
		Label:             "DEMO",
	})
	if err != nil {
		panic(err)
	}

	fat, err := exfat.New(device)
	if err != nil {
		panic(err)
	}

	readme, err := fat.Create("README.md")
	if err != nil {
		panic(err)
	}
	for i := 0; i < 256; i++ {
		// Fixed width lines make offsets in cmd/example easy to predict.
		if _, err := fmt.Fprintf(readme, "line %04d of the demo volume.\n", i); err != nil {
			panic(err)
		}
	}
	if err := readme.Close(); err != nil {
		panic(err)
	}

	if err := fat.MkdirAll("notes/archive", 0o755); err != nil {
		panic(err)
	}

	today, err := fat.Create("notes/today.txt")
	if err != nil {
		panic(err)
	}
	if _, err := fmt.Fprintln(today, "remember to flush the sector buffer"); err != nil {
		panic(err)
	}
	if err := today.Close(); err != nil {
		panic(err)
	}

	if err := fat.Sync(); err != nil {
		panic(err)
	}

	fmt.Println("wrote", dest)
}
