package main

import (
	"fmt"
	"os"

	exfat "github.com/james-card/NanoOs-sub002"
)

func main() {
	argsWithoutProg := os.Args[1:]
	if len(argsWithoutProg) <= 0 {
		fmt.Println("Please provide a filename.")
		os.Exit(1)
	}

	file, err := os.Open(argsWithoutProg[0])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	defer file.Close()

	fs, err := exfat.New(exfat.NewFileDevice(file, 0))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	info := fs.Info()
	fmt.Printf("%v volume '%v', serial %08X, %v clusters of %v bytes\n",
		fs.FSType(), fs.Label(), info.VolumeSerialNumber, info.ClusterCount, info.BytesPerCluster)
}
