// Command mkexfat creates and inspects exFAT volume images.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	exfat "github.com/james-card/NanoOs-sub002"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func printInfo(fat *exfat.Fs) {
	info := fat.Info()
	fmt.Printf("type:                %v\n", fat.FSType())
	fmt.Printf("label:               %v\n", info.Label)
	fmt.Printf("serial:              %08X\n", info.VolumeSerialNumber)
	fmt.Printf("bytes per sector:    %v\n", info.BytesPerSector)
	fmt.Printf("sectors per cluster: %v\n", info.SectorsPerCluster)
	fmt.Printf("cluster count:       %v\n", info.ClusterCount)
	fmt.Printf("first FAT sector:    %v\n", info.FatStartSector)
	fmt.Printf("first heap sector:   %v\n", info.ClusterHeapStartSector)
	fmt.Printf("root cluster:        %v\n", info.RootCluster)
}

func main() {
	root := &cobra.Command{
		Use:   "mkexfat",
		Short: "exFAT volume image formatter and inspector",
	}

	var (
		formatOut      string
		formatLabel    string
		sectorSize     int
		clusterSectors int
		clusterCount   uint32
		serial         uint32
	)
	formatCmd := &cobra.Command{
		Use:   "format",
		Short: "Create an image file holding a fresh exFAT volume",
		RunE: func(_ *cobra.Command, _ []string) error {
			file, err := os.OpenFile(formatOut, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			defer file.Close()

			device := exfat.NewFileDevice(file, sectorSize)
			err = exfat.Format(device, exfat.FormatConfig{
				BytesPerSector:    sectorSize,
				SectorsPerCluster: clusterSectors,
				ClusterCount:      clusterCount,
				Label:             formatLabel,
				VolumeSerial:      serial,
			})
			if err != nil {
				return err
			}

			// Mounting the result right away catches formatting mistakes.
			fat, err := exfat.New(device)
			if err != nil {
				return err
			}
			printInfo(fat)
			return nil
		},
	}
	formatCmd.Flags().StringVar(&formatOut, "out", "", "output image file path")
	_ = formatCmd.MarkFlagRequired("out")
	formatCmd.Flags().StringVar(&formatLabel, "label", "", "volume label (<=11 ASCII)")
	formatCmd.Flags().IntVar(&sectorSize, "sector-size", 512, "bytes per sector (512..4096, power of two)")
	formatCmd.Flags().IntVar(&clusterSectors, "cluster-sectors", 4, "sectors per cluster (power of two)")
	formatCmd.Flags().Uint32Var(&clusterCount, "clusters", 4096, "number of data clusters")
	formatCmd.Flags().Uint32Var(&serial, "serial", 0, "volume serial number (0 picks a random one)")
	root.AddCommand(formatCmd)

	var (
		infoIn         string
		infoSectorSize int
	)
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the geometry and identity of a volume image",
		RunE: func(_ *cobra.Command, _ []string) error {
			file, err := os.Open(infoIn)
			if err != nil {
				return err
			}
			defer file.Close()

			fat, err := exfat.New(exfat.NewFileDevice(file, infoSectorSize))
			if err != nil {
				return err
			}
			printInfo(fat)
			return nil
		},
	}
	infoCmd.Flags().StringVar(&infoIn, "in", "", "image file to inspect")
	_ = infoCmd.MarkFlagRequired("in")
	infoCmd.Flags().IntVar(&infoSectorSize, "sector-size", 512, "bytes per sector of the image")
	root.AddCommand(infoCmd)

	var (
		labelIn  string
		labelSet string
	)
	labelCmd := &cobra.Command{
		Use:   "label",
		Short: "Show or change the volume label of an image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := os.OpenFile(labelIn, os.O_RDWR, 0)
			if err != nil {
				return err
			}
			defer file.Close()

			fat, err := exfat.New(exfat.NewFileDevice(file, 0))
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("set") {
				fmt.Println(fat.Label())
				return nil
			}
			if err := fat.SetLabel(labelSet); err != nil {
				return err
			}
			return fat.Sync()
		},
	}
	labelCmd.Flags().StringVar(&labelIn, "in", "", "image file to relabel")
	_ = labelCmd.MarkFlagRequired("in")
	labelCmd.Flags().StringVar(&labelSet, "set", "", "new volume label (<=11 ASCII)")
	root.AddCommand(labelCmd)

	must(root.Execute())
}
