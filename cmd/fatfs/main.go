package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatlab/fatfs"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  fatfs ls <image> [path]")
	fmt.Fprintln(os.Stderr, "  fatfs cat <image> <path>")
	fmt.Fprintln(os.Stderr, "  fatfs stat <image>")
	fmt.Fprintln(os.Stderr, "  fatfs mkfs [-label NAME] [-fat 12|16|32] <image>")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "ls":
		path := "/"
		if len(os.Args) > 3 {
			path = os.Args[3]
		}
		err = withVolume(os.Args[2], func(fs *fatfs.Fs) error {
			return list(fs, path)
		})
	case "cat":
		if len(os.Args) < 4 {
			usage()
		}
		err = withVolume(os.Args[2], func(fs *fatfs.Fs) error {
			file, err := fs.Open(os.Args[3])
			if err != nil {
				return err
			}
			defer file.Close()
			_, err = io.Copy(os.Stdout, file)
			return err
		})
	case "stat":
		err = withVolume(os.Args[2], stat)
	case "mkfs":
		err = mkfs(os.Args[2:])
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withVolume(image string, fn func(fs *fatfs.Fs) error) error {
	file, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	device, err := fatfs.NewFileDevice(file, 0)
	if err != nil {
		return err
	}
	volume, err := fatfs.New(device)
	if err != nil {
		return err
	}
	defer volume.Close()

	return fn(volume)
}

func list(fs *fatfs.Fs, path string) error {
	dir, err := fs.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()

	entries, err := dir.Readdir(-1)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		kind := "-"
		if entry.IsDir() {
			kind = "d"
		}
		fmt.Printf("%s %10d %s %s\n", kind, entry.Size(), entry.ModTime().Format("2006-01-02 15:04"), entry.Name())
	}
	return nil
}

func stat(fs *fatfs.Fs) error {
	stats, err := fs.Stats()
	if err != nil {
		return err
	}
	fmt.Printf("label:         %s\n", fs.Label())
	fmt.Printf("type:          FAT%d\n", map[uint8]int{fatfs.FAT12: 12, fatfs.FAT16: 16, fatfs.FAT32: 32}[fs.FSType()])
	fmt.Printf("cluster size:  %d\n", stats.ClusterSize)
	fmt.Printf("clusters:      %d\n", stats.TotalClusters)
	fmt.Printf("free clusters: %d\n", stats.FreeClusters)
	return nil
}

func mkfs(args []string) error {
	flags := flag.NewFlagSet("mkfs", flag.ExitOnError)
	label := flags.String("label", "", "volume label")
	variant := flags.Int("fat", 0, "FAT variant: 12, 16 or 32 (default: by size)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		usage()
	}

	file, err := os.OpenFile(flags.Arg(0), os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer file.Close()

	device, err := fatfs.NewFileDevice(file, 0)
	if err != nil {
		return err
	}
	return fatfs.Format(device, fatfs.FormatOptions{
		Label:   *label,
		Variant: *variant,
	})
}
