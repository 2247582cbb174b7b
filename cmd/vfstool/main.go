// vfstool manipulates disk images through the VFS: formatting, listing,
// reading and writing files, and volume statistics.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	vfs "github.com/0xUINTBEEF/uintvfs"
	"github.com/0xUINTBEEF/uintvfs/blockdev"
	"github.com/0xUINTBEEF/uintvfs/disks"
	"github.com/0xUINTBEEF/uintvfs/file_systems/exfat"
	"github.com/0xUINTBEEF/uintvfs/file_systems/ext2"
	"github.com/0xUINTBEEF/uintvfs/file_systems/fat12"
	"github.com/0xUINTBEEF/uintvfs/file_systems/iso9660"
)

func main() {
	app := cli.App{
		Name:  "vfstool",
		Usage: "Manage disk images through the virtual file system layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "image",
				Usage: "path to the disk image file",
			},
			&cli.StringFlag{
				Name:  "driver",
				Value: "ext2",
				Usage: "file system driver (ext2, fat12, exfat, iso9660)",
			},
			&cli.BoolFlag{
				Name:  "read-only",
				Usage: "mount the image read-only",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "Create and format a new image",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "geometry",
						Value: "ext2-small",
						Usage: "volume geometry slug (see 'geometries')",
					},
					&cli.StringFlag{
						Name:  "label",
						Usage: "volume label",
					},
				},
				Action: makeImage,
			},
			{
				Name:   "geometries",
				Usage:  "List the predefined volume geometries",
				Action: listGeometries,
			},
			{
				Name:      "ls",
				Usage:     "List a directory",
				ArgsUsage: "PATH",
				Action:    withMount(listDirectory),
			},
			{
				Name:      "cat",
				Usage:     "Write a file's contents to stdout",
				ArgsUsage: "PATH",
				Action:    withMount(catFile),
			},
			{
				Name:      "write",
				Usage:     "Write stdin into a file, creating it if needed",
				ArgsUsage: "PATH",
				Action:    withMount(writeFile),
			},
			{
				Name:      "stat",
				Usage:     "Describe a file or directory",
				ArgsUsage: "PATH",
				Action:    withMount(statPath),
			},
			{
				Name:   "statfs",
				Usage:  "Describe the mounted volume",
				Action: withMount(statVolume),
			},
			{
				Name:      "mkdir",
				Usage:     "Create a directory",
				ArgsUsage: "PATH",
				Action:    withMount(makeDirectory),
			},
			{
				Name:      "rm",
				Usage:     "Remove a file or empty directory",
				ArgsUsage: "PATH",
				Action:    withMount(removePath),
			},
			{
				Name:      "mv",
				Usage:     "Rename a file or directory within the image",
				ArgsUsage: "OLD NEW",
				Action:    withMount(renamePath),
			},
			{
				Name:      "ln",
				Usage:     "Create a hard link, or a symlink with -s",
				ArgsUsage: "TARGET LINK",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "symbolic",
						Aliases: []string{"s"},
					},
				},
				Action: withMount(linkPath),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func makeImage(ctx *cli.Context) error {
	imagePath := ctx.Args().First()
	if imagePath == "" {
		return fmt.Errorf("an image path is required")
	}

	geometry, err := disks.GetPredefinedGeometry(ctx.String("geometry"))
	if err != nil {
		return err
	}
	if geometry.Driver != "ext2" {
		return fmt.Errorf("formatting is only implemented for ext2 geometries")
	}

	file, err := os.OpenFile(imagePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := file.Truncate(geometry.TotalSizeBytes()); err != nil {
		return err
	}

	dev := blockdev.NewStreamDevice(
		file, imagePath, geometry.BlockSize, geometry.TotalBlocks,
	)
	return ext2.Format(dev, ext2.FormatOptions{
		BlockSize:      uint32(geometry.BlockSize),
		InodesPerGroup: geometry.InodesPerGroup,
		Label:          ctx.String("label"),
	})
}

func listGeometries(ctx *cli.Context) error {
	for _, slug := range disks.Slugs() {
		geometry, _ := disks.GetPredefinedGeometry(slug)
		fmt.Printf("%-14s %-8s %10d bytes  %s\n",
			slug, geometry.Driver, geometry.TotalSizeBytes(), geometry.Name)
	}
	return nil
}

// withMount opens the image named by the global flags, mounts it at "/",
// runs the wrapped action, and unmounts.
func withMount(action func(*cli.Context, *vfs.VFS) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		imagePath := ctx.String("image")
		if imagePath == "" {
			return fmt.Errorf("--image is required")
		}

		mode := os.O_RDWR
		if ctx.Bool("read-only") {
			mode = os.O_RDONLY
		}
		file, err := os.OpenFile(imagePath, mode, 0)
		if err != nil {
			return err
		}
		defer file.Close()

		dev, err := blockdev.NewStreamDeviceWithInferredSize(file, imagePath, 512)
		if err != nil {
			return err
		}

		v := vfs.New()
		v.RegisterDriver("ext2", &ext2.Driver{})
		v.RegisterDriver("fat12", fat12.Driver{})
		v.RegisterDriver("exfat", exfat.Driver{})
		v.RegisterDriver("iso9660", iso9660.Driver{})

		var flags vfs.MountFlags
		if ctx.Bool("read-only") {
			flags |= vfs.MountReadOnly
		}
		if err := v.Mount(ctx.String("driver"), dev, "/", flags); err != nil {
			return err
		}
		defer v.Unmount("/")

		return action(ctx, v)
	}
}

func listDirectory(ctx *cli.Context, v *vfs.VFS) error {
	path := ctx.Args().First()
	if path == "" {
		path = "/"
	}

	dir, err := v.OpenDir(path)
	if err != nil {
		return err
	}
	defer dir.Close()

	for {
		entry, err := dir.ReadDir()
		if err == vfs.ErrEndOfDirectory {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %10d  %s\n", entry.Kind, entry.Size, entry.Name)
	}
}

func catFile(ctx *cli.Context, v *vfs.VFS) error {
	handle, err := v.Open(ctx.Args().First(), vfs.OpenRead)
	if err != nil {
		return err
	}
	defer handle.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func writeFile(ctx *cli.Context, v *vfs.VFS) error {
	handle, err := v.Open(
		ctx.Args().First(),
		vfs.OpenWrite|vfs.OpenCreate|vfs.OpenTruncate,
	)
	if err != nil {
		return err
	}
	defer handle.Close()

	buf := make([]byte, 32*1024)
	for {
		n, readErr := os.Stdin.Read(buf)
		if n > 0 {
			if _, err := handle.Write(buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return handle.Flush()
		}
		if readErr != nil {
			return readErr
		}
	}
}

func statPath(ctx *cli.Context, v *vfs.VFS) error {
	stat, err := v.Stat(ctx.Args().First())
	if err != nil {
		return err
	}

	fmt.Printf("inode:  %d\n", stat.InodeNumber)
	fmt.Printf("mode:   %s\n", stat.ModeFlags)
	fmt.Printf("links:  %d\n", stat.Nlinks)
	fmt.Printf("size:   %d\n", stat.Size)
	fmt.Printf("blocks: %d x %d\n", stat.NumBlocks, stat.BlockSize)
	fmt.Printf("mtime:  %s\n", stat.LastModified)
	return nil
}

func statVolume(ctx *cli.Context, v *vfs.VFS) error {
	stat, err := v.StatFS("/")
	if err != nil {
		return err
	}

	if stat.Label != "" {
		fmt.Printf("label:        %s\n", stat.Label)
	}
	fmt.Printf("block size:   %d\n", stat.BlockSize)
	fmt.Printf("blocks:       %d total, %d free, %d available\n",
		stat.TotalBlocks, stat.BlocksFree, stat.BlocksAvailable)
	fmt.Printf("files:        %d used, %d free\n", stat.Files, stat.FilesFree)
	return nil
}

func makeDirectory(ctx *cli.Context, v *vfs.VFS) error {
	return v.Mkdir(ctx.Args().First(), 0o755)
}

func removePath(ctx *cli.Context, v *vfs.VFS) error {
	path := ctx.Args().First()
	stat, err := v.Stat(path)
	if err != nil {
		return err
	}
	if stat.IsDir() {
		return v.Rmdir(path)
	}
	return v.Unlink(path)
}

func renamePath(ctx *cli.Context, v *vfs.VFS) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("mv needs OLD and NEW paths")
	}
	return v.Rename(ctx.Args().Get(0), ctx.Args().Get(1))
}

func linkPath(ctx *cli.Context, v *vfs.VFS) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("ln needs TARGET and LINK paths")
	}
	target := ctx.Args().Get(0)
	link := ctx.Args().Get(1)

	if ctx.Bool("symbolic") {
		return v.Symlink(target, link)
	}
	if !strings.HasPrefix(target, "/") {
		return fmt.Errorf("hard link targets must be absolute paths")
	}
	return v.Link(target, link)
}
