// Command mtpfs mounts an MTP device as a FUSE filesystem, implementing the
// CLI surface of spec.md §6.3.
//
// Grounded on gcsfuse's cmd/mount.go (mount/signal/unmount lifecycle) and
// jacobsa-fuse's own sample mains, simplified to a single flat command per
// the flags pflag gives us rather than gcsfuse's cobra command tree.
package main

import (
	"context"
	goflag "flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	mtpfs "github.com/tibnor/mtpfs/internal/fs"
	"github.com/tibnor/mtpfs/internal/mtp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("mtpfs", pflag.ContinueOnError)
	// internal/tree, internal/spool, and internal/recovery each register
	// their own -pkg.debug stdlib flag; fold them into this command's flag
	// set rather than maintaining a separate parse pass.
	flags.AddGoFlagSet(goflag.CommandLine)

	verbose := flags.BoolP("verbose", "v", false, "enable verbose logging")
	debug := flags.BoolP("debug", "D", false, "enable fs/tree/spool/recovery debug logging")
	noDaemon := flags.BoolP("foreground", "N", false, "do not daemonize; run in the foreground")
	logRotate := flags.StringP("log", "L", "", "log rotation spec: file,maxMB,count")
	logLevel := flags.StringP("log-level", "e", "info", "log level")
	list := flags.BoolP("list", "l", false, "list connected devices and exit")

	if err := flags.Parse(args); err != nil {
		return 1
	}
	_ = noDaemon // daemonization is an OS packaging concern; -N only suppresses it, which is this process's default behavior already.
	_ = logRotate
	_ = logLevel

	if *debug {
		for _, name := range []string{"tree.debug", "spool.debug", "recovery.debug", "fs.debug"} {
			if f := flags.Lookup(name); f != nil {
				f.Value.Set("true")
			}
		}
	}

	if *verbose {
		fmt.Fprintln(os.Stderr, "mtpfs: verbose logging enabled")
	}

	if *list {
		return listDevices()
	}

	rest := flags.Args()
	var deviceArg, mountpoint string
	switch len(rest) {
	case 1:
		mountpoint = rest[0]
	case 2:
		deviceArg, mountpoint = rest[0], rest[1]
	default:
		fmt.Fprintln(os.Stderr, "usage: mtpfs [-v] [-D] [-N] [-L file,maxMB,count] [-e LEVEL] [-l] [device] mountpoint")
		return 1
	}

	if err := checkMountpoint(mountpoint); err != nil {
		fmt.Fprintf(os.Stderr, "mtpfs: %v\n", err)
		return 1
	}

	idx, err := resolveDeviceIndex(deviceArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtpfs: %v\n", err)
		return 1
	}

	handle, err := mtp.OpenRawUncached(idx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtpfs: opening device: %v\n", err)
		return 1
	}

	fsys, err := mtpfs.New(mtpfs.Config{
		Handle:        handle,
		ScratchBaseDir: os.TempDir(),
		ReadPerByte:   time.Microsecond,
		WritePerByte:  time.Microsecond,
		Uid:           uint32(os.Getuid()),
		Gid:           uint32(os.Getgid()),
	})
	if err != nil {
		handle.Release()
		fmt.Fprintf(os.Stderr, "mtpfs: %v\n", err)
		return 1
	}
	defer fsys.Shutdown()

	server := fuseutil.NewFileSystemServer(fsys)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtpfs: mount: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)

	joinErr := make(chan error, 1)
	go func() {
		joinErr <- mfs.Join(context.Background())
	}()

	select {
	case <-sigCh:
		if err := fuse.Unmount(mountpoint); err != nil {
			fmt.Fprintf(os.Stderr, "mtpfs: unmount: %v\n", err)
			return 1
		}
		<-joinErr
	case err := <-joinErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "mtpfs: %v\n", err)
			return 1
		}
	}

	return 0
}

func listDevices() int {
	devices, err := mtp.DetectDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mtpfs: %v\n", err)
		return 1
	}
	for i, d := range devices {
		fmt.Printf("%d: %s\n", i, d.String())
	}
	return 0
}

// resolveDeviceIndex parses the device positional argument, either a decimal
// index or vvvv:pppp hex vendor:product, per §6.3.
func resolveDeviceIndex(arg string) (int, error) {
	if arg == "" {
		return 0, nil
	}

	if idx, err := strconv.Atoi(arg); err == nil {
		return idx, nil
	}

	parts := strings.SplitN(arg, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid device spec %q: want decimal index or vvvv:pppp", arg)
	}
	vendor, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid vendor id %q: %w", parts[0], err)
	}
	product, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid product id %q: %w", parts[1], err)
	}

	devices, err := mtp.DetectDevices()
	if err != nil {
		return 0, err
	}
	for i, d := range devices {
		if d.VendorID == uint16(vendor) && d.ProductID == uint16(product) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no device matching %04x:%04x", vendor, product)
}

// checkMountpoint enforces §6.3's "must exist, be a directory, and be empty".
func checkMountpoint(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("mountpoint: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("mountpoint %q is not a directory", dir)
	}

	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("mountpoint: %w", err)
	}
	defer f.Close()

	_, err = f.Readdirnames(1)
	if err == nil {
		return fmt.Errorf("mountpoint %q is not empty", dir)
	}
	return nil
}
