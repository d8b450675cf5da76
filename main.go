package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	ftpserver "github.com/fclairamb/ftpserverlib"
	log "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OffBroadway/sdshim/pkg/blkdev"
	"github.com/OffBroadway/sdshim/pkg/config"
	"github.com/OffBroadway/sdshim/pkg/fsck"
	"github.com/OffBroadway/sdshim/pkg/logging"
	"github.com/OffBroadway/sdshim/pkg/shim"
)

const copyChunk = 64 * 1024

type globalFlags struct {
	configPath string
	image      string
	logLevel   string
}

// app is the card, its guard and the shim on top, built from the config.
type app struct {
	cfg    *config.Config
	logger log.Logger
	img    *blkdev.ImageFile
	guard  *blkdev.MBRGuard
	shim   *shim.Shim
	fs     *shim.Fs
}

func openApp(flags *globalFlags) (*app, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}
	if flags.image != "" {
		cfg.Device.Image = flags.image
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Device.Image == "" {
		return nil, errors.New("no card image: set device.image or pass --image")
	}

	logger, err := logging.New(cfg.Log.Level, os.Stderr)
	if err != nil {
		return nil, err
	}

	img, err := blkdev.NewImageFileFs(afero.NewOsFs(), cfg.Device.Image, cfg.Device.SectorSize)
	if err != nil {
		return nil, err
	}
	guard := blkdev.NewMBRGuard(img)

	parts := cfg.ShimPartitions()
	if cfg.Layout == config.LayoutMBR {
		mbr, err := blkdev.ReadMBR(guard)
		if err != nil {
			img.Close()
			return nil, err
		}
		parts = shim.PartitionsFromMBR(mbr, cfg.Device.SectorSize)
	}

	s, err := shim.New(guard, parts,
		shim.WithLogger(logger),
		shim.WithSectorOptions(
			blkdev.WithMaxTransfer(cfg.Device.MaxTransferSectors),
			blkdev.WithVerboseLogger(logging.Verbose(cfg.Log.Level, logging.Tag(logger, "Fsck-wrapper"))),
		),
	)
	if err != nil {
		img.Close()
		return nil, err
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		img:    img,
		guard:  guard,
		shim:   s,
		fs:     shim.NewFs(s),
	}, nil
}

func (a *app) Close() error {
	return a.img.Close()
}

func (a *app) runner() *fsck.Runner {
	fc := a.cfg.Fsck
	var checker fsck.Checker
	if fc.Command == config.CheckerProbe {
		checker = fsck.BootSectorProbe(a.shim)
	} else {
		checker = &fsck.ExecChecker{Logger: logging.Tag(a.logger, "fsck.exfat")}
	}
	return fsck.NewRunner(a.guard, fsck.Config{
		Checker:      checker,
		Targets:      a.cfg.FsckTargets(),
		Program:      fc.Command,
		Args:         fc.Args,
		PollInterval: fc.PollInterval,
		Logger:       a.logger,
	})
}

func withApp(flags *globalFlags, fn func(a *app, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a, cmd, args)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "sdshim",
		Short:         "Byte-addressed access to the partitions of an SD card image",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVarP(&flags.image, "image", "i", "", "card image (overrides device.image)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "none, verbose, debug, info, warn or error")

	root.AddCommand(
		newLsCmd(flags),
		newCatCmd(flags),
		newWriteCmd(flags),
		newMbrCmd(flags),
		newFsckCmd(flags),
		newServeCmd(flags),
	)
	return root
}

func newLsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List the partitions",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, _ []string) error {
			infos, err := afero.ReadDir(a.fs, "/")
			if err != nil {
				return err
			}
			for _, info := range infos {
				p := info.Sys().(shim.Partition)
				fmt.Fprintf(cmd.OutOrStdout(), "%-6s %-8s offset=%-12d size=%d\n", p.Name, p.Path, p.Offset, info.Size())
			}
			return nil
		}),
	}
}

func newCatCmd(flags *globalFlags) *cobra.Command {
	var offset, length int64
	cmd := &cobra.Command{
		Use:   "cat PARTITION",
		Short: "Copy a byte range of a partition to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, args []string) error {
			s := a.shim
			fd, err := s.Open(args[0], os.O_RDONLY)
			if err != nil {
				return err
			}
			defer s.Close(fd)

			if _, err := s.Lseek(fd, offset, io.SeekStart); err != nil {
				return err
			}
			buf := make([]byte, copyChunk)
			out := cmd.OutOrStdout()
			remaining := length
			for length == 0 || remaining > 0 {
				chunk := buf
				if length != 0 && remaining < int64(len(chunk)) {
					chunk = chunk[:remaining]
				}
				n, err := s.Read(fd, chunk)
				if n > 0 {
					if _, werr := out.Write(chunk[:n]); werr != nil {
						return werr
					}
					remaining -= int64(n)
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "partition offset to start at")
	cmd.Flags().Int64Var(&length, "length", 0, "bytes to copy (0 = to the end)")
	return cmd
}

func newWriteCmd(flags *globalFlags) *cobra.Command {
	var offset int64
	var sync bool
	cmd := &cobra.Command{
		Use:   "write PARTITION",
		Short: "Write stdin into a partition",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, args []string) error {
			file, err := a.fs.OpenFile(args[0], os.O_WRONLY, 0)
			if err != nil {
				return err
			}
			defer file.Close()

			if _, err := file.Seek(offset, io.SeekStart); err != nil {
				return err
			}
			n, err := io.CopyBuffer(file, cmd.InOrStdin(), make([]byte, copyChunk))
			if err != nil {
				return err
			}
			if sync {
				if err := file.Sync(); err != nil {
					return err
				}
			}
			a.logger.Info("write complete", "partition", args[0], "bytes", n)
			return nil
		}),
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "partition offset to start at")
	cmd.Flags().BoolVar(&sync, "sync", true, "fsync after writing")
	return cmd
}

func newMbrCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mbr",
		Short: "Print the partition table of the card",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, _ []string) error {
			mbr, err := blkdev.ReadMBR(a.guard)
			if err != nil {
				return err
			}
			ss := a.img.GetSectorSize()
			for i, e := range mbr.Partitions {
				if !e.Used() {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d: type=0x%02x start=%d sectors=%d offset=%d size=%d\n",
					i+1, e.Type, e.LBAFirst, e.Sectors, e.Offset(ss), e.Size(ss))
			}
			return nil
		}),
	}
}

func newFsckCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Check every configured partition and print the result",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := a.runner().Run(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(st); encErr != nil {
				return encErr
			}
			if err != nil {
				return err
			}
			if !st.AllOK() {
				return errors.New("filesystem check failed")
			}
			return nil
		}),
	}
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export the partitions over FTP and WebDAV",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(a *app, cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var runner *fsck.Runner
			if check {
				runner = a.runner()
				if err := runner.Start(ctx); err != nil {
					return err
				}
			}

			g, ctx := errgroup.WithContext(ctx)
			if addr := a.cfg.Serve.FTP; addr != "" {
				srv := ftpserver.NewFtpServer(&FTPServer{
					Settings:   &ftpserver.Settings{ListenAddr: addr},
					FileSystem: a.fs,
					User:       a.cfg.Serve.User,
					Password:   a.cfg.Serve.Password,
					Logger:     logging.Tag(a.logger, "ftp"),
				})
				srv.Logger = logging.Tag(a.logger, "ftpserver")
				g.Go(func() error {
					err := srv.ListenAndServe()
					if ctx.Err() != nil {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-ctx.Done()
					return srv.Stop()
				})
			}
			if addr := a.cfg.Serve.HTTP; addr != "" {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return err
				}
				a.logger.Info("http listening", "addr", ln.Addr().String())
				g.Go(func() error {
					return Serve(ctx, ln, a.fs, runner, logging.Tag(a.logger, "http"))
				})
			}

			err := g.Wait()
			if runner != nil {
				<-runner.Done()
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&check, "fsck", false, "check the partitions in the background first")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sdshim:", err)
		os.Exit(1)
	}
}
