package fsck

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	log "github.com/fclairamb/go-log"

	"github.com/OffBroadway/sdshim/pkg/logging"
	"github.com/OffBroadway/sdshim/pkg/shim"
)

// Exit codes shared by the fsck family of tools.
const (
	ExitOK          = 0
	ExitCorrected   = 1
	ExitReboot      = 2
	ExitUncorrected = 4
	ExitOperational = 8
	ExitUsage       = 16
	ExitCanceled    = 32
)

// DefaultProgram is argv[0] of the checker command line.
const DefaultProgram = "fsck.exfat"

// DefaultArgs repairs without asking (-p), stays non-interactive (-s) and is
// as verbose as the tool allows.
func DefaultArgs() []string {
	return []string{"-p", "-s", "-v", "-v", "-v"}
}

// Argv assembles program, args and device into a command line.
func Argv(program string, args []string, device string) []string {
	if program == "" {
		program = DefaultProgram
	}
	argv := make([]string, 0, len(args)+2)
	argv = append(argv, program)
	argv = append(argv, args...)
	return append(argv, device)
}

// Checker runs one filesystem check and returns the tool's exit code. The
// device to check is the last element of argv.
type Checker interface {
	Check(ctx context.Context, argv []string) (int, error)
}

// CheckerFunc adapts an in-process entry point with an argv interface.
type CheckerFunc func(ctx context.Context, argv []string) (int, error)

func (f CheckerFunc) Check(ctx context.Context, argv []string) (int, error) {
	return f(ctx, argv)
}

// ExecChecker runs the checker as an external process and logs its output.
type ExecChecker struct {
	// Path overrides argv[0] as the binary to execute.
	Path   string
	Logger log.Logger
}

func (c *ExecChecker) Check(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return ExitUsage, errors.New("empty command line")
	}
	bin := c.Path
	if bin == "" {
		bin = argv[0]
	}
	logger := c.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	out, err := cmd.CombinedOutput()

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		logger.Info(sc.Text(), "program", argv[0])
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), nil
		}
		return ExitOperational, fmt.Errorf("failed to run %s: %w", bin, err)
	}
	return ExitOK, nil
}

var exfatSignature = []byte("EXFAT   ")

// BootSectorProbe is an in-process checker that opens the device through the
// shim and verifies the exFAT boot sector signature. It finds unformatted or
// overwritten partitions; it does not walk the filesystem.
func BootSectorProbe(s *shim.Shim) Checker {
	return CheckerFunc(func(ctx context.Context, argv []string) (int, error) {
		if len(argv) < 2 {
			return ExitUsage, errors.New("no device given")
		}
		device := argv[len(argv)-1]

		fd, err := s.Open(device, os.O_RDONLY)
		if err != nil {
			return ExitOperational, err
		}
		defer s.Close(fd)

		sector := make([]byte, 512)
		if _, err := s.Pread(fd, sector, 0); err != nil && !errors.Is(err, io.EOF) {
			return ExitOperational, err
		}
		if !bytes.Equal(sector[3:11], exfatSignature) {
			return ExitUncorrected, fmt.Errorf("%s: no exFAT boot sector", device)
		}
		if sector[510] != 0x55 || sector[511] != 0xAA {
			return ExitUncorrected, fmt.Errorf("%s: bad boot signature %02x%02x", device, sector[510], sector[511])
		}
		return ExitOK, nil
	})
}
