package scripting

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

const (
	imageSource    = "image"
	snapshotSource = "snapshot"
	devMemSource   = "devmem"

	devMemPath = "/dev/mem"
)

type ParseTargetArgsConfig struct {
	// OptOsArgs overrides os.Args.
	OptOsArgs []string

	// OptFlagSet is the flag set to parse. Callers may define
	// their own flags on it before calling ParseTargetArgs.
	// Defaults to flag.CommandLine.
	OptFlagSet *flag.FlagSet

	OptLogger *log.Logger
}

const usage = `please specify a memory source:
  image FILE      mmap FILE, a raw dump of the normal world RAM
  snapshot FILE   load FILE into memory, writes are not saved
  devmem          mmap ` + devMemPath

// TargetArgs is the result of ParseTargetArgs.
type TargetArgs struct {
	// Mem accesses the selected memory source.
	Mem *memory.Accessor

	Profile profile.Profile
	Context string

	Stages *StageCtl

	// Verbose is nil unless verbose logging was requested.
	Verbose *log.Logger

	// Rest holds the arguments that follow the memory source.
	Rest []string

	closer io.Closer
}

// Close releases the page window and closes the memory source.
func (o *TargetArgs) Close() error {
	err := o.Mem.Release()
	if err != nil {
		return fmt.Errorf("failed to release page window - %w", err)
	}

	if o.closer != nil {
		return o.closer.Close()
	}

	return nil
}

// ParseTargetArgs parses the memory source and profile selection
// flags and opens the memory source. It exits the program if an
// error occurs.
func ParseTargetArgs(config ParseTargetArgsConfig) *TargetArgs {
	logger := log.Default()
	if config.OptLogger != nil {
		logger = config.OptLogger
	}

	if logger.Flags() == log.LstdFlags {
		logger.SetFlags(0)
	}

	args, err := ParseTargetArgsWithError(config)
	if err != nil {
		logger.Fatalln("fatal:", err)
	}

	return args
}

type tempTargetArgs struct {
	StageNumber int
	Verbose     bool
	ProfilePath string
	Context     string
	ReadOnly    bool
	Base        string
}

// ParseTargetArgsWithError is ParseTargetArgs, but returns
// an error instead of exiting.
func ParseTargetArgsWithError(config ParseTargetArgsConfig) (*TargetArgs, error) {
	var temp tempTargetArgs

	flagSet := flag.CommandLine
	if config.OptFlagSet != nil {
		flagSet = config.OptFlagSet
	}

	osArgs := os.Args
	if config.OptOsArgs != nil {
		osArgs = config.OptOsArgs
	}

	flagSet.IntVar(&temp.StageNumber, "s", 0, "Pause execution at the specified stage number")
	flagSet.BoolVar(&temp.Verbose, "v", false, "Enable verbose logging")
	flagSet.StringVar(&temp.ProfilePath, "p", "", "Load target profiles from a JSON `file`")
	flagSet.StringVar(&temp.Context, "c", "", "The profile `context` to use (default \""+profile.DefaultContext+"\")")
	flagSet.BoolVar(&temp.ReadOnly, "r", false, "Map memory read-only (writes are dropped)")
	flagSet.StringVar(&temp.Base, "b", "", "Physical `address` of the first byte of an image\n(default: the profile's RAM base)")

	err := flagSet.Parse(osArgs[1:])
	if err != nil {
		return nil, err
	}

	table := profile.DefaultTable()

	if temp.ProfilePath != "" {
		err = table.LoadFile(temp.ProfilePath)
		if err != nil {
			return nil, err
		}
	}

	if temp.Context != "" {
		table.SetContext(temp.Context)
	}

	p, err := table.Current()
	if err != nil {
		return nil, err
	}

	args := &TargetArgs{
		Profile: p,
		Context: table.CurrentContext(),
	}

	logger := log.Default()
	if config.OptLogger != nil {
		logger = config.OptLogger
	}

	if temp.Verbose {
		args.Verbose = log.New(logger.Writer(), "[verbose] ", logger.Flags())
	}

	args.Stages = &StageCtl{
		Goto:   temp.StageNumber,
		Logger: logger,
	}

	if flagSet.NArg() == 0 {
		return nil, errors.New(usage)
	}

	base := p.RAMBase
	if temp.Base != "" {
		base, err = memory.ParsePhysAddr(temp.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to parse image base address - %w", err)
		}
	}

	source := flagSet.Arg(0)
	restStart := 1

	var mapper memory.PageMapper

	switch source {
	case imageSource, snapshotSource:
		filePath := flagSet.Arg(1)
		if filePath == "" {
			return nil, fmt.Errorf("please specify the %s file path after '%s'", source, source)
		}

		restStart = 2

		if source == snapshotSource {
			image, err := os.ReadFile(filePath)
			if err != nil {
				return nil, fmt.Errorf("failed to read snapshot - %w", err)
			}

			mapper = memory.NewImageMapper(base, image, p.Regions()...)
			break
		}

		fileMapper, err := openFileMapper(filePath, base, p.Regions(), temp.ReadOnly)
		if err != nil {
			return nil, err
		}

		mapper = fileMapper
		args.closer = fileMapper
	case devMemSource:
		fileMapper, err := openFileMapper(devMemPath, 0, p.Regions(), temp.ReadOnly)
		if err != nil {
			return nil, err
		}

		mapper = fileMapper
		args.closer = fileMapper
	default:
		return nil, fmt.Errorf("unknown memory source: %q - %s", source, usage)
	}

	window := memory.NewWindow(mapper)
	window.Verbose = args.Verbose

	args.Mem = memory.NewAccessor(window)
	args.Rest = flagSet.Args()[restStart:]

	return args, nil
}
