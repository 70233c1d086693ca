// Package command dispatches the four introspection commands
// against the untrusted system's memory.
package command

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"gitlab.com/stephen-fox/investee/hook"
	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/procscan"
	"gitlab.com/stephen-fox/investee/profile"
	"gitlab.com/stephen-fox/investee/stackinspect"
)

var (
	ErrBadParameters  = errors.New("bad parameters")
	ErrNotImplemented = errors.New("command not implemented")
)

// Memory is the physical memory access the commands need.
// *memory.Accessor implements it.
type Memory interface {
	Read64(pa memory.PhysAddr) uint64
	Read32(pa memory.PhysAddr) uint32
	Write32(pa memory.PhysAddr, value uint32)
	ReadPage(pa memory.PhysAddr, out *[memory.PageSize]byte)
	LastFailed() bool
	Release() error
}

// LeakSource provides the stack pointer and TTBR1_EL1 values
// stored in the debug breakpoint value registers by the vector hook.
type LeakSource interface {
	Leaked() (sp memory.VirtAddr, ttbr uint64, err error)
}

// StaticLeaks is a LeakSource with fixed values.
type StaticLeaks struct {
	SP   memory.VirtAddr
	TTBR uint64
}

func (o StaticLeaks) Leaked() (memory.VirtAddr, uint64, error) {
	return o.SP, o.TTBR, nil
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	Mem     Memory
	Profile profile.Profile

	// OptLeaks is required by LogSyscall only.
	OptLeaks LeakSource

	// Reporter receives the human readable output of each command.
	Reporter *log.Logger

	// Verbose, when non-nil, is passed to the scanners and the
	// translation walker.
	Verbose *log.Logger
}

func (o ServiceConfig) validate() error {
	if o.Mem == nil {
		return errors.New("memory cannot be nil")
	}

	if o.Reporter == nil {
		return errors.New("reporter cannot be nil")
	}

	err := o.Profile.Validate()
	if err != nil {
		return err
	}

	return nil
}

// NewServiceOrExit calls NewService. DefaultExitFn is called
// if an error occurs.
func NewServiceOrExit(config ServiceConfig) *Service {
	s, err := NewService(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("failed to create command service - %w", err))
	}

	return s
}

// NewService validates config and returns a Service that runs
// commands against config.Mem.
func NewService(config ServiceConfig) (*Service, error) {
	err := config.validate()
	if err != nil {
		return nil, fmt.Errorf("failed to validate config - %w", err)
	}

	return &Service{
		config: config,
	}, nil
}

// Service runs one command at a time. Concurrent Invoke calls are
// serialized because every command shares the same page window.
type Service struct {
	config ServiceConfig
	mu     sync.Mutex
}

// Params are the inputs of a command. Which fields are used
// depends on the command ID.
type Params struct {
	// Addr and Size are used by DumpMemory.
	Addr memory.PhysAddr
	Size uint64

	// Name is used by SearchProcess.
	Name string
}

// Result is the outcome of Invoke. Exactly one of the output
// fields is set when Status is StatusSuccess.
type Result struct {
	Status Status
	Origin Origin
	Err    error

	Words  []DumpedWord
	Search *procscan.Report
	Hook   *hook.Result
	Frame  *stackinspect.Frame
}

// DumpedWord is one 64-bit word read by DumpMemory.
type DumpedWord struct {
	Addr   memory.PhysAddr
	Value  uint64
	Failed bool
}

func (o DumpedWord) String() string {
	if o.Failed {
		return fmt.Sprintf("%s: unreadable", o.Addr)
	}

	return fmt.Sprintf("%s: hex: %016x, str: %q", o.Addr, o.Value, memory.Printable(o.Value))
}

// Invoke runs the command and maps its error, if any, to a Status
// and Origin. The page window is released before Invoke returns.
func (o *Service) Invoke(id ID, params Params) Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	defer func() {
		err := o.config.Mem.Release()
		if err != nil && o.config.Verbose != nil {
			o.config.Verbose.Printf("failed to release page window - %v", err)
		}
	}()

	var result Result
	var err error

	switch id {
	case DumpMemory:
		result.Words, err = o.dumpMemory(params.Addr, params.Size)
	case SearchProcess:
		var report procscan.Report
		report, err = o.searchProcess(params.Name)
		result.Search = &report
	case HookVbar:
		var hr hook.Result
		hr, err = o.hookVbar()
		result.Hook = &hr
	case LogSyscall:
		var frame stackinspect.Frame
		frame, err = o.logSyscall()
		result.Frame = &frame
	default:
		err = fmt.Errorf("%w - %s", ErrNotImplemented, id)
	}

	result.Status, result.Origin = statusOf(err)
	result.Err = err

	if err != nil {
		o.config.Reporter.Printf("%s: %s (%s) - %v", id, result.Status, result.Origin, err)
	}

	return result
}

func statusOf(err error) (Status, Origin) {
	switch {
	case err == nil:
		return StatusSuccess, OriginTrustedApp
	case errors.Is(err, ErrBadParameters),
		errors.Is(err, procscan.ErrSignatureTooLong),
		errors.Is(err, procscan.ErrEmptySignature):
		return StatusBadParameters, OriginAPI
	case errors.Is(err, ErrNotImplemented):
		return StatusNotImplemented, OriginTrustedApp
	default:
		return StatusGeneric, OriginTrustedApp
	}
}

func (o *Service) dumpMemory(addr memory.PhysAddr, size uint64) ([]DumpedWord, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w - dump size cannot be zero", ErrBadParameters)
	}

	limit := uint64(o.config.Profile.MaxDumpSize)
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w - dump size 0x%x exceeds the profile's limit of 0x%x",
			ErrBadParameters, size, limit)
	}

	if addr.Add(size) < addr {
		return nil, fmt.Errorf("%w - %s + 0x%x overflows", ErrBadParameters, addr, size)
	}

	o.config.Reporter.Printf("dumping 0x%x bytes at %s", size, addr)

	var words []DumpedWord

	for i := uint64(0); i < size; i += 8 {
		pa := addr.Add(i)

		word := DumpedWord{
			Addr:  pa,
			Value: o.config.Mem.Read64(pa),
		}
		word.Failed = o.config.Mem.LastFailed()

		o.config.Reporter.Println(word)

		words = append(words, word)
	}

	return words, nil
}

func (o *Service) searchProcess(name string) (procscan.Report, error) {
	scanner := procscan.Scanner{
		Mem:     o.config.Mem,
		Profile: o.config.Profile,
		Verbose: o.config.Verbose,
	}

	report, err := scanner.FindAndFixDefault(name)
	if err != nil {
		return report, err
	}

	for _, m := range report.Matches {
		o.config.Reporter.Printf("found %q at %s: %s", name, m.Name, m)
	}

	o.config.Reporter.Printf("patched %d of %d match(es)", report.PatchCount, len(report.Matches))

	return report, nil
}

func (o *Service) hookVbar() (hook.Result, error) {
	injector := hook.Injector{
		Mem:     o.config.Mem,
		Profile: o.config.Profile,
		Verbose: o.config.Verbose,
	}

	result, err := injector.InstallDefault()
	if err != nil {
		return result, err
	}

	if !result.Found {
		o.config.Reporter.Printf("hook signature 0x%08x not found, nothing written",
			uint32(o.config.Profile.HookSignature))
		return result, nil
	}

	o.config.Reporter.Printf("hooked %s (%s: %s)", result.Site,
		result.Policy.Rule, result.Policy.Rationale)

	return result, nil
}

func (o *Service) logSyscall() (stackinspect.Frame, error) {
	if o.config.OptLeaks == nil {
		return stackinspect.Frame{}, fmt.Errorf("%w - no leak source configured", ErrBadParameters)
	}

	sp, ttbr, err := o.config.OptLeaks.Leaked()
	if err != nil {
		return stackinspect.Frame{}, fmt.Errorf("failed to get leaked registers - %w", err)
	}

	inspector := stackinspect.Inspector{
		Mem:     o.config.Mem,
		Profile: o.config.Profile,
		Verbose: o.config.Verbose,
	}

	frame, err := inspector.Dump(sp, ttbr)
	if err != nil {
		return frame, err
	}

	o.config.Reporter.Println(frame)

	return frame, nil
}
