package scripting

import (
	"bytes"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gitlab.com/stephen-fox/investee/memory"
	"gitlab.com/stephen-fox/investee/profile"
)

func testFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("investee", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func writeSnapshot(t *testing.T) string {
	image := make([]byte, 2*memory.PageSize)
	binary.LittleEndian.PutUint64(image[memory.PageSize+8:], 0x1122334455667788)

	filePath := filepath.Join(t.TempDir(), "ram.bin")

	err := os.WriteFile(filePath, image, 0o600)
	if err != nil {
		t.Fatal(err)
	}

	return filePath
}

func TestParseTargetArgs_Snapshot(t *testing.T) {
	filePath := writeSnapshot(t)
	logs := bytes.NewBuffer(nil)

	args, err := ParseTargetArgsWithError(ParseTargetArgsConfig{
		OptOsArgs:  []string{"investee", "-v", "-s", "2", "snapshot", filePath, "dump", "0x1000"},
		OptFlagSet: testFlagSet(),
		OptLogger:  log.New(logs, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer args.Close()

	if args.Context != profile.DefaultContext {
		t.Fatalf("expected context %q - got %q", profile.DefaultContext, args.Context)
	}

	if args.Stages.Goto != 2 {
		t.Fatalf("expected stage 2 - got %d", args.Stages.Goto)
	}

	if strings.Join(args.Rest, " ") != "dump 0x1000" {
		t.Fatalf("unexpected remaining arguments: %q", args.Rest)
	}

	word := args.Mem.Read64(args.Profile.RAMBase.Add(memory.PageSize + 8))
	if args.Mem.LastFailed() {
		t.Fatalf("read failed - %v", args.Mem.LastErr())
	}

	if word != 0x1122334455667788 {
		t.Fatalf("unexpected word: 0x%016x", word)
	}

	if !strings.Contains(logs.String(), "[verbose] window: mapped page") {
		t.Fatalf("expected verbose window logs - got:\n%s", logs.String())
	}
}

func TestParseTargetArgs_SnapshotBase(t *testing.T) {
	filePath := writeSnapshot(t)

	args, err := ParseTargetArgsWithError(ParseTargetArgsConfig{
		OptOsArgs:  []string{"investee", "-b", "0x40001000", "snapshot", filePath},
		OptFlagSet: testFlagSet(),
		OptLogger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer args.Close()

	word := args.Mem.Read64(0x40002008)
	if args.Mem.LastFailed() {
		t.Fatalf("read failed - %v", args.Mem.LastErr())
	}

	if word != 0x1122334455667788 {
		t.Fatalf("unexpected word: 0x%016x", word)
	}

	args.Mem.Read64(0x40000000)
	if !args.Mem.LastFailed() {
		t.Fatal("expected a read before the image base to fail")
	}
}

func TestParseTargetArgs_Errors(t *testing.T) {
	filePath := writeSnapshot(t)

	tests := map[string][]string{
		"no source":       {"investee"},
		"unknown source":  {"investee", "floppy"},
		"missing path":    {"investee", "snapshot"},
		"missing file":    {"investee", "snapshot", filePath + ".nope"},
		"unknown context": {"investee", "-c", "nope", "snapshot", filePath},
		"bad base":        {"investee", "-b", "zzz", "snapshot", filePath},
	}

	for name, osArgs := range tests {
		_, err := ParseTargetArgsWithError(ParseTargetArgsConfig{
			OptOsArgs:  osArgs,
			OptFlagSet: testFlagSet(),
			OptLogger:  log.New(io.Discard, "", 0),
		})
		if err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}
}
