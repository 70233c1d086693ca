package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gitlab.com/stephen-fox/investee/asmkit"
	"gitlab.com/stephen-fox/investee/conv"
)

const (
	asmSyntaxArg    = "s"
	inputFormatArg  = "i"
	outputFormatArg = "o"
	pcArg           = "pc"
	helpArg         = "h"

	gnuSyntax = string(asmkit.GNUSyntax)
	goSyntax  = string(asmkit.GoSyntax)

	hexFormat   = "hex"
	wordsFormat = "words"
	dumpFormat  = "dump"
	rawFormat   = "raw"
	b64Format   = "b64"

	prettyFormat      = "pretty"
	listingFormat     = "listing"
	jsonDisassFormat  = "json"
	jsonVerboseFormat = "jsonv"
	goFormat          = "go"

	appName = "dasm"
	usage   = appName + `
DESCRIPTION
  Disassemble ARM64 (A64) instructions read from stdin.

  Besides raw and encoded bytes, the input can be a list of 32-bit
  instruction words ('` + wordsFormat + `') or the output of investee's dump
  command ('` + dumpFormat + `'), which makes it possible to check a hook
  trampoline that was written to memory.

USAGE
  ` + appName + ` [options] < some-file

EXAMPLES
  Disassemble instruction words:
    $ echo '0xa90007e0 0xd5382020 0xd503201f' | ` + appName + ` -` + inputFormatArg + ` ` + wordsFormat + `
    stp x0, x1, [sp]
    mrs x0, s3_0_c2_c0_1
    nop

  Disassemble the trampoline slots of a RAM snapshot:
    $ investee snapshot ram.bin dump 0x4001083c 64 \
        | ` + appName + ` -` + inputFormatArg + ` ` + dumpFormat + ` -` + outputFormatArg + ` ` + listingFormat + `

OPTIONS
`
)

func main() {
	log.SetFlags(0)

	err := mainWithError()
	if err != nil {
		log.Fatalln("fatal:", err)
	}
}

func mainWithError() error {
	help := flag.Bool(
		helpArg,
		false,
		"Display this information")

	inputFormat := flag.String(
		inputFormatArg,
		hexFormat,
		"The input data `format` ('"+strings.Join([]string{hexFormat, wordsFormat, dumpFormat, rawFormat, b64Format}, "', '")+"')")

	outputFormat := flag.String(
		outputFormatArg,
		prettyFormat,
		"The output `format` ('"+strings.Join([]string{prettyFormat, listingFormat, hexFormat, b64Format, jsonDisassFormat, jsonVerboseFormat, goFormat}, "', '")+"')")

	syntax := flag.String(
		asmSyntaxArg,
		gnuSyntax,
		"The desired assembly syntax ('"+gnuSyntax+"', '"+goSyntax+"')")

	pc := flag.String(
		pcArg,
		"0",
		"The `address` of the first instruction")

	flag.Parse()

	if *help {
		os.Stderr.WriteString(usage)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if flag.NArg() != 0 {
		return fmt.Errorf("unexpected arguments: %q", flag.Args())
	}

	var startPC uint64
	_, err := fmt.Sscanf(strings.TrimPrefix(*pc, "0x"), "%x", &startPC)
	if err != nil {
		return fmt.Errorf("failed to parse pc %q - %w", *pc, err)
	}

	disassembler, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
		Syntax: asmkit.DisassemblySyntax(*syntax),
		OptPC:  startPC,
	})
	if err != nil {
		return fmt.Errorf("failed to create new decoder - %w", err)
	}

	var binaryInsts []byte
	switch *inputFormat {
	case b64Format:
		b64Str, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read base64 data from stdin - %w", err)
		}

		binaryInsts, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(b64Str)))
		if err != nil {
			return fmt.Errorf("failed to decode base64 data - %w", err)
		}
	case hexFormat:
		hexStr, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read hex data from stdin - %w", err)
		}

		binaryInsts, err = hex.DecodeString(strings.Join(strings.Fields(string(hexStr)), ""))
		if err != nil {
			return fmt.Errorf("failed to decode hex data - %w", err)
		}
	case wordsFormat:
		binaryInsts, err = conv.HexWordsToBytes(os.Stdin)
	case dumpFormat:
		binaryInsts, err = conv.DumpToBytes(os.Stdin)
	case rawFormat:
		binaryInsts, err = io.ReadAll(os.Stdin)
	default:
		err = fmt.Errorf("unknown input format: %q", *inputFormat)
	}
	if err != nil {
		return fmt.Errorf("failed to read %q instructions - %w", *inputFormat, err)
	}

	output := bytes.NewBuffer(nil)
	var writer instWriter

	switch *outputFormat {
	case prettyFormat:
		writer = &disassWriter{
			w: output,
		}
	case listingFormat:
		writer = &listingWriter{
			pc: startPC,
			w:  output,
		}
	case hexFormat:
		writer = &encoderWriter{
			encoder: hex.NewEncoder(output),
			w:       output,
		}
	case b64Format:
		writer = &encoderWriter{
			encoder: base64.NewEncoder(base64.StdEncoding, output),
			w:       output,
		}
	case jsonDisassFormat:
		writer = &jsonDisassWriter{
			indent: "  ",
			w:      output,
		}
	case jsonVerboseFormat:
		writer = &jsonVerboseWriter{
			indent: "  ",
			w:      output,
		}
	case goFormat:
		writer = &goByteSliceWriter{
			w: output,
		}
	default:
		return fmt.Errorf("unsupported output format: %q",
			*outputFormat)
	}

	err = disassembler.All(binaryInsts, func(inst asmkit.Inst) error {
		return writer.Write(inst)
	})
	if err != nil {
		return fmt.Errorf("failed to decode instructions - %w", err)
	}

	err = writer.Flush()
	if err != nil {
		return fmt.Errorf("failed to write remaining data to output - %w", err)
	}

	_, err = io.Copy(os.Stdout, output)
	if err != nil {
		return err
	}

	return nil
}

type instWriter interface {
	Write(asmkit.Inst) error
	Flush() error
}

var _ instWriter = (*disassWriter)(nil)

type disassWriter struct {
	w io.Writer
}

func (o *disassWriter) Write(inst asmkit.Inst) error {
	_, err := o.w.Write([]byte(inst.Dis + "\n"))
	if err != nil {
		return err
	}

	return nil
}

func (o *disassWriter) Flush() error {
	return nil
}

var _ instWriter = (*listingWriter)(nil)

type listingWriter struct {
	pc uint64
	w  io.Writer
}

func (o *listingWriter) Write(inst asmkit.Inst) error {
	_, err := fmt.Fprintf(o.w, "0x%08x:  %s  %s\n",
		o.pc+uint64(inst.Index), inst.Word, inst.Dis)
	if err != nil {
		return err
	}

	return nil
}

func (o *listingWriter) Flush() error {
	return nil
}

var _ instWriter = (*encoderWriter)(nil)

type encoderWriter struct {
	encoder io.Writer
	w       io.Writer
}

func (o *encoderWriter) Write(inst asmkit.Inst) error {
	_, err := o.encoder.Write(inst.Bin)
	if err != nil {
		return err
	}

	return nil
}

func (o *encoderWriter) Flush() error {
	closer, ok := o.encoder.(io.Closer)
	if ok {
		err := closer.Close()
		if err != nil {
			return err
		}
	}

	_, err := o.w.Write([]byte{'\n'})
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*jsonDisassWriter)(nil)

type jsonDisassWriter struct {
	indent string
	w      io.Writer
	buf    []string
}

func (o *jsonDisassWriter) Write(inst asmkit.Inst) error {
	o.buf = append(o.buf, inst.Dis)

	return nil
}

func (o *jsonDisassWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", o.indent)

	err := enc.Encode(o.buf)
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*jsonVerboseWriter)(nil)

type jsonVerboseWriter struct {
	indent string
	w      io.Writer
	buf    []json.RawMessage
}

func (o *jsonVerboseWriter) Write(inst asmkit.Inst) error {
	item, err := json.MarshalIndent(&inst, "", o.indent)
	if err != nil {
		return err
	}

	o.buf = append(o.buf, item)

	return nil
}

func (o *jsonVerboseWriter) Flush() error {
	enc := json.NewEncoder(o.w)

	enc.SetIndent("", o.indent)

	err := enc.Encode(o.buf)
	if err != nil {
		return err
	}

	return nil
}

var _ instWriter = (*goByteSliceWriter)(nil)

type goByteSliceWriter struct {
	isInit bool
	w      io.Writer
}

func (o *goByteSliceWriter) Write(inst asmkit.Inst) error {
	if !o.isInit {
		o.isInit = true

		_, err := o.w.Write([]byte("[]byte {\n"))
		if err != nil {
			return err
		}
	}

	_, err := o.w.Write([]byte{'\t'})
	if err != nil {
		return err
	}

	for _, b := range inst.Bin {
		_, err = fmt.Fprintf(o.w, "0x%x, ", b)
		if err != nil {
			return err
		}
	}

	_, err = o.w.Write([]byte("// " + inst.Dis + "\n"))
	if err != nil {
		return err
	}

	return nil
}

func (o *goByteSliceWriter) Flush() error {
	_, err := o.w.Write([]byte{'}', '\n'})
	if err != nil {
		return err
	}

	return nil
}
