// Package conv converts textual renderings of A64 instruction words
// and memory dumps back into little-endian bytes.
package conv

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// HexWordsToBytes parses 32-bit hexadecimal words separated by
// whitespace or commas and returns them as little-endian bytes.
// The "0x" prefix is optional. Text following "//" or "#" on a
// line is ignored, which allows disassembly listings to be pasted
// as they are.
func HexWordsToBytes(source io.Reader) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	scanner := bufio.NewScanner(source)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := stripComment(scanner.Text())

		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\r'
		})

		for _, field := range fields {
			word, err := parseHex(field, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: failed to parse word %q - %w",
					lineNum, field, err)
			}

			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], uint32(word))
			buf.Write(b[:])
		}
	}

	err := scanner.Err()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

const dumpHexField = "hex: "

// DumpToBytes parses the output of a memory dump, one 64-bit word
// per line in the form:
//
//	0x40001000: hex: d503201fd503201f, str: "..."
//
// and returns the words as little-endian bytes. Empty lines are
// skipped. Lines whose word could not be read ("unreadable") are
// replaced by eight zero bytes.
func DumpToBytes(source io.Reader) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	scanner := bufio.NewScanner(source)
	lineNum := 0

	for scanner.Scan() {
		lineNum++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var b [8]byte

		if strings.HasSuffix(line, ": unreadable") {
			buf.Write(b[:])
			continue
		}

		index := strings.Index(line, dumpHexField)
		if index < 0 {
			return nil, fmt.Errorf("line %d: missing %q field", lineNum, strings.TrimSpace(dumpHexField))
		}

		field := line[index+len(dumpHexField):]

		end := strings.IndexByte(field, ',')
		if end >= 0 {
			field = field[:end]
		}

		word, err := parseHex(field, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: failed to parse word %q - %w", lineNum, field, err)
		}

		binary.LittleEndian.PutUint64(b[:], word)
		buf.Write(b[:])
	}

	err := scanner.Err()
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func stripComment(line string) string {
	for _, marker := range []string{"//", "#"} {
		index := strings.Index(line, marker)
		if index >= 0 {
			line = line[:index]
		}
	}

	return line
}

func parseHex(str string, bits int) (uint64, error) {
	str = strings.TrimPrefix(strings.TrimPrefix(str, "0x"), "0X")

	return strconv.ParseUint(str, 16, bits)
}
