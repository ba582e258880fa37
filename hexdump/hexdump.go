// Package hexdump renders patch payloads and target memory as address
// annotated hex, optionally highlighting bytes that differ from a baseline.
package hexdump

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Moonlight-Companies/gologger/coloransi"
)

// Options defines options for customizing the hexdump output
type Options struct {
	// BytesPerLine defines the number of bytes to display per line
	BytesPerLine int

	// GroupSize defines the grouping of bytes (usually 1, 2, 4, or 8)
	GroupSize int

	// ShowASCII determines whether to show the ASCII representation
	ShowASCII bool

	// StartAddress is the address of data[0]
	StartAddress uint64

	// AddressWidth is the width of the address column in hex digits
	AddressWidth int

	// MaxLines is the maximum number of lines to show (0 for no limit)
	MaxLines int

	// Before, when set, is compared byte by byte with the dumped data.
	// Differing bytes are highlighted.
	Before []byte

	// Color enables ANSI highlighting. Without it changed bytes are
	// printed in upper case.
	Color bool
}

// DefaultOptions returns the default hexdump options
func DefaultOptions() Options {
	return Options{
		BytesPerLine: 16,
		GroupSize:    1,
		ShowASCII:    true,
		AddressWidth: 8,
	}
}

// Dump creates a hex dump of the given data with specified options
func Dump(data []byte, options Options) string {
	var buffer bytes.Buffer
	DumpToWriter(&buffer, data, options)
	return buffer.String()
}

// DumpAt dumps data located at addr with default options
func DumpAt(addr uint64, data []byte) string {
	options := DefaultOptions()
	options.StartAddress = addr
	return Dump(data, options)
}

// Diff dumps after located at addr, marking the bytes that differ from before
func Diff(addr uint64, before, after []byte) string {
	options := DefaultOptions()
	options.StartAddress = addr
	options.Before = before
	return Dump(after, options)
}

// Changed counts the bytes of after that differ from before
func Changed(before, after []byte) int {
	n := 0
	for i, b := range after {
		if i >= len(before) || before[i] != b {
			n++
		}
	}
	return n
}

// DumpToWriter writes a hex dump of the given data to the specified writer
func DumpToWriter(writer io.Writer, data []byte, options Options) {
	if options.BytesPerLine <= 0 {
		options.BytesPerLine = 16
	}
	if options.GroupSize <= 0 {
		options.GroupSize = 1
	}
	if options.AddressWidth <= 0 {
		options.AddressWidth = 8
	}

	lineCount := 0
	for offset := 0; offset < len(data); offset += options.BytesPerLine {
		if options.MaxLines > 0 && lineCount >= options.MaxLines {
			fmt.Fprintf(writer, "... %d more bytes\n", len(data)-offset)
			break
		}

		end := offset + options.BytesPerLine
		if end > len(data) {
			end = len(data)
		}

		formatLine(writer, data[offset:end], offset, options)
		lineCount++
	}
}

// formatLine formats a single line; offset is the index of data[0] in the dump
func formatLine(writer io.Writer, data []byte, offset int, options Options) {
	address := options.StartAddress + uint64(offset)
	fmt.Fprint(writer, fmt.Sprintf("%0"+strconv.Itoa(options.AddressWidth)+"x", address), "  ")

	hexParts := formatHexValues(data, offset, options)
	if left := splitAt(len(data), len(hexParts), options); left > 0 {
		fmt.Fprint(writer, strings.Join(hexParts[:left], " "), " | ", strings.Join(hexParts[left:], " "))
	} else {
		fmt.Fprint(writer, strings.Join(hexParts, " "))
	}

	if !options.ShowASCII {
		fmt.Fprintln(writer)
		return
	}

	// pad short lines so the ASCII column stays aligned
	if padding := hexWidth(options.BytesPerLine, options) - hexWidth(len(data), options); padding > 0 {
		fmt.Fprint(writer, strings.Repeat(" ", padding))
	}

	fmt.Fprint(writer, " | ")
	for _, b := range data {
		if b >= 0x20 && b < 0x7f {
			fmt.Fprint(writer, string(rune(b)))
		} else {
			fmt.Fprint(writer, ".")
		}
	}
	fmt.Fprintln(writer)
}

// formatHexValues formats the hex values of one line into groups
func formatHexValues(data []byte, offset int, options Options) []string {
	var result []string
	var group strings.Builder

	for i, b := range data {
		hexValue := fmt.Sprintf("%02x", b)
		if isChanged(offset+i, b, options.Before) {
			if options.Color {
				hexValue = fmt.Sprint(coloransi.Color(coloransi.Red, coloransi.ColorOrange, hexValue))
			} else {
				hexValue = strings.ToUpper(hexValue)
			}
		}
		group.WriteString(hexValue)

		if (i+1)%options.GroupSize == 0 || i == len(data)-1 {
			result = append(result, group.String())
			group.Reset()
		}
	}

	return result
}

// splitAt returns the group index where a line of n bytes in groups groups
// gets its middle divider, or 0 for no divider. Lines only split once they
// reach past half of BytesPerLine.
func splitAt(n, groups int, options Options) int {
	if options.BytesPerLine < 8 || n <= options.BytesPerLine/2 {
		return 0
	}
	groupsPerLine := max(options.BytesPerLine/options.GroupSize, 1)
	left := min(groupsPerLine/2, groups)
	if left >= groups {
		return 0
	}
	return left
}

// hexWidth is the printed width of the hex column for n bytes
func hexWidth(n int, options Options) int {
	if n == 0 {
		return 0
	}
	groups := (n + options.GroupSize - 1) / options.GroupSize
	width := 2*n + groups - 1
	if splitAt(n, groups, options) > 0 {
		width += 2
	}
	return width
}

func isChanged(index int, b byte, before []byte) bool {
	if before == nil {
		return false
	}
	return index >= len(before) || before[index] != b
}
