package disasm

import (
	"fmt"
	"regexp"
	"strconv"
)

// rbpOffset matches an [rbp +/- 0xN] (AT&T-style here: disp(%rbp)) operand
// so it can be rewritten to var_N / arg_N by the stack-variable prettifier
// (spec §4.C).
var rbpOffset = regexp.MustCompile(`(-?)0x([0-9a-fA-F]+)\(%rbp\)`)

// prettifyStackVars rewrites `disp(%rbp)` operands: negative displacements
// become var_N (locals, addressed below the frame pointer), positive
// displacements become arg_N (arguments, addressed above it).
func prettifyStackVars(text string) string {
	return rbpOffset.ReplaceAllStringFunc(text, func(m string) string {
		sub := rbpOffset.FindStringSubmatch(m)
		neg := sub[1] == "-"
		n, err := strconv.ParseUint(sub[2], 16, 64)
		if err != nil {
			return m
		}
		if neg {
			return fmt.Sprintf("var_%X", n)
		}
		return fmt.Sprintf("arg_%X", n)
	})
}
