package debugger

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// disassemble decodes up to max instructions from code, which was read at
// pc. Decoding stops at the first invalid instruction.
func disassemble(code []byte, pc uint64, max int) string {
	var lines []string
	offset := 0
	for len(lines) < max && offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			lines = append(lines, fmt.Sprintf("%#x: (bad)", pc+uint64(offset)))
			break
		}
		addr := pc + uint64(offset)
		lines = append(lines, fmt.Sprintf("%#x: %s", addr, x86asm.IntelSyntax(inst, addr, nil)))
		offset += inst.Len
	}
	return strings.Join(lines, "\n")
}
