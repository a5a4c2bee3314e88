// Command ktrace turns a trap's faulting program counter into a
// human-readable crash line: it loads an ELF image the way a task's
// address space would be built, walks its page table to the four
// bytes at the given sepc, and disassembles them with
// golang.org/x/arch/riscv64/riscv64asm. This is the one place this
// kernel's RISC-V target is observed by tooling rather than declared
// as an out-of-scope trap-assembly interface.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/arch/riscv64/riscv64asm"

	"os5k/addr"
	"os5k/mm"
	"os5k/pmm"
)

var (
	elfPath = flag.String("elf", "", "path to the ELF image the faulting task was running")
	sepc    = flag.Uint64("sepc", 0, "faulting program counter (hex, e.g. 0x1000)")
)

func main() {
	flag.Parse()
	if *elfPath == "" {
		fmt.Fprintln(os.Stderr, "ktrace: -elf is required")
		os.Exit(2)
	}

	data, err := os.ReadFile(*elfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ktrace:", err)
		os.Exit(1)
	}

	pool := pmm.New(addr.PhysPageNum(0x80000), 1024)
	trampoline := pool.Alloc()
	ms, _, _, err := mm.FromELF(pool, trampoline.PPN(), data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ktrace: parsing ELF:", err)
		os.Exit(1)
	}

	pa, ok := ms.PageTable().TranslateVA(addr.VirtAddr(uintptr(*sepc)))
	if !ok {
		fmt.Fprintf(os.Stderr, "ktrace: sepc %#x is not mapped in this image\n", *sepc)
		os.Exit(1)
	}
	page := pool.PageBytes(pa.Floor())
	off := pa.PageOffset()
	if int(off)+4 > len(page) {
		fmt.Fprintf(os.Stderr, "ktrace: instruction at %#x crosses a page boundary\n", *sepc)
		os.Exit(1)
	}
	instrBytes := page[off : off+4]

	inst, derr := riscv64asm.Decode(instrBytes)
	if derr != nil {
		fmt.Printf("sepc=%#08x: <bad instruction: %v> (bytes %02x %02x %02x %02x)\n",
			*sepc, derr, instrBytes[0], instrBytes[1], instrBytes[2], instrBytes[3])
		os.Exit(1)
	}
	fmt.Printf("sepc=%#08x: %s\n", *sepc, inst.String())
}
