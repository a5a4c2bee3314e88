package mm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// buildTestELF hand-assembles a minimal ELF64 executable with a single
// PT_LOAD segment, since the standard library offers a reader
// (debug/elf) but no writer. It exists only to give FromELF's tests a
// real image to parse.
func buildTestELF(vaddr uint64, entry uint64, segment []byte, flags elf.ProgFlag) []byte {
	const ehsize = 64
	const phentsize = 56

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_RISCV),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Shoff:     0,
		Flags:     0,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	copy(hdr.Ident[:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})

	ph := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(flags),
		Off:    ehsize + phentsize,
		Vaddr:  vaddr,
		Paddr:  vaddr,
		Filesz: uint64(len(segment)),
		Memsz:  uint64(len(segment)),
		Align:  4096,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, ph)
	buf.Write(segment)
	return buf.Bytes()
}
