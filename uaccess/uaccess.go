// Package uaccess is the sole sanctioned path from the kernel into user
// memory: given a user page-table token (wrapped as a *pagetable.PageTable
// built via pagetable.FromToken) and a user pointer, it produces
// kernel-addressable byte slices or typed references. It deliberately
// does not enforce protection bits -- the U bit is set at map time by
// the memory-set package -- matching spec.md's contract for these
// helpers.
//
// Grounded on original_source/os5's mm/page_table.rs
// (translated_byte_buffer, translated_str, translated_refmut,
// translated_large_type, copy_type_into_bufs) for the exact per-page
// split algorithm, and on the teacher kernel's vm/as.go
// (Userdmap8_inner, Userreadn/Userwriten, Userstr) for the Go idiom of
// looping a cursor across page boundaries.
package uaccess

import (
	"unsafe"

	"os5k/addr"
	"os5k/kstat"
	"os5k/pagetable"
)

// pageBytes returns the byte view of the physical frame backing vpn in
// pt, panicking if vpn is unmapped -- callers must ensure mappings exist,
// exactly as the original's translated_byte_buffer unwraps translate().
func pageBytes(pt *pagetable.PageTable, vpn addr.VirtPageNum) []byte {
	pte, ok := pt.Translate(vpn)
	if !ok {
		kstat.Panicf("uaccess: vpn %#x is not mapped", vpn)
	}
	return pt.Pool().PageBytes(pte.PPN())
}

/// TranslatedByteBuffer produces an ordered list of kernel-addressable
/// byte slices that together cover the user range [ptr, ptr+length),
/// split at page boundaries. The sum of the returned slices' lengths is
/// always length.
func TranslatedByteBuffer(pt *pagetable.PageTable, ptr uintptr, length int) [][]byte {
	var out [][]byte
	start := ptr
	end := ptr + uintptr(length)
	for start < end {
		startVA := addr.VirtAddr(start)
		vpn := startVA.Floor()
		pg := pageBytes(pt, vpn)

		endVA := addr.Min(vpn.Step().ToVirtAddr(), addr.VirtAddr(end))
		lo := startVA.PageOffset()
		var hi uintptr
		if endVA.PageOffset() == 0 {
			hi = uintptr(len(pg))
		} else {
			hi = endVA.PageOffset()
		}
		out = append(out, pg[lo:hi])
		start = uintptr(endVA)
	}
	return out
}

/// TranslatedStr reads a NUL-terminated user string one byte at a time,
/// walking the page table per byte, and returns the bytes up to (not
/// including) the NUL.
func TranslatedStr(pt *pagetable.PageTable, ptr uintptr) []byte {
	var out []byte
	va := ptr
	for {
		pa, ok := pt.TranslateVA(addr.VirtAddr(va))
		if !ok {
			kstat.Panicf("uaccess: va %#x is not mapped", va)
		}
		pg := pt.Pool().PageBytes(pa.Floor())
		b := pg[pa.PageOffset()]
		if b == 0 {
			return out
		}
		out = append(out, b)
		va++
	}
}

// sizeOf returns the size in bytes of T.
func sizeOf[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

/// TranslatedRefMut returns a kernel-addressable mutable view of a
/// single T at ptr. It panics if T does not fit within one page starting
/// at that offset -- callers needing a value that may cross a page
/// boundary must use TranslatedLargeType instead.
func TranslatedRefMut[T any](pt *pagetable.PageTable, ptr uintptr) *T {
	n := sizeOf[T]()
	va := addr.VirtAddr(ptr)
	pa, ok := pt.TranslateVA(va)
	if !ok {
		kstat.Panicf("uaccess: va %#x is not mapped", ptr)
	}
	pg := pt.Pool().PageBytes(pa.Floor())
	off := pa.PageOffset()
	if int(off)+n > len(pg) {
		kstat.Panicf("uaccess: value of size %d at va %#x crosses a page boundary", n, ptr)
	}
	return (*T)(unsafe.Pointer(&pg[off]))
}

/// TranslatedLargeType splits the user destination at ptr into the byte
/// slices covering sizeof(T) bytes, for values that may span multiple
/// pages (or straddle one page boundary).
func TranslatedLargeType[T any](pt *pagetable.PageTable, ptr uintptr) [][]byte {
	return TranslatedByteBuffer(pt, ptr, sizeOf[T]())
}

/// CopyTypeIntoBufs copies value byte-for-byte across bufs in order. The
/// sum of bufs' lengths must equal sizeof(T); it is the caller's
/// responsibility to have obtained bufs from TranslatedLargeType[T].
func CopyTypeIntoBufs[T any](value *T, bufs [][]byte) {
	n := sizeOf[T]()
	src := unsafe.Slice((*byte)(unsafe.Pointer(value)), n)
	off := 0
	for _, buf := range bufs {
		copy(buf, src[off:off+len(buf)])
		off += len(buf)
	}
}
