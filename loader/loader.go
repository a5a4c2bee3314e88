// Package loader stands in for the out-of-scope ELF loader / app image
// collaborator: given an application name, it produces the raw bytes of
// its ELF image, or reports that no such application exists. The real
// kernel's loader bakes these images into the kernel binary at build
// time (linked in via an asm include, outside this spec's scope); this
// package exposes the same narrow interface (GetAppDataByName) against
// an in-memory registry so the rest of the kernel, and its tests, never
// need to know the difference.
package loader

import "sync"

var (
	mu    sync.Mutex
	apps  = map[string][]byte{}
)

/// Register installs data as the ELF image for the named application.
/// Intended for test setup and for the bootstrap collaborator that links
/// in the real application images.
func Register(name string, data []byte) {
	mu.Lock()
	defer mu.Unlock()
	apps[name] = data
}

/// GetAppDataByName returns the ELF bytes for name, or ok=false if no
/// such application was registered.
func GetAppDataByName(name string) (data []byte, ok bool) {
	mu.Lock()
	defer mu.Unlock()
	data, ok = apps[name]
	return
}
