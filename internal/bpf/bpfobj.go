package bpf

import _ "embed"

// octoreflex.bpf.o is produced by the kernel-side C build (clang -target bpf
// against octoreflex.h's LSM programs and maps) — a build step outside this
// Go module, the same way cilium/ebpf's bpf2go-generated wrappers embed a
// prebuilt object file rather than compiling C at `go build` time. This
// module only ever reads the resulting bytes through cilium/ebpf's CO-RE
// loader.
//
//go:embed octoreflex.bpf.o
var bpfObjectBytes []byte
