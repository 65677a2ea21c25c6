// Non-Linux stub for the kernelprobe collector. No factory is registered,
// so collector.New("kernelprobe", ...) returns collector.UnknownSourceError
// on these platforms — callers branch on that error rather than using build
// tags themselves.
//
//go:build !linux

package kernelprobe
