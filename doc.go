// Package investee inspects and patches the memory of an untrusted
// operating system from a privileged component that only has access
// to its physical memory.
//
// Physical memory is reached through a single page window
// (see package memory). Virtual addresses are resolved by walking the
// untrusted system's translation tables in software (package ptw).
// On top of that, package procscan finds processes by name and rewrites
// their credentials, package hook installs an exception vector hook
// that reports to the secure world over SMC, and package stackinspect
// dumps the stack frame a hooked system call left behind. Package
// command dispatches these operations by command ID.
//
// Board and kernel specific numbers are described by package profile.
//
// For scripting convenience, "OrExit" functions and methods are provided.
// Any errors encountered by these functions are treated as fatal. In such
// cases, an exit handler function is invoked.
package investee
