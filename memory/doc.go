// Package memory provides functionality for reading and writing the
// physical memory of an untrusted operating system.
//
// Physical pages are accessed through a Window, which owns at most one
// mapped page at a time. Mapping a page releases the previously mapped
// page first, even if the new mapping fails. The mapping itself is done
// by a PageMapper, an opaque capability that turns a page-aligned physical
// address into a local []byte view of that page. Two PageMapper
// implementations are provided:
//   - ImageMapper, which serves pages out of an in-memory image
//   - FileMapper, which mmaps pages of a file such as a RAM dump
//     or /dev/mem
//
// Typed reads and writes are done with an Accessor. An Accessor never
// returns errors from its read and write methods. If the containing page
// cannot be mapped, reads produce zero and writes are dropped. This means
// a zero value is ambiguous: it may be real data, or it may be the result
// of a failed mapping. Callers that need to tell the two apart should
// check Accessor.LastFailed after the operation.
//
// Window and Accessor are not safe for concurrent use. Sharing one
// between goroutines breaks the single mapped page invariant.
package memory
