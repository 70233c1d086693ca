package procscan

// Verdict is the outcome of the heuristics applied to a Match.
type Verdict int

const (
	// VerdictPatched means uid, euid and fsuid were set to zero.
	VerdictPatched Verdict = iota

	// VerdictPointerRejected means the value before the name does
	// not look like a kernel pointer.
	VerdictPointerRejected

	// VerdictUIDRejected means the uid is at or above the ceiling,
	// so the record is left alone.
	VerdictUIDRejected

	// VerdictUnreadable means the pointer or the credential record
	// could not be mapped.
	VerdictUnreadable

	// VerdictWriteDropped means a credential write could not be
	// mapped. Earlier writes may have landed.
	VerdictWriteDropped
)

func (o Verdict) String() string {
	switch o {
	case VerdictPatched:
		return "patched"
	case VerdictPointerRejected:
		return "pointer-rejected"
	case VerdictUIDRejected:
		return "uid-rejected"
	case VerdictUnreadable:
		return "unreadable"
	case VerdictWriteDropped:
		return "write-dropped"
	default:
		return "unknown"
	}
}
