package command

import (
	"fmt"
)

// ID selects the operation performed by Service.Invoke.
type ID uint32

const (
	DumpMemory    ID = 0
	SearchProcess ID = 1
	HookVbar      ID = 2
	LogSyscall    ID = 3
)

func (o ID) String() string {
	switch o {
	case DumpMemory:
		return "dump-memory"
	case SearchProcess:
		return "search-process"
	case HookVbar:
		return "hook-vbar"
	case LogSyscall:
		return "log-syscall"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(o))
	}
}

// Status values follow the TEE client API result codes.
type Status uint32

const (
	StatusSuccess        Status = 0x00000000
	StatusGeneric        Status = 0xffff0000
	StatusBadParameters  Status = 0xffff0006
	StatusNotImplemented Status = 0xffff0009
)

func (o Status) String() string {
	switch o {
	case StatusSuccess:
		return "success"
	case StatusGeneric:
		return "generic error"
	case StatusBadParameters:
		return "bad parameters"
	case StatusNotImplemented:
		return "not implemented"
	default:
		return fmt.Sprintf("0x%08x", uint32(o))
	}
}

// Origin tells which layer produced a Status.
type Origin uint32

const (
	// OriginAPI means the request was rejected before any
	// operation ran.
	OriginAPI Origin = 1

	// OriginTrustedApp means the service produced the status.
	OriginTrustedApp Origin = 4
)

func (o Origin) String() string {
	switch o {
	case OriginAPI:
		return "api"
	case OriginTrustedApp:
		return "trusted app"
	default:
		return fmt.Sprintf("origin(%d)", uint32(o))
	}
}
