package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownRole is returned by ParseRole for unrecognised names.
var ErrUnknownRole = errors.New("unknown role")

// Role represents how this node handles work requests. It is fixed at startup.
type Role int

const (
	RoleNone   Role = iota
	RoleWorker      // executes work locally
	RoleShim        // forwards work to discovered peers
)

func (r Role) String() string {
	switch r {
	case RoleWorker:
		return "worker"
	case RoleShim:
		return "shim"
	default:
		return "none"
	}
}

// ParseRole maps a configuration value to a Role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "worker":
		return RoleWorker, nil
	case "shim":
		return RoleShim, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q (use 'worker' or 'shim')", ErrUnknownRole, s)
	}
}

// Operation identifies one of the two work endpoints.
type Operation int

const (
	OpGenerate Operation = iota + 1
	OpEmbeddings
)

func (o Operation) String() string {
	switch o {
	case OpGenerate:
		return "generate"
	case OpEmbeddings:
		return "embeddings"
	default:
		return "unknown"
	}
}

// Path is the HTTP path serving the operation on every mesh member.
func (o Operation) Path() string {
	switch o {
	case OpGenerate:
		return "/api/generate"
	case OpEmbeddings:
		return "/api/embeddings"
	default:
		return ""
	}
}
