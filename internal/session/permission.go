package session

import (
	"fmt"

	"github.com/tinywideclouds/go-pwa-push/internal/host"
)

// Transition classifies an observed permission change. Only the platform moves
// a denied permission; the application has no call that does.
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionPromptGranted: unrequested to granted.
	TransitionPromptGranted
	// TransitionPromptDenied: unrequested to denied.
	TransitionPromptDenied
	// TransitionExternalRevocation: granted to denied or unrequested, through platform settings.
	TransitionExternalRevocation
	// TransitionExternalRestore: denied to granted or unrequested, through platform settings.
	TransitionExternalRestore
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionPromptGranted:
		return "prompt-granted"
	case TransitionPromptDenied:
		return "prompt-denied"
	case TransitionExternalRevocation:
		return "external-revocation"
	case TransitionExternalRestore:
		return "external-restore"
	default:
		return fmt.Sprintf("transition(%d)", int(t))
	}
}

// Classify names the change from prev to next.
func Classify(prev, next host.Permission) Transition {
	if prev == next {
		return TransitionNone
	}
	switch prev {
	case host.PermissionUnrequested:
		if next == host.PermissionGranted {
			return TransitionPromptGranted
		}
		return TransitionPromptDenied
	case host.PermissionGranted:
		return TransitionExternalRevocation
	case host.PermissionDenied:
		return TransitionExternalRestore
	}
	return TransitionNone
}
