package nexus

// NexusState is the internal lifecycle state of the nexus object.
type NexusState int

const (
	// StateInit: created but children not opened yet.
	StateInit NexusState = iota
	// StateOpen: serving I/O.
	StateOpen
	// StateShuttingDown: shutdown barrier engaged, I/O draining.
	StateShuttingDown
	// StateShutdown: quiesced; terminal for I/O, not for the object.
	StateShutdown
)

func (s NexusState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOpen:
		return "open"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	}
	return "unknown"
}

// NexusStatus is the externally visible health of the nexus, derived
// from the lifecycle state and the child set.
type NexusStatus int

const (
	// StatusFaulted: no child usable, I/O fails fast.
	StatusFaulted NexusStatus = iota
	// StatusDegraded: at least one child lost, I/O still flows.
	StatusDegraded
	// StatusOnline: full redundancy.
	StatusOnline
	// StatusShuttingDown: shutdown in progress.
	StatusShuttingDown
	// StatusShutdown: quiesced.
	StatusShutdown
)

func (s NexusStatus) String() string {
	switch s {
	case StatusFaulted:
		return "faulted"
	case StatusDegraded:
		return "degraded"
	case StatusOnline:
		return "online"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusShutdown:
		return "shutdown"
	}
	return "unknown"
}

// ChildState is the health of one child.
type ChildState int

const (
	// ChildInit: being opened.
	ChildInit ChildState = iota
	// ChildOnline: open for I/O, fully synced.
	ChildOnline
	// ChildDegraded: temporarily out of the read path; recoverable.
	ChildDegraded
	// ChildFaulted: unusable until replaced or rebuilt after reconnect.
	ChildFaulted
)

func (s ChildState) String() string {
	switch s {
	case ChildInit:
		return "init"
	case ChildOnline:
		return "online"
	case ChildDegraded:
		return "degraded"
	case ChildFaulted:
		return "faulted"
	}
	return "unknown"
}

// Reason qualifies why a child is not Online.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonOutOfSync: awaiting or undergoing rebuild.
	ReasonOutOfSync
	// ReasonClosed: closed by the nexus on shutdown.
	ReasonClosed
	// ReasonOffline: taken offline by an operator.
	ReasonOffline
	// ReasonCantOpen: backend device could not be opened.
	ReasonCantOpen
	// ReasonRebuildFailed: last rebuild targeting this child failed.
	ReasonRebuildFailed
	// ReasonIoError: faulted by a failed I/O completion.
	ReasonIoError
	// ReasonByClient: faulted explicitly through the control plane.
	ReasonByClient
	// ReasonNoSpace: thin backend ran out of space.
	ReasonNoSpace
	// ReasonTimedOut: liveness monitor lost the backend.
	ReasonTimedOut
	// ReasonAdminFailed: backend admin command failed.
	ReasonAdminFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonOutOfSync:
		return "out of sync"
	case ReasonClosed:
		return "closed"
	case ReasonOffline:
		return "offline"
	case ReasonCantOpen:
		return "cannot open"
	case ReasonRebuildFailed:
		return "rebuild failed"
	case ReasonIoError:
		return "io error"
	case ReasonByClient:
		return "by client"
	case ReasonNoSpace:
		return "no space"
	case ReasonTimedOut:
		return "timed out"
	case ReasonAdminFailed:
		return "admin command failed"
	}
	return "unknown"
}

// recoverable reasons degrade the child; the rest fault it.
func (r Reason) recoverable() bool {
	switch r {
	case ReasonOutOfSync, ReasonClosed, ReasonOffline, ReasonNoSpace,
		ReasonTimedOut, ReasonRebuildFailed:
		return true
	}
	return false
}

// ComputeStatus derives the nexus status from the lifecycle state and
// the child set. Every child-state mutation funnels through this one
// function so all callers converge on the same answer.
func ComputeStatus(state NexusState, children []*Child) NexusStatus {
	switch state {
	case StateInit:
		return StatusDegraded
	case StateShuttingDown:
		return StatusShuttingDown
	case StateShutdown:
		return StatusShutdown
	}

	online := 0
	for _, c := range children {
		if c.IsHealthy() {
			online++
		}
	}
	switch {
	case len(children) == 0 || online == 0:
		return StatusFaulted
	case online == len(children):
		return StatusOnline
	default:
		return StatusDegraded
	}
}
