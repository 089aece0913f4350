// Package constants provides runtime-wide timing constants that several
// components need to agree on.
package constants

import "time"

const (
	// OutputFilePollInterval is how often the agent runner polls for the
	// launch output file to appear before it assumes the exec failed.
	OutputFilePollInterval = 100 * time.Millisecond

	// OutputFilePollAttempts bounds the wait for the output file to appear
	//.
	OutputFilePollAttempts = 50

	// ContainerStopTimeout is how long StopContainer waits for a graceful
	// exit before the engine escalates to SIGKILL.
	ContainerStopTimeout = 10 * time.Second

	// ExecStatusPollInterval is how often the agent runner polls
	// ExecStatus while waiting for the agent process to exit.
	ExecStatusPollInterval = 1 * time.Second

	// CredentialDebounceInterval is the default settle time after an
	// fsnotify event before the credential propagator copies files out.
	CredentialDebounceInterval = 1 * time.Second

	// ReconcileInterval is the default period between reconciler sweeps.
	ReconcileInterval = 5 * time.Minute

	// WorkspaceProvisionTimeout bounds a single clone-through-cache
	// operation, including the reference-cache fetch.
	WorkspaceProvisionTimeout = 5 * time.Minute
)
