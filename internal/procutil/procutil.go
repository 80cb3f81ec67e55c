// Package procutil holds the fork/exec and descriptor-hygiene glue that
// turns a single preforkd binary into both the supervisor and its
// workers: Go has no bare fork(2), so a worker is a fresh exec of the
// same binary with its control-channel fd handed across via
// os/exec.Cmd.ExtraFiles, the same idiom graceful-restart listener
// handoff uses.
package procutil

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/taesko/preforkd/internal/fdtransport"
)

// WorkerModeEnv marks a re-exec'd process as a worker rather than the
// supervisor. The supervisor sets it only on the child's environment; it
// never sets it on itself.
const WorkerModeEnv = "PREFORKD_WORKER"

// workerControlFD is the fixed descriptor number a worker's control
// channel arrives on: the first (and only) ExtraFiles entry lands at 3,
// right after stdin/stdout/stderr.
const workerControlFD = 3

// IsWorkerMode reports whether the running process was exec'd by
// SpawnWorker rather than started directly as the supervisor.
func IsWorkerMode() bool {
	return os.Getenv(WorkerModeEnv) == "1"
}

// InheritedControlChannel reconstructs a worker's end of its control
// channel from the fixed inherited descriptor, consuming it.
func InheritedControlChannel() (*fdtransport.ControlChannel, error) {
	return fdtransport.FromFD(workerControlFD)
}

// SpawnWorker execs a fresh copy of the running binary in worker mode,
// passing receiverFile as its sole ExtraFile. It closes receiverFile
// itself once the child has inherited its own copy, since the parent
// has no further use for the child-end of the new control channel; the
// caller must independently close the ControlChannel receiverFile was
// derived from.
func SpawnWorker(receiverFile *os.File) (*os.Process, error) {
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), WorkerModeEnv+"=1")
	cmd.ExtraFiles = []*os.File{receiverFile}
	// The worker's own stdin has no use (all I/O arrives over the control
	// channel); its stdout/stderr are left attached to the supervisor's so
	// logrus output from both processes interleaves on the same stream,
	// mirroring SocketHandoff's cmd.Stdout/cmd.Stderr forwarding.
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("procutil: starting worker: %w", err)
	}
	if err := receiverFile.Close(); err != nil {
		return nil, fmt.Errorf("procutil: closing parent's copy of worker control fd: %w", err)
	}
	return cmd.Process, nil
}
