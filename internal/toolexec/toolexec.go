// Package toolexec runs the external command-line tools (lvm2, zfs, btrfs,
// exportfs) that the storage backends are built on, and validates the
// user-supplied names that get interpolated into their arguments.
package toolexec

import (
	"bytes"
	"os/exec"
	"regexp"

	"github.com/open-iscsi/targetd/internal/rpcerr"
)

// execCommand builds the command that Invoke runs.
var execCommand = exec.Command

// Result is the captured outcome of running an external command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Invoke runs argv[0] with argv[1:], capturing stdout/stderr separately.
// When raise is true a nonzero exit is turned into an UnexpectedExitCode
// error carrying both streams; the caller never has to check ExitCode
// itself in that case.
func Invoke(raise bool, argv ...string) (Result, error) {
	cmd := execCommand(argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		res.ExitCode = exitErr.ExitCode()
	} else if runErr != nil {
		return res, rpcerr.New(rpcerr.UnexpectedExitCode,
			"failed to run %q: %s", argv, runErr)
	}

	if raise && res.ExitCode != 0 {
		return res, rpcerr.New(rpcerr.UnexpectedExitCode,
			"unexpected exit code %q %d, out=%s%s",
			argv, res.ExitCode, res.Stdout, res.Stderr)
	}

	return res, nil
}

// nameRegex is the name-validation contract shared by every non-ZFS
// backend and by access-group/initiator names: strictly alphanumeric plus
// "_-". ZFS dataset names follow a separate pattern
// (zfsbackend.checkDatasetName) since ZFS allows '.' and requires the name
// start with an alphanumeric.
var nameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CheckName validates a user-supplied volume/access-group name.
func CheckName(name string) error {
	if !nameRegex.MatchString(name) {
		return rpcerr.New(rpcerr.InvalidArgument,
			"illegal name %q, must match %s", name, nameRegex.String())
	}
	return nil
}
