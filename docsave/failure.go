package docsave

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"syscall"

	"github.com/teacurran/WireTuner-sub000/histdb"
	"github.com/teacurran/WireTuner-sub000/snapshot"
)

// Failure kinds. The editor maps these to user-facing dialogs, so the set is
// closed and stable; anything unrecognized lands on KindUnknown.
const (
	KindDiskFull          = "disk_full"
	KindPermissionDenied  = "permission_denied"
	KindCorruption        = "corruption"
	KindLockTimeout       = "lock_timeout"
	KindPathResolution    = "path_resolution"
	KindMetadataMissing   = "metadata_missing"
	KindTransactionFailed = "transaction_failed"
	KindUnknown           = "unknown"
)

// Failure is a classified save or open error. Kind is one of the Kind
// constants; Err is the underlying cause.
type Failure struct {
	Kind    string
	Message string
	Path    string
	Err     error
}

func (f *Failure) Error() string {
	if f.Path != "" {
		return fmt.Sprintf("docsave: %s: %s (%s)", f.Kind, f.Message, f.Path)
	}
	return fmt.Sprintf("docsave: %s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether the failure is worth retrying without user
// intervention. Lock contention passes; everything else needs the user (free
// space, fix permissions, pick another path).
func (f *Failure) Retryable() bool { return f.Kind == KindLockTimeout }

func fail(kind, path string, err error, format string, args ...any) *Failure {
	return &Failure{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Path:    path,
		Err:     err,
	}
}

// Classify wraps err in a Failure with the most specific kind the error
// evidences. Driver errors surface as text, so matching is textual where no
// sentinel exists — same approach as histdb.IsBusy.
func Classify(err error, path string) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, ErrMetadataMissing):
		return fail(KindMetadataMissing, path, err,
			"document metadata is missing; the file may be truncated or not a drawing")
	case errors.Is(err, snapshot.ErrCorrupt),
		strings.Contains(msg, "file is not a database"),
		strings.Contains(msg, "malformed"),
		strings.Contains(msg, "corrupt"):
		return fail(KindCorruption, path, err, "document file failed an integrity check")
	case errors.Is(err, syscall.ENOSPC),
		strings.Contains(msg, "database or disk is full"),
		strings.Contains(msg, "no space left on device"):
		return fail(KindDiskFull, path, err, "not enough disk space to save")
	case errors.Is(err, os.ErrPermission),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "readonly database"),
		strings.Contains(msg, "read-only file system"):
		return fail(KindPermissionDenied, path, err, "no permission to write the document")
	case histdb.IsBusy(err):
		return fail(KindLockTimeout, path, err,
			"another process is holding the document lock")
	case errors.Is(err, os.ErrNotExist),
		errors.Is(err, syscall.ENOTDIR),
		isPathError(err),
		strings.Contains(msg, "unable to open database file"):
		return fail(KindPathResolution, path, err, "save location could not be resolved")
	default:
		return fail(KindUnknown, path, err, "save failed: %v", err)
	}
}

func isPathError(err error) bool {
	var pe *fs.PathError
	var le *os.LinkError
	return errors.As(err, &pe) || errors.As(err, &le)
}
