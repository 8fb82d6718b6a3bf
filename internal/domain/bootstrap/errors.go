package bootstrap

import "errors"

// Failure kinds. Stages wrap these with fmt.Errorf("...: %w") so callers
// classify with errors.Is.
var (
	// ErrResolution covers release and artifact lookup failures.
	ErrResolution = errors.New("release resolution failed")
	// ErrTransientDownload is a download that kept failing with a retryable status.
	ErrTransientDownload = errors.New("transient download failure")
	// ErrPermanentDownload is a download rejected with a non-retryable status.
	ErrPermanentDownload = errors.New("permanent download failure")
	// ErrVerification is a checksum or signature mismatch.
	ErrVerification = errors.New("artifact verification failed")
	// ErrExtraction is an archive that could not be unpacked.
	ErrExtraction = errors.New("artifact extraction failed")
	// ErrDependencyProvision is a failed dependency manager run.
	ErrDependencyProvision = errors.New("dependency provisioning failed")
	// ErrProcessStart is a component that failed to start or become ready.
	ErrProcessStart = errors.New("process start failed")
	// ErrRecovery is a failed remote recovery attempt.
	ErrRecovery = errors.New("recovery failed")
	// ErrConfiguration is missing or invalid configuration or credentials.
	ErrConfiguration = errors.New("configuration failure")
	// ErrInstallInProgress means another bootstrap holds the installation lock.
	ErrInstallInProgress = errors.New("another bootstrap is already in progress")
)
