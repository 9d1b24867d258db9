package flow

// TransmissionStore is the durable record of which files still need to reach
// the server. Registration and status updates are atomic with respect to
// concurrent readers.
type TransmissionStore interface {
	// RegisterExport creates the transmissions of an exported instance and
	// marks the instance EXPORTED in one transaction. Existing transmissions
	// keep their status unless they FAILED, in which case they return to PENDING.
	// A filename owned by another instance fails with ErrFilenameTaken.
	RegisterExport(instanceID int64, formID string, filenames []string) error

	// CreateTransmissions registers filenames for an instance with the same
	// additive rules as RegisterExport, without touching the instance.
	CreateTransmissions(instanceID int64, formID string, filenames []string) error

	// SetStatus moves the transmission of filename to status.
	SetStatus(filename string, status TransmissionStatus) error

	// Pending returns transmissions eligible for upload: PENDING or FAILED.
	Pending() ([]*Transmission, error)

	// Unsynced returns every transmission that is not COMPLETE.
	Unsynced() ([]*Transmission, error)

	// Transmissions returns every transmission regardless of status, oldest first.
	Transmissions() ([]*Transmission, error)

	// TransmissionsForInstance returns every transmission of one instance.
	TransmissionsForInstance(instanceID int64) ([]*Transmission, error)

	// ResetInProgress returns IN_PROGRESS transmissions left by an
	// interrupted run to PENDING.
	ResetInProgress() (int, error)

	// MarkMissing flags files the server reports as not received: their
	// transmissions become FAILED and their instances EXPORTED again.
	MarkMissing(filenames []string) (int, error)

	// SetInstanceStatusToRequested marks an instance as being packaged.
	SetInstanceStatusToRequested(instanceID int64) error
}
