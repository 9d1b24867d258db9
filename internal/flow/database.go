package flow

import "time"

// Database is the device's local store of forms, instances, responses,
// datapoints and transmissions. Lookups return (nil, nil) when nothing matches.
type Database interface {
	FormStore
	TransmissionStore

	// Form operations

	// SaveForm stores a parsed form together with its raw definition.
	SaveForm(form *Form, definition []byte) error

	// SaveForms stores several forms in one transaction. Either all of them
	// are stored or none.
	SaveForms(defs []FormDefinition) error

	// FindForm returns the stored form with formID.
	FindForm(formID string) (*Form, error)

	// FormIDs returns the ids of the stored forms of a survey group, or of
	// every survey group when surveyGroupID is 0.
	FormIDs(surveyGroupID int64) ([]string, error)

	// FormInstance operations

	// CreateInstance stores a new instance and sets its ID.
	CreateInstance(inst *FormInstance) error

	// FindInstance returns an instance by id.
	FindInstance(id int64) (*FormInstance, error)

	// FindInstanceByUUID returns an instance by UUID.
	FindInstanceByUUID(uuid string) (*FormInstance, error)

	// FindInstancesByStatus returns instances in any of statuses, oldest first.
	FindInstancesByStatus(statuses ...InstanceStatus) ([]*FormInstance, error)

	// SetInstanceStatus moves an instance to status.
	SetInstanceStatus(id int64, status InstanceStatus) error

	// MarkFormsDeleted marks every instance of formIDs DELETED and returns
	// how many changed.
	MarkFormsDeleted(formIDs []string) (int, error)

	// Response operations

	// FindResponses returns the responses of an instance.
	FindResponses(instanceID int64) ([]*Response, error)

	// DataPoint operations

	// SaveDataPoint inserts or updates a datapoint.
	SaveDataPoint(dp *DataPoint) error

	// FindDataPoint returns a datapoint by id.
	FindDataPoint(id string) (*DataPoint, error)

	// SaveRemoteDataPoints stores a page of pulled datapoints, their
	// previously submitted instances and the new sync time in one transaction.
	SaveRemoteDataPoints(surveyGroupID int64, points []RemoteDataPoint, syncedTime string) error

	// SyncedTime returns the lastUpdated marker of the last pulled page.
	SyncedTime(surveyGroupID int64) (string, error)

	// Operation history

	// CreateOperation records the start of a state-mutating run.
	CreateOperation(name, parameters string, startedAt time.Time) (*Operation, error)

	// FinishOperation records the outcome of a run.
	FinishOperation(id int64, status string, finishedAt time.Time) error

	// ListOperations returns the most recent runs, newest first.
	ListOperations(limit int) ([]*Operation, error)

	// MaxOperationID returns the id of the latest run, the local backup version.
	MaxOperationID() (int64, error)

	// Maintenance

	// Wipe deletes every instance, response and transmission.
	Wipe() error

	// BackupTo writes a consistent snapshot of the database to path.
	BackupTo(path string) error

	// Close closes the database connection.
	Close() error
}
