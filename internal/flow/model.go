package flow

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// InstanceStatus is the lifecycle state of a FormInstance.
type InstanceStatus string

const (
	StatusSaved      InstanceStatus = "SAVED"
	StatusSubmitted  InstanceStatus = "SUBMITTED"
	StatusRequested  InstanceStatus = "REQUESTED"
	StatusExported   InstanceStatus = "EXPORTED"
	StatusSynced     InstanceStatus = "SYNCED"
	StatusDownloaded InstanceStatus = "DOWNLOADED"
	StatusDeleted    InstanceStatus = "DELETED"
)

// TransmissionStatus is the lifecycle state of a Transmission.
type TransmissionStatus string

const (
	TransmissionPending    TransmissionStatus = "PENDING"
	TransmissionInProgress TransmissionStatus = "IN_PROGRESS"
	TransmissionComplete   TransmissionStatus = "COMPLETE"
	TransmissionFailed     TransmissionStatus = "FAILED"
)

// ResponseKind tags the type of value a Response carries.
// The engine never needs more than the tag: presentation binds to it.
type ResponseKind string

const (
	KindText      ResponseKind = "text"
	KindOption    ResponseKind = "option"
	KindNumber    ResponseKind = "number"
	KindGeo       ResponseKind = "geo"
	KindImage     ResponseKind = "image"
	KindVideo     ResponseKind = "video"
	KindSignature ResponseKind = "signature"
	KindCascade   ResponseKind = "cascade"
	KindDate      ResponseKind = "date"
	KindBarcode   ResponseKind = "barcode"
	KindGeoshape  ResponseKind = "geoshape"
	KindCaddisfly ResponseKind = "caddisfly"
)

var knownKinds = map[ResponseKind]bool{
	KindText: true, KindOption: true, KindNumber: true, KindGeo: true,
	KindImage: true, KindVideo: true, KindSignature: true, KindCascade: true,
	KindDate: true, KindBarcode: true, KindGeoshape: true, KindCaddisfly: true,
}

// ParseResponseKind validates a kind tag read from a form definition or the database.
// "free" is accepted as an alias of text and "photo" of image, as older forms use them.
func ParseResponseKind(s string) (ResponseKind, error) {
	k := ResponseKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case "free", "":
		return KindText, nil
	case "photo":
		return KindImage, nil
	case "numeric":
		return KindNumber, nil
	}
	if !knownKinds[k] {
		return "", fmt.Errorf("unknown response kind: %q", s)
	}
	return k, nil
}

// IsMedia reports whether values of this kind are references to local media files.
func (k ResponseKind) IsMedia() bool {
	return k == KindImage || k == KindVideo || k == KindSignature
}

// NoIteration is the iteration number of responses outside any repeatable group.
const NoIteration = -1

// ResponseKey identifies a response within one FormInstance.
type ResponseKey struct {
	QuestionID string
	Iteration  int
}

func (k ResponseKey) String() string {
	if k.Iteration == NoIteration {
		return k.QuestionID
	}
	return fmt.Sprintf("%s|%d", k.QuestionID, k.Iteration)
}

// Response is the captured value for one (question, iteration) pair.
// ID is the persisted row id; 0 means the response was never stored.
type Response struct {
	ID         int64
	InstanceID int64
	QuestionID string
	Iteration  int
	Value      string
	Kind       ResponseKind
	Include    bool
}

// Key returns the (question, iteration) key of the response.
func (r *Response) Key() ResponseKey {
	return ResponseKey{QuestionID: r.QuestionID, Iteration: r.Iteration}
}

// HasValue reports whether the response carries a non-blank value.
func (r *Response) HasValue() bool {
	return r != nil && strings.TrimSpace(r.Value) != ""
}

// Filename returns the media file referenced by the response, or "" for non-media kinds.
func (r *Response) Filename() string {
	if !r.Kind.IsMedia() || !r.HasValue() {
		return ""
	}
	return filepath.Base(strings.TrimSpace(r.Value))
}

// FormInstance is one occurrence of a user filling out a form for a DataPoint.
type FormInstance struct {
	ID          int64
	UUID        string
	FormID      string
	FormVersion float64
	DataPointID string
	UserID      int64
	Status      InstanceStatus
	CreatedAt   time.Time
	ModifiedAt  time.Time
	SubmittedAt time.Time
	Duration    time.Duration
}

// DataPoint is the subject (site, household, ...) that FormInstances describe.
type DataPoint struct {
	ID            string
	SurveyGroupID int64
	Name          string
	Location      *GeoLocation
	LastModified  int64
}

// GeoLocation is a captured position.
type GeoLocation struct {
	Latitude  float64
	Longitude float64
	Elevation float64
}

// Transmission is one file (archive or media) awaiting or having completed transfer.
type Transmission struct {
	ID         int64
	InstanceID int64
	FormID     string
	Filename   string
	Status     TransmissionStatus
	CreatedAt  time.Time
	StartedAt  time.Time
	EndedAt    time.Time
}

// IsArchive reports whether the transmission carries a packaged form instance.
func (t *Transmission) IsArchive() bool {
	return IsArchiveFile(t.Filename)
}

// User is the person capturing data on the device.
type User struct {
	ID    int64
	Name  string
	Email string
}

// Operation records one state-mutating run (sync cycle, export, wipe).
type Operation struct {
	ID         int64
	Name       string
	Parameters string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
}

const ArchiveSuffix = ".zip"

// IsArchiveFile reports whether filename names a packaged form instance.
func IsArchiveFile(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), ArchiveSuffix)
}

// ContentType returns the upload content type for a transmission file.
func ContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".zip":
		return "application/zip"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// Remote directories for uploaded files.
const (
	RemoteDataDir  = "devicezip"
	RemoteImageDir = "images"
)

// RemoteDir returns the remote directory a transmission file is uploaded to.
func RemoteDir(filename string) string {
	if IsArchiveFile(filename) {
		return RemoteDataDir
	}
	return RemoteImageDir
}
