package flow

import (
	"context"
	"io"
)

// RemoteAPI is the Flow server as seen from the device.
type RemoteAPI interface {
	// AssignedDataPoints returns the datapoints of surveyID modified after lastUpdated.
	AssignedDataPoints(ctx context.Context, deviceID string, surveyID int64, lastUpdated string) (*DataPointBatch, error)

	// FilesLists asks which of the device's files the server is missing and
	// which of formIDs were deleted.
	FilesLists(ctx context.Context, deviceID string, formIDs []string) (*FilesList, error)

	// NotifyFileAvailable announces an uploaded file. action is "submit" for
	// archives and "image" for media.
	NotifyFileAvailable(ctx context.Context, action, formID, filename, deviceID string) error

	// DownloadFormHeader returns the XML definition of a form.
	DownloadFormHeader(ctx context.Context, formID, deviceID string) ([]byte, error)

	// LoadApkData returns the latest available application package.
	LoadApkData(ctx context.Context, buildVersion string) (*ApkData, error)

	// Download streams url into w, checking ctx between chunks.
	Download(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Notification actions.
const (
	ActionSubmit = "submit"
	ActionImage  = "image"
)

// DataPointBatch is one page of assigned datapoints.
type DataPointBatch struct {
	DataPoints []RemoteDataPoint `json:"dataPoints"`
}

// RemoteDataPoint is a datapoint as delivered by the server.
type RemoteDataPoint struct {
	ID            string           `json:"id"`
	SurveyGroupID int64            `json:"surveyGroupId"`
	DisplayName   string           `json:"displayName"`
	Latitude      *float64         `json:"lat"`
	Longitude     *float64         `json:"lon"`
	LastModified  int64            `json:"lastModified"`
	Instances     []RemoteInstance `json:"surveyInstances"`
}

// RemoteInstance is a previously submitted FormInstance delivered with its datapoint.
type RemoteInstance struct {
	UUID           string             `json:"uuid"`
	FormID         string             `json:"surveyId"`
	SubmissionDate int64              `json:"submissionDate"`
	Responses      []ManifestResponse `json:"qasList"`
}

// FilesList is the answer to a FilesLists request.
type FilesList struct {
	MissingFiles      []string `json:"missingFiles"`
	MissingUnknown    []string `json:"missingUnknown"`
	DeletedForms      []string `json:"deletedForms"`
	NewFormsAvailable bool     `json:"newFormsAvailable"`
}

// Missing merges both lists of files the server has not received.
func (f *FilesList) Missing() []string {
	out := make([]string, 0, len(f.MissingFiles)+len(f.MissingUnknown))
	out = append(out, f.MissingFiles...)
	return append(out, f.MissingUnknown...)
}

// ApkData describes an available application package.
type ApkData struct {
	Version     string `json:"version"`
	FileURL     string `json:"fileUrl"`
	MD5Checksum string `json:"md5Checksum"`
}
