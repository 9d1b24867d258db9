package flow

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ManifestEntry is the name of the manifest inside an archive.
const ManifestEntry = "data.json"

// Manifest is the serialized content of a FormInstance.
type Manifest struct {
	UUID           string             `json:"uuid"`
	FormID         string             `json:"formId"`
	FormVersion    float64            `json:"formVersion"`
	DataPointID    string             `json:"dataPointId"`
	DeviceID       string             `json:"deviceId"`
	Username       string             `json:"username"`
	Email          string             `json:"email,omitempty"`
	SubmissionDate int64              `json:"submissionDate"`
	Duration       int64              `json:"duration"`
	Responses      []ManifestResponse `json:"responses"`
}

// ManifestResponse is one serialized answer.
type ManifestResponse struct {
	QuestionID string `json:"questionId"`
	Iteration  int    `json:"iteration"`
	AnswerType string `json:"answerType"`
	Value      string `json:"value"`
}

// Artifact is the result of packaging a FormInstance.
type Artifact struct {
	Filename     string
	Path         string
	Manifest     *Manifest
	MediaFiles   []string
	MissingMedia []string
	Digest       Digest
	Size         int64
}

// Filenames lists every file that needs a transmission: the archive first,
// then the media.
func (a *Artifact) Filenames() []string {
	return append([]string{a.Filename}, a.MediaFiles...)
}

// Packager turns a FormInstance and its responses into an archive.
type Packager struct {
	files  FileStore
	logger Logger
}

func NewPackager(files FileStore, logger Logger) *Packager {
	return &Packager{files: files, logger: logger}
}

// ArchiveName derives the archive filename from the instance UUID and the device id.
func ArchiveName(instanceUUID, deviceID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, deviceID)
	if clean == "" {
		return instanceUUID + ArchiveSuffix
	}
	return instanceUUID + "-" + clean + ArchiveSuffix
}

// BuildManifest serializes the included, non-empty responses of inst.
func BuildManifest(inst *FormInstance, responses []*Response, session *Session) *Manifest {
	m := &Manifest{
		UUID:        inst.UUID,
		FormID:      inst.FormID,
		FormVersion: inst.FormVersion,
		DataPointID: inst.DataPointID,
		Duration:    inst.Duration.Milliseconds(),
		Responses:   []ManifestResponse{},
	}
	if !inst.SubmittedAt.IsZero() {
		m.SubmissionDate = inst.SubmittedAt.UnixMilli()
	}
	if session != nil {
		m.DeviceID = session.DeviceID
		m.Username = session.User.Name
		m.Email = session.User.Email
	}

	sorted := append([]*Response(nil), responses...)
	SortResponses(sorted)
	for _, r := range sorted {
		if !r.Include || !r.HasValue() {
			continue
		}
		m.Responses = append(m.Responses, ManifestResponse{
			QuestionID: r.QuestionID,
			Iteration:  r.Iteration,
			AnswerType: string(r.Kind),
			Value:      sanitizeValue(r.Value),
		})
	}
	return m
}

// Export writes the archive for inst. Identical input produces a
// byte-identical archive. Missing media files are reported in the artifact
// and do not fail the export; a serialization failure does, and leaves no
// archive behind.
func (p *Packager) Export(inst *FormInstance, responses []*Response, session *Session) (*Artifact, error) {
	manifest := BuildManifest(inst, responses, session)
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("serializing instance %d: %w", inst.ID, err)
	}

	deviceID := ""
	if session != nil {
		deviceID = session.DeviceID
	}
	art := &Artifact{
		Filename: ArchiveName(inst.UUID, deviceID),
		Manifest: manifest,
	}
	art.Path = p.files.ArchivePath(art.Filename)

	seen := make(map[string]bool)
	for _, r := range responses {
		name := r.Filename()
		if !r.Include || name == "" || seen[name] {
			continue
		}
		seen[name] = true
		art.MediaFiles = append(art.MediaFiles, name)
		_, exists, err := p.files.Stat(p.files.MediaPath(name))
		if err != nil {
			return nil, fmt.Errorf("checking media %s: %w", name, err)
		}
		if !exists {
			art.MissingMedia = append(art.MissingMedia, name)
			p.logger.Warn("media file missing", "instance", inst.ID, "file", name)
		}
	}

	err = p.files.WriteAtomic(art.Path, func(w io.Writer) error {
		h := md5.New()
		cw := &countingWriter{w: io.MultiWriter(w, h)}
		if err := writeArchive(cw, data); err != nil {
			return err
		}
		copy(art.Digest[:], h.Sum(nil))
		art.Size = cw.n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("writing archive %s: %w", art.Filename, err)
	}

	p.logger.Info("instance packaged", "instance", inst.ID, "archive", art.Filename, "md5", art.Digest.Hex(), "media", len(art.MediaFiles))
	return art, nil
}

// writeArchive writes a zip holding only the manifest. The entry carries no
// modification time so the bytes depend on the manifest alone.
func writeArchive(w io.Writer, manifest []byte) error {
	zw := zip.NewWriter(w)
	fw, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestEntry, Method: zip.Deflate})
	if err != nil {
		return err
	}
	if _, err := fw.Write(manifest); err != nil {
		return err
	}
	return zw.Close()
}

// ReadManifest opens an archive and decodes its manifest.
func (p *Packager) ReadManifest(filename string) (*Manifest, error) {
	f, err := p.files.Open(p.files.ArchivePath(filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return DecodeArchive(data)
}

// DecodeArchive extracts the manifest from archive bytes.
func DecodeArchive(data []byte) (*Manifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	for _, zf := range zr.File {
		if zf.Name != ManifestEntry {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("opening manifest: %w", err)
		}
		defer rc.Close()
		var m Manifest
		if err := json.NewDecoder(rc).Decode(&m); err != nil {
			return nil, fmt.Errorf("decoding manifest: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("archive has no %s", ManifestEntry)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
