package flow

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Suffixes appended to a bootstrap zip once it has been handled, so it is
// not picked up again.
const (
	BootstrapDoneSuffix  = ".processed"
	BootstrapErrorSuffix = ".error"
)

// FormDefinition is a parsed form together with the raw definition it came from.
type FormDefinition struct {
	Form *Form
	Raw  []byte
}

// BootstrapResult reports one bootstrap run.
type BootstrapResult struct {
	Files []string
	Forms []string
}

// Bootstrapper installs form definitions shipped to the device as zip files,
// for devices that cannot download them. Each zip holds form XML files,
// optionally one per directory named after the form id. Other entries are
// ignored.
type Bootstrapper struct {
	db      Database
	session *Session
	logger  Logger
}

func NewBootstrapper(db Database, session *Session, logger Logger) *Bootstrapper {
	return &Bootstrapper{db: db, session: session, logger: logger}
}

// Import processes the zip files of dir in lexicographical order. Names
// starting with a dot are skipped. A zip is installed as a whole or not at
// all. The first zip that fails is renamed with BootstrapErrorSuffix and
// stops the run, since later zips may depend on it; installed zips are
// renamed with BootstrapDoneSuffix.
func (b *Bootstrapper) Import(ctx context.Context, dir string) (BootstrapResult, error) {
	var res BootstrapResult
	names, err := bootstrapZips(dir)
	if err != nil {
		return res, err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := filepath.Join(dir, name)
		defs, err := b.readZip(src)
		if err == nil {
			err = b.db.SaveForms(defs)
		}
		if err != nil {
			b.logger.Error("bootstrap failed", "file", name, "error", err)
			if rerr := os.Rename(src, src+BootstrapErrorSuffix); rerr != nil {
				b.logger.Warn("marking bootstrap file failed", "file", name, "error", rerr)
			}
			return res, fmt.Errorf("bootstrap %s: %w", name, err)
		}
		if err := os.Rename(src, src+BootstrapDoneSuffix); err != nil {
			return res, fmt.Errorf("marking %s processed: %w", name, err)
		}
		res.Files = append(res.Files, name)
		for _, d := range defs {
			res.Forms = append(res.Forms, d.Form.ID)
		}
		b.logger.Info("bootstrap installed", "file", name, "forms", len(defs))
	}
	return res, nil
}

func bootstrapZips(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".zip") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// readZip parses every form of one zip. Nothing is stored here, so a bad
// entry leaves the database untouched.
func (b *Bootstrapper) readZip(src string) ([]FormDefinition, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()

	var defs []FormDefinition
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), ".xml") {
			b.logger.Debug("bootstrap entry ignored", "entry", f.Name)
			continue
		}
		raw, err := readZipEntry(f)
		if err != nil {
			return nil, err
		}
		form, err := ParseForm(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		if form.ID == "" {
			form.ID = path.Base(path.Dir(f.Name))
		}
		if form.ID == "" || form.ID == "." {
			return nil, fmt.Errorf("%s: form has no id", f.Name)
		}
		if form.Version <= 0 {
			form.Version = 1
		}
		if form.SurveyGroupID == 0 {
			form.SurveyGroupID = b.session.SurveyGroupID
		}
		defs = append(defs, FormDefinition{Form: form, Raw: raw})
	}
	return defs, nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.Name, err)
	}
	return data, nil
}
