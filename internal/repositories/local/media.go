package local

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const mediaRecordSuffix = ".json"

// MediaRecord describes an ISO image built for a domain's CD-ROM drive.
type MediaRecord struct {
	Domain    string    `json:"domain"`
	Target    string    `json:"target"`
	Source    string    `json:"source"`
	Image     string    `json:"image"`
	CreatedAt time.Time `json:"created_at"`
}

func (rec MediaRecord) id() string {
	return rec.Domain + "-" + rec.Target
}

// MediaRepository persists MediaRecords as JSON files under BaseDir, next to
// the images they describe.
type MediaRepository struct {
	BaseDir string
}

// Save writes rec, replacing any earlier record for the same drive.
func (rep *MediaRepository) Save(rec MediaRecord) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if rec.Domain == "" || rec.Target == "" {
		return errors.New("media record needs a domain and a target")
	}
	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(rep.recordPath(rec), payload, 0o644)
}

// ForDomain returns every record of domain ordered by target.
func (rep *MediaRepository) ForDomain(domain string) ([]MediaRecord, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var records []MediaRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), mediaRecordSuffix) {
			continue
		}
		rec, err := rep.load(filepath.Join(rep.BaseDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if rec == nil || rec.Domain != domain {
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Target < records[j].Target
	})
	return records, nil
}

// Delete removes the image of rec and then the record itself. Missing files
// are ignored.
func (rep *MediaRepository) Delete(rec MediaRecord) error {
	if rec.Image != "" {
		if err := os.Remove(rec.Image); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.Remove(rep.recordPath(rec)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (rep *MediaRepository) recordPath(rec MediaRecord) string {
	return filepath.Join(rep.BaseDir, rec.id()+mediaRecordSuffix)
}

func (rep *MediaRepository) load(path string) (*MediaRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var rec MediaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
