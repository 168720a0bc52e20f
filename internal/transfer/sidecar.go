package transfer

import (
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// sidecarSuffix is the fixed suffix appended to a destination path to form
// its progress sidecar's name.
const sidecarSuffix = ".status.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// sidecarData is the JSON shape persisted next to the destination file.
type sidecarData struct {
	DocumentLength int64      `json:"document_length"`
	Done           [][2]int64 `json:"done"`
	CRC32C         string     `json:"crc32c,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastProgressAt time.Time  `json:"last_progress_at"`
	BytesDone      int64      `json:"bytes_done"`
}

func sidecarPath(destPath string) string {
	return destPath + sidecarSuffix
}

// loadSidecar reads and parses the sidecar for destPath, if present.
func loadSidecar(destPath string) (sidecarData, error) {
	var sc sidecarData
	data, err := os.ReadFile(sidecarPath(destPath))
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, err
	}
	return sc, nil
}

// saveSidecar persists sc next to destPath atomically: write a temp file in
// the same directory, then rename over the final path.
func saveSidecar(destPath string, sc sidecarData) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".sidecar-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, sidecarPath(destPath))
}
