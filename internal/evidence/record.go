package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"time"
)

const (
	Tool      = "codor"
	Algorithm = "sha256"
)

type Metadata struct {
	Tool        string `json:"tool"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	PID         int    `json:"pid"`
	Hostname    string `json:"hostname"`
	RunID       string `json:"runId"`
	GeneratedAt string `json:"generatedAt"`
}

type Integrity struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

func newMetadata(version, runID string, now time.Time) Metadata {
	host, _ := os.Hostname()
	return Metadata{
		Tool:        Tool,
		Version:     version,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         os.Getpid(),
		Hostname:    host,
		RunID:       runID,
		GeneratedAt: now.UTC().Format(time.RFC3339Nano),
	}
}

// canonical re-encodes v with sorted object keys and numbers kept verbatim.
func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// Digest hashes the canonical JSON of a record with its integrity block
// removed.
func Digest(record map[string]any) (string, error) {
	stripped := make(map[string]any, len(record))
	for k, v := range record {
		if k != "integrity" {
			stripped[k] = v
		}
	}
	data, err := canonical(stripped)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal adds the integrity block to record and returns the
// indented bytes to persist.
func seal(record map[string]any) ([]byte, string, error) {
	digest, err := Digest(record)
	if err != nil {
		return nil, "", fmt.Errorf("digest evidence: %w", err)
	}
	record["integrity"] = Integrity{Algorithm: Algorithm, Digest: digest}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return append(data, '\n'), digest, nil
}

// ReadRecord decodes an evidence file, keeping numbers verbatim.
func ReadRecord(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("invalid JSON: trailing content")
	}
	return rec, nil
}

// RecordedDigest returns the digest a record claims for itself.
func RecordedDigest(rec map[string]any) string {
	integ, _ := rec["integrity"].(map[string]any)
	d, _ := integ["digest"].(string)
	return d
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeComponent makes s safe to use as a single path element.
func SanitizeComponent(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
