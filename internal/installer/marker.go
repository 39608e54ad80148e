package installer

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	MarkerName          = ".manifest"
	MarkerSchemaVersion = 1
	unknownChecksum     = "unknown"
)

// Marker certifies a complete install. It lives at <key>/.manifest.
type Marker struct {
	Key         string
	Version     int
	SHA256      string
	InstalledAt time.Time
	TreeHash    string
	Engine      string
}

func (m Marker) encode() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "key=%s\n", m.Key)
	fmt.Fprintf(&b, "version=%d\n", m.Version)
	sum := m.SHA256
	if sum == "" {
		sum = unknownChecksum
	}
	fmt.Fprintf(&b, "sha256=%s\n", sum)
	fmt.Fprintf(&b, "installedAt=%s\n", m.InstalledAt.UTC().Format(time.RFC3339))
	if m.TreeHash != "" {
		fmt.Fprintf(&b, "treeHash=%s\n", m.TreeHash)
	}
	if m.Engine != "" {
		fmt.Fprintf(&b, "engine=%s\n", m.Engine)
	}
	return b.Bytes()
}

// ReadMarker parses dir/.manifest. Unknown keys are ignored.
func ReadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return Marker{}, fmt.Errorf("%w: line %q", ErrMarkerFormat, line)
		}
		switch k {
		case "key":
			m.Key = v
		case "version":
			if m.Version, err = strconv.Atoi(v); err != nil {
				return Marker{}, fmt.Errorf("%w: version %q", ErrMarkerFormat, v)
			}
		case "sha256":
			m.SHA256 = v
		case "installedAt":
			if m.InstalledAt, err = time.Parse(time.RFC3339, v); err != nil {
				return Marker{}, fmt.Errorf("%w: installedAt %q", ErrMarkerFormat, v)
			}
		case "treeHash":
			m.TreeHash = v
		case "engine":
			m.Engine = v
		}
	}
	if err := scanner.Err(); err != nil {
		return Marker{}, err
	}
	if m.Key == "" {
		return Marker{}, fmt.Errorf("%w: missing key", ErrMarkerFormat)
	}
	return m, nil
}

// writeMarker writes the marker through a temp file and rename so a crash
// never leaves a truncated marker behind.
func writeMarker(dir string, m Marker) error {
	final := filepath.Join(dir, MarkerName)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("error creating marker: %w", err)
	}
	if _, err := f.Write(m.encode()); err != nil {
		f.Close()
		return fmt.Errorf("error writing marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("error syncing marker: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing marker: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("error finalizing marker: %w", err)
	}
	return nil
}
