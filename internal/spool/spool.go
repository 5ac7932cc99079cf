// Package spool manages the bounded local volume where raw capture files land
// before the lifecycle engine moves them to the archive tier.
package spool

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// stampLayout is the compact UTC capture stamp embedded in spool file names.
const stampLayout = "20060102T150405Z"

// File describes one raw capture file. ModTime is the age authority for
// retention and emergency decisions.
type File struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Day returns the file's partition day in local time: the capture stamp
// embedded in the name when parseable, the mtime day otherwise.
func (f File) Day() time.Time {
	if ts, ok := stampFromName(f.Name); ok {
		local := ts.Local()
		return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
	}
	return time.Date(f.ModTime.Year(), f.ModTime.Month(), f.ModTime.Day(), 0, 0, 0, 0, f.ModTime.Location())
}

func stampFromName(name string) (time.Time, bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 {
		return time.Time{}, false
	}
	ts, err := time.Parse(stampLayout, parts[1])
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Filename builds the canonical spool name for a capture.
func Filename(kind string, ts time.Time, suffix string) string {
	return fmt.Sprintf("%s_%s_%s", kind, ts.UTC().Format(stampLayout), suffix)
}

type Spool struct {
	dir string
}

func New(dir string) (*Spool, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("spool dir must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spool{dir: dir}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Write stages the reader's bytes under a temp name and renames into place,
// so a crashed writer never leaves a half-visible capture.
func (s *Spool) Write(kind string, ts time.Time, suffix string, r io.Reader) (File, error) {
	name := Filename(kind, ts, suffix)
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return File{}, fmt.Errorf("create temp: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return File{}, fmt.Errorf("write capture: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return File{}, fmt.Errorf("close temp: %w", err)
	}
	dest := filepath.Join(s.dir, name)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return File{}, fmt.Errorf("publish capture: %w", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return File{}, err
	}
	return File{Name: name, Path: dest, Size: size, ModTime: info.ModTime()}, nil
}

func (s *Spool) Open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.dir, name))
}

func (s *Spool) Stat(name string) (File, error) {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		return File{}, err
	}
	return File{Name: name, Path: filepath.Join(s.dir, name), Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns every visible capture file, oldest mtime first. Temp files and
// anything dot-prefixed are skipped.
func (s *Spool) List() ([]File, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var out []File
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, File{
			Name:    e.Name(),
			Path:    filepath.Join(s.dir, e.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

// ListOlderThan returns capture files whose mtime predates now-age, oldest first.
func (s *Spool) ListOlderThan(now time.Time, age time.Duration) ([]File, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-age)
	var out []File
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Spool) Remove(name string) error {
	return os.Remove(filepath.Join(s.dir, name))
}

// TotalBytes sums the visible capture sizes, the numerator for utilization.
func (s *Spool) TotalBytes() (int64, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total, nil
}

// Utilization reports the spool's fill fraction. With a configured capacity the
// spool's own byte count is the numerator; without one the volume's block
// usage decides.
func (s *Spool) Utilization(capacityBytes int64) (float64, error) {
	if capacityBytes > 0 {
		used, err := s.TotalBytes()
		if err != nil {
			return 0, err
		}
		return float64(used) / float64(capacityBytes), nil
	}
	return volumeUtilization(s.dir)
}
