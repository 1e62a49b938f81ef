// Package localfs is the Agent-side FileSystem/CatalogSource implementation
// cmd/soulrelay wires into internal/client. It is intentionally simple: the
// real Share subsystem (indexing, dedup, a proper catalog database) is out
// of scope here; this package only walks a configured directory tree and
// treats the relative path as the virtual filename, the way a minimal
// Soulseek share folder would.
package localfs

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/soulrelay/soulrelay/internal/client"
)

type descriptor struct {
	VirtualPath string `json:"virtual_path"`
	LocalPath   string `json:"local_path"`
	Size        int64  `json:"size"`
}

// FileSystem implements client.FileSystem over a local shares directory and
// a local downloads directory.
type FileSystem struct {
	SharesDir    string
	DownloadsDir string

	rescan func()
}

// New constructs a FileSystem. rescan, if non-nil, is invoked whenever
// RequestRescan is called (cmd/soulrelay passes a closure that re-runs
// Catalog.Dump).
func New(sharesDir, downloadsDir string, rescan func()) *FileSystem {
	return &FileSystem{SharesDir: sharesDir, DownloadsDir: downloadsDir, rescan: rescan}
}

func (f *FileSystem) resolveShare(virtualFilename string) (string, error) {
	if strings.Contains(virtualFilename, "..") {
		return "", fmt.Errorf("localfs: path traversal in %q", virtualFilename)
	}
	return filepath.Join(f.SharesDir, filepath.FromSlash(virtualFilename)), nil
}

// Stat implements client.FileSystem.
func (f *FileSystem) Stat(filename string) (bool, int64, error) {
	local, err := f.resolveShare(filename)
	if err != nil {
		return false, 0, err
	}
	info, err := os.Stat(local)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}
	return true, info.Size(), nil
}

// OpenRead implements client.FileSystem.
func (f *FileSystem) OpenRead(filename string, offset int64) (client.ReadSeekCloser, error) {
	local, err := f.resolveShare(filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(local)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	return file, nil
}

// CreateWrite implements client.FileSystem: it localizes filename's
// separators and creates any missing parent directories under DownloadsDir,
// translating a Windows-style path sent by one Agent into the local OS's
// convention.
func (f *FileSystem) CreateWrite(filename string) (client.WriteCloser, error) {
	slashed := strings.ReplaceAll(filename, "\\", "/")
	if strings.Contains(slashed, "..") {
		return nil, fmt.Errorf("localfs: path traversal in %q", filename)
	}
	local := filepath.Join(f.DownloadsDir, filepath.FromSlash(slashed))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return nil, err
	}
	return os.Create(local)
}

// RequestRescan implements client.FileSystem.
func (f *FileSystem) RequestRescan() {
	if f.rescan != nil {
		f.rescan()
	}
}

// Catalog implements client.CatalogSource by walking SharesDir.
type Catalog struct {
	SharesDir   string
	StagingPath string // where the serialized catalog is written for Dump's databasePath
}

// NewCatalog constructs a Catalog.
func NewCatalog(sharesDir, stagingPath string) *Catalog {
	return &Catalog{SharesDir: sharesDir, StagingPath: stagingPath}
}

// Dump implements client.CatalogSource. There is no real catalog database in
// this minimal Share subsystem stand-in, so the same descriptor list is
// written to StagingPath and handed back as the "database" part -- Relay
// doesn't interpret its contents, only streams it to the Controller.
func (c *Catalog) Dump() ([]byte, string, error) {
	var descriptors []descriptor
	err := filepath.WalkDir(c.SharesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.SharesDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		descriptors = append(descriptors, descriptor{
			VirtualPath: filepath.ToSlash(rel),
			LocalPath:   path,
			Size:        info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	sharesJSON, err := json.Marshal(descriptors)
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(filepath.Dir(c.StagingPath), 0o755); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(c.StagingPath, sharesJSON, 0o644); err != nil {
		return nil, "", err
	}
	return sharesJSON, c.StagingPath, nil
}
