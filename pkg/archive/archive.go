// Package archive exports and imports program catalog bundles.
//
// A bundle is a zstd-compressed tar stream: a gob manifest entry first,
// then one file per program named programs/<base58 id>.bf. Program
// entries are verified against their content address on import, so a
// bundle cannot smuggle source that doesn't match its ID.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/RoeeJ/zbf/internal/types"
	"github.com/RoeeJ/zbf/pkg/progstore"
)

var (
	// ErrBundleNotFound is returned when no bundle exists.
	ErrBundleNotFound = errors.New("bundle not found")

	// ErrInvalidBundle is returned for malformed bundle streams.
	ErrInvalidBundle = errors.New("invalid bundle")

	// ErrBadManifest is returned when the manifest is missing, corrupt or
	// disagrees with the bundle contents.
	ErrBadManifest = errors.New("bad bundle manifest")

	// ErrIDMismatch is returned when a program entry's content does not
	// hash to the ID in its filename.
	ErrIDMismatch = errors.New("program id mismatch")
)

// manifestName is the tar entry holding the bundle manifest. It is
// always the first entry in the stream.
const manifestName = "manifest"

// MaxProgramSize bounds a single program entry. Program source is text;
// anything larger is a malformed bundle, not a program.
const MaxProgramSize = 1 << 20 // 1MB

// Bundle filename pattern: zbf-bundle-UNIXTIME.tar.zst or .tar.
var bundlePattern = regexp.MustCompile(`^zbf-bundle-(\d+)\.(tar\.zst|tar)$`)

// programEntryPattern matches program entries inside a bundle.
var programEntryPattern = regexp.MustCompile(`^programs/([a-zA-Z0-9]+)\.bf$`)

// Manifest describes a bundle's contents.
type Manifest struct {
	// CreatedAt is when the bundle was written.
	CreatedAt time.Time

	// Programs lists every program entry in the bundle.
	Programs []ManifestEntry
}

// ManifestEntry describes one program in a bundle.
type ManifestEntry struct {
	ID   types.ProgramID
	Name string
	Size int
}

// ExportResult reports what an export produced.
type ExportResult struct {
	ProgramCount int
	SourceBytes  int
}

// ImportResult reports what an import did.
type ImportResult struct {
	// Added is the number of programs stored.
	Added int

	// Skipped is the number of programs already present in the catalog.
	Skipped int

	SourceBytes int
}

// Export writes the whole catalog as a bundle to w.
func Export(store progstore.Store, w io.Writer) (*ExportResult, error) {
	// Gather the catalog up front so the manifest is exact.
	var summaries []*progstore.Summary
	err := store.List(func(s *progstore.Summary) bool {
		summaries = append(summaries, s)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", err)
	}

	programs := make([]*progstore.StoredProgram, 0, len(summaries))
	manifest := Manifest{CreatedAt: time.Now().UTC()}
	for _, s := range summaries {
		program, err := store.Get(s.ID)
		if err != nil {
			if errors.Is(err, progstore.ErrProgramNotFound) {
				continue // Deleted between list and get.
			}
			return nil, fmt.Errorf("get program %s: %w", s.ID, err)
		}
		programs = append(programs, program)
		manifest.Programs = append(manifest.Programs, ManifestEntry{
			ID:   program.ID,
			Name: program.Name,
			Size: len(program.Source),
		})
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	// Manifest entry comes first so imports can validate up front.
	var manifestBuf bytes.Buffer
	if err := gob.NewEncoder(&manifestBuf).Encode(&manifest); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, manifestBuf.Bytes(), manifest.CreatedAt); err != nil {
		return nil, err
	}

	result := &ExportResult{}
	for _, program := range programs {
		name := fmt.Sprintf("programs/%s.bf", program.ID)
		if err := writeEntry(tw, name, program.Source, program.AddedAt); err != nil {
			return nil, err
		}
		result.ProgramCount++
		result.SourceBytes += len(program.Source)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}
	return result, nil
}

// writeEntry writes one regular file entry to the tar stream.
func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// Import reads a bundle stream and stores its programs in the catalog.
//
// Every program entry is re-hashed and checked against the ID in its
// filename. Programs already in the catalog are skipped. The stream must
// carry the manifest as its first entry.
func Import(store progstore.Store, r io.Reader) (*ImportResult, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer decoder.Close()

	return importTar(store, tar.NewReader(decoder))
}

// importTar consumes an uncompressed bundle tar stream.
func importTar(store progstore.Store, tr *tar.Reader) (*ImportResult, error) {
	// The manifest must come first.
	header, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if header.Name != manifestName {
		return nil, fmt.Errorf("%w: first entry is %q", ErrBadManifest, header.Name)
	}

	var manifest Manifest
	if err := gob.NewDecoder(tr).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadManifest, err)
	}

	// Names come from the manifest, keyed by ID.
	names := make(map[types.ProgramID]string, len(manifest.Programs))
	for _, entry := range manifest.Programs {
		names[entry.ID] = entry.Name
	}

	result := &ImportResult{}
	var entries int

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		matches := programEntryPattern.FindStringSubmatch(header.Name)
		if matches == nil {
			continue // Not a program entry.
		}
		if header.Size > MaxProgramSize {
			return nil, fmt.Errorf("%w: entry %s is %d bytes", ErrInvalidBundle, header.Name, header.Size)
		}

		id, err := types.ProgramIDFromBase58(matches[1])
		if err != nil {
			return nil, fmt.Errorf("%w: entry %s: %v", ErrInvalidBundle, header.Name, err)
		}

		source := make([]byte, header.Size)
		if _, err := io.ReadFull(tr, source); err != nil {
			return nil, fmt.Errorf("read %s: %w", header.Name, err)
		}

		// The filename ID must match the content address.
		if computed := types.ComputeProgramID(source); computed != id {
			return nil, fmt.Errorf("%w: %s hashes to %s", ErrIDMismatch, header.Name, computed)
		}

		entries++
		if store.Has(id) {
			result.Skipped++
			continue
		}

		if _, err := store.Put(names[id], source); err != nil {
			return nil, fmt.Errorf("store program %s: %w", id, err)
		}
		result.Added++
		result.SourceBytes += len(source)
	}

	if entries != len(manifest.Programs) {
		return nil, fmt.Errorf("%w: manifest lists %d programs, bundle has %d", ErrBadManifest, len(manifest.Programs), entries)
	}
	return result, nil
}

// BundleInfo describes a bundle file on disk.
type BundleInfo struct {
	Path         string
	CreatedAt    time.Time
	IsCompressed bool
	Size         int64
}

// FindBundles discovers bundle files in a directory.
// Returns bundles sorted by creation time (newest first).
func FindBundles(dir string) ([]BundleInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var bundles []BundleInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		matches := bundlePattern.FindStringSubmatch(name)
		if matches == nil {
			continue
		}

		unix, _ := strconv.ParseInt(matches[1], 10, 64)
		info, err := entry.Info()
		if err != nil {
			continue
		}
		bundles = append(bundles, BundleInfo{
			Path:         filepath.Join(dir, name),
			CreatedAt:    time.Unix(unix, 0).UTC(),
			IsCompressed: strings.HasSuffix(name, ".zst"),
			Size:         info.Size(),
		})
	}

	// Sort by creation time (newest first).
	sort.Slice(bundles, func(i, j int) bool {
		return bundles[i].CreatedAt.After(bundles[j].CreatedAt)
	})

	return bundles, nil
}

// FindLatestBundle finds the most recent bundle in a directory.
func FindLatestBundle(dir string) (*BundleInfo, error) {
	bundles, err := FindBundles(dir)
	if err != nil {
		return nil, err
	}
	if len(bundles) == 0 {
		return nil, ErrBundleNotFound
	}
	return &bundles[0], nil
}

// WriteBundleFile exports the catalog to a new bundle file in dir and
// returns its path.
func WriteBundleFile(store progstore.Store, dir string) (string, *ExportResult, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", nil, fmt.Errorf("create directory: %w", err)
	}

	name := fmt.Sprintf("zbf-bundle-%d.tar.zst", time.Now().Unix())
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("create bundle: %w", err)
	}

	result, err := Export(store, f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		return "", nil, fmt.Errorf("close bundle: %w", err)
	}
	return path, result, nil
}

// ImportBundleFile imports programs from a bundle file. Plain .tar
// bundles are accepted alongside the compressed default.
func ImportBundleFile(store progstore.Store, path string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()

	if strings.HasSuffix(path, ".zst") {
		return Import(store, f)
	}
	return importTar(store, tar.NewReader(f))
}
