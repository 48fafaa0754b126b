package service

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
)

// ErrTooLarge is returned when an uploaded archive exceeds the
// configured maximum size.
var ErrTooLarge = errors.New("archive exceeds maximum size")

// ErrMalformed is returned when an uploaded archive is not a
// well-formed gzipped tarball with the expected layout.
var ErrMalformed = errors.New("archive is malformed")

// maxReadmeSize caps the extracted README; larger files are omitted.
const maxReadmeSize = 512 << 10

// ProcessedArchive is the result of validating an uploaded archive.
type ProcessedArchive struct {
	// Cksum is the SHA-256 hex digest of the exact uploaded bytes, the
	// same value any downloader computes over the stored blob.
	Cksum string
	// Size is the archive size in bytes.
	Size int64
	// Readme is the raw content of the archive's README entry, empty
	// when absent or unusable.
	Readme string
}

// ProcessArchive validates an uploaded crate archive and computes its
// checksum. It is a pure transformation: no storage or index I/O.
// Archives must be gzipped tarballs whose entries all live under the
// "{name}-{version}/" root. A README entry directly under that root is
// extracted when present; its absence never fails the archive.
func ProcessArchive(data []byte, name, version string, maxSize int64) (*ProcessedArchive, error) {
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), maxSize)
	}

	root := fmt.Sprintf("%s-%s", name, version)
	readme, err := walkArchive(data, root)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(data)
	return &ProcessedArchive{
		Cksum:  hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
		Readme: readme,
	}, nil
}

// walkArchive checks the container structure and extracts the README.
func walkArchive(data []byte, root string) (string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer gz.Close()

	readme := ""
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}

		clean := path.Clean(hdr.Name)
		if clean != root && !strings.HasPrefix(clean, root+"/") {
			return "", fmt.Errorf("%w: entry %q outside archive root", ErrMalformed, hdr.Name)
		}

		if readme == "" && isReadmeEntry(clean, root) && hdr.Typeflag == tar.TypeReg {
			if hdr.Size > maxReadmeSize {
				continue
			}
			content, err := io.ReadAll(io.LimitReader(tr, maxReadmeSize+1))
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			if len(content) <= maxReadmeSize && utf8.Valid(content) {
				readme = string(content)
			}
		}
	}
	return readme, nil
}

// isReadmeEntry reports whether the entry is a README file directly
// under the archive root.
func isReadmeEntry(clean, root string) bool {
	rest, ok := strings.CutPrefix(clean, root+"/")
	if !ok || strings.Contains(rest, "/") {
		return false
	}
	base := strings.ToLower(rest)
	return base == "readme" || strings.HasPrefix(base, "readme.")
}
