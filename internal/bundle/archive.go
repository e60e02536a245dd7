package bundle

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/schaermu/iwarelease/internal/signer"
)

// integrityMagic prefixes signed bundles.
const integrityMagic = "IWAIB1\n"

// maxIntegrityBlock bounds the header read by Verify.
const maxIntegrityBlock = 64 << 10

// ErrUnsigned is returned by Verify for bundles without an integrity block.
var ErrUnsigned = errors.New("bundle has no integrity block")

// zipEpoch is stamped on every entry so identical inputs give identical bytes.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// IntegrityBlock is the signed header of a release bundle.
type IntegrityBlock struct {
	WebBundleID string           `json:"web_bundle_id"`
	Algorithm   signer.Algorithm `json:"algorithm"`
	PublicKey   string           `json:"public_key"`
	Signature   string           `json:"signature"`
}

// ArchivePackager zips a static asset directory into a single bundle. When
// the request carries a signer, the archive is prefixed with an integrity
// block signing the archive bytes.
type ArchivePackager struct {
	StaticDir string
}

// NewArchivePackager creates a packager for staticDir.
func NewArchivePackager(staticDir string) *ArchivePackager {
	return &ArchivePackager{StaticDir: staticDir}
}

// Package implements Packager.
func (p *ArchivePackager) Package(ctx context.Context, req Request) (string, error) {
	payload, err := p.zipStatic(ctx)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	if req.Signer != nil {
		if err := writeIntegrityBlock(&out, req.Signer, payload); err != nil {
			return "", err
		}
	}
	out.Write(payload)

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create bundle directory: %w", err)
	}
	if err := os.WriteFile(req.OutputPath, out.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	return req.OutputPath, nil
}

func (p *ArchivePackager) zipStatic(ctx context.Context) ([]byte, error) {
	var files []string
	err := filepath.WalkDir(p.StaticDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk static directory: %w", err)
	}
	sort.Strings(files)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rel, err := filepath.Rel(p.StaticDir, path)
		if err != nil {
			return nil, err
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: zipEpoch,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", rel, err)
		}

		if err := copyInto(w, path); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", rel, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return buf.Bytes(), nil
}

func copyInto(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()
	_, err = io.Copy(w, f)
	return err
}

func writeIntegrityBlock(w io.Writer, s *signer.Signer, payload []byte) error {
	sig, err := s.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign bundle: %w", err)
	}

	id := s.Identity()
	header, err := json.Marshal(IntegrityBlock{
		WebBundleID: id.WebBundleID,
		Algorithm:   id.Algorithm,
		PublicKey:   base64.StdEncoding.EncodeToString(id.PublicKey),
		Signature:   base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return err
	}

	if _, err := io.WriteString(w, integrityMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(header))); err != nil {
		return err
	}
	_, err = w.Write(header)
	return err
}

// Verify reads the integrity block of the bundle at path and checks its
// signature over the remaining bytes.
func Verify(path string) (IntegrityBlock, error) {
	f, err := os.Open(path)
	if err != nil {
		return IntegrityBlock{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	r := bufio.NewReader(f)

	magic := make([]byte, len(integrityMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != integrityMagic {
		return IntegrityBlock{}, ErrUnsigned
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return IntegrityBlock{}, fmt.Errorf("failed to read integrity block length: %w", err)
	}
	if n > maxIntegrityBlock {
		return IntegrityBlock{}, fmt.Errorf("integrity block too large: %d bytes", n)
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return IntegrityBlock{}, fmt.Errorf("failed to read integrity block: %w", err)
	}

	var block IntegrityBlock
	if err := json.Unmarshal(header, &block); err != nil {
		return IntegrityBlock{}, fmt.Errorf("failed to parse integrity block: %w", err)
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return IntegrityBlock{}, err
	}

	pub, err := base64.StdEncoding.DecodeString(block.PublicKey)
	if err != nil {
		return IntegrityBlock{}, fmt.Errorf("invalid public key encoding: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(block.Signature)
	if err != nil {
		return IntegrityBlock{}, fmt.Errorf("invalid signature encoding: %w", err)
	}

	id := signer.Identity{WebBundleID: block.WebBundleID, Algorithm: block.Algorithm, PublicKey: pub}
	if err := signer.Verify(id, payload, sig); err != nil {
		return IntegrityBlock{}, err
	}
	return block, nil
}
