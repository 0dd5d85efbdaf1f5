// Package asset stores derived image files under a content-addressed name
// and serves them back by public URL.
package asset

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"dyzen-server-go/internal/platform/errors"
)

// keyLength is the number of hex characters kept from the blake3 digest.
const keyLength = 32

// Stored describes a written asset.
type Stored struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Sink writes assets below Root and exposes them under URLPrefix.
type Sink struct {
	root      string
	urlPrefix string
}

// NewSink creates the root directory if needed. urlPrefix is the public path
// the root is served at, e.g. "/static/uploads".
func NewSink(root, urlPrefix string) (*Sink, error) {
	if root == "" {
		return nil, errors.New(errors.KindConfig, "asset.new", "asset root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindStorage, "asset.new", "failed to create asset root", err)
	}
	return &Sink{
		root:      root,
		urlPrefix: "/" + strings.Trim(urlPrefix, "/"),
	}, nil
}

// Key derives the content address of data.
func Key(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])[:keyLength]
}

// Put writes data as "<key>_<label><ext>". Identical content with the same
// label maps to the same file, which is then left untouched.
func (s *Sink) Put(ctx context.Context, label, ext string, data []byte) (Stored, error) {
	const op = "asset.put"
	if err := ctx.Err(); err != nil {
		return Stored{}, errors.Wrap(errors.KindStorage, op, "context done", err)
	}

	key := Key(data)
	name := key
	if label != "" {
		name += "_" + label
	}
	name += ext

	target := filepath.Join(s.root, name)
	stored := Stored{Key: key, URL: path.Join(s.urlPrefix, name), Size: int64(len(data))}

	if info, err := os.Stat(target); err == nil && info.Size() == stored.Size {
		return stored, nil
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return Stored{}, errors.Wrap(errors.KindStorage, op, "failed to create temp file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Stored{}, errors.Wrap(errors.KindStorage, op, "failed to write asset", err)
	}
	if err := tmp.Close(); err != nil {
		return Stored{}, errors.Wrap(errors.KindStorage, op, "failed to close asset", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Stored{}, errors.Wrap(errors.KindStorage, op, "failed to move asset into place", err)
	}
	return stored, nil
}

// Resolve maps a public URL back to its file below the root.
func (s *Sink) Resolve(url string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(url, "/"))
	if !strings.HasPrefix(clean, s.urlPrefix+"/") {
		return "", errors.Newf(errors.KindDomain, "asset.resolve", "%s is not served by this sink", url)
	}
	rel := strings.TrimPrefix(clean, s.urlPrefix+"/")
	if rel == "" || strings.Contains(rel, "/") {
		return "", errors.Newf(errors.KindDomain, "asset.resolve", "invalid asset url %s", url)
	}
	return filepath.Join(s.root, rel), nil
}

// Open returns the content of the asset at url.
func (s *Sink) Open(url string) (io.ReadCloser, error) {
	p, err := s.Resolve(url)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "asset.open", fmt.Sprintf("failed to open %s", url), err)
	}
	return f, nil
}

// Delete removes the asset at url. Missing files are not an error.
func (s *Sink) Delete(_ context.Context, url string) error {
	p, err := s.Resolve(url)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.KindStorage, "asset.delete", "failed to delete asset", err)
	}
	return nil
}
