package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jacktea/xgblob/pkg/xerrors"
)

const (
	bucketsDir = "buckets"
	uploadsDir = "uploads"
)

// PathStore persists blobs on a filesystem under
// buckets/<bucket>/<id[:2]>/<id[2:4]>/<id>.
type PathStore struct {
	fs billy.Filesystem
}

// NewPathStore returns a Store rooted at path on the local disk.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.mkdir", root, err)
	}
	return NewPathStoreFS(osfs.New(root))
}

// NewPathStoreFS returns a Store on an arbitrary billy filesystem.
func NewPathStoreFS(fs billy.Filesystem) (*PathStore, error) {
	for _, dir := range []string{bucketsDir, uploadsDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.mkdir", dir, err)
		}
	}
	return &PathStore{fs: fs}, nil
}

func (p *PathStore) Put(ctx context.Context, bucket BucketName, id ID, data []byte) error {
	if err := checkKey("PathStore.Put", bucket, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := p.fs.TempFile(uploadsDir, "upload-")
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
	}
	tmpName := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		p.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
	}
	if syncer, ok := file.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			file.Close()
			p.fs.Remove(tmpName)
			return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
		}
	}
	if err := file.Close(); err != nil {
		p.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
	}
	finalPath := p.pathFor(bucket, id)
	if err := p.fs.MkdirAll(p.dirFor(bucket, id), 0o755); err != nil {
		p.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
	}
	if err := p.replace(tmpName, finalPath); err != nil {
		p.fs.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Put", keyOf(bucket, id), err)
	}
	return nil
}

// replace renames tmp over final. Rename replaces the target atomically on
// POSIX; the target is only removed first on filesystems that refuse to
// rename over an existing file.
func (p *PathStore) replace(tmp, final string) error {
	err := p.fs.Rename(tmp, final)
	if err == nil {
		return nil
	}
	if _, statErr := p.fs.Stat(final); statErr != nil {
		return err
	}
	if rmErr := p.fs.Remove(final); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return errors.Join(err, rmErr)
	}
	return p.fs.Rename(tmp, final)
}

func (p *PathStore) Get(ctx context.Context, bucket BucketName, id ID) ([]byte, error) {
	if err := checkKey("PathStore.Get", bucket, id); err != nil {
		return nil, err
	}
	f, err := p.fs.Open(p.pathFor(bucket, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, notFound("PathStore.Get", bucket, id)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.Get", keyOf(bucket, id), err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.Get", keyOf(bucket, id), err)
	}
	return data, nil
}

func (p *PathStore) Delete(ctx context.Context, bucket BucketName, id ID) error {
	if err := checkKey("PathStore.Delete", bucket, id); err != nil {
		return err
	}
	err := p.fs.Remove(p.pathFor(bucket, id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.KindIO, "PathStore.Delete", keyOf(bucket, id), err)
	}
	return nil
}

func (p *PathStore) ListBuckets(ctx context.Context) ([]BucketName, error) {
	entries, err := p.fs.ReadDir(bucketsDir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindIO, "PathStore.ListBuckets", bucketsDir, err)
	}
	var out []BucketName
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, BucketName(entry.Name()))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (p *PathStore) dirFor(bucket BucketName, id ID) string {
	name := string(id)
	if len(name) < 4 {
		return p.fs.Join(bucketsDir, string(bucket))
	}
	return p.fs.Join(bucketsDir, string(bucket), name[:2], name[2:4])
}

func (p *PathStore) pathFor(bucket BucketName, id ID) string {
	return p.fs.Join(p.dirFor(bucket, id), string(id))
}
