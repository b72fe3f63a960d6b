package lsm

import (
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"

	"github.com/JaimePolidura/SimpleDB/pkg/dberrors"
	"github.com/JaimePolidura/SimpleDB/pkg/types"
)

const descriptorFileName = "desc"

// Descriptor identifies a keyspace directory.
type Descriptor struct {
	ID        types.KeyspaceID `yaml:"id"`
	UUID      uuid.UUID        `yaml:"uuid"`
	CreatedAt time.Time        `yaml:"created_at"`
}

func newDescriptor(id types.KeyspaceID) Descriptor {
	return Descriptor{ID: id, UUID: uuid.New(), CreatedAt: time.Now().UTC()}
}

func writeDescriptor(dir string, d Descriptor) error {
	data, err := yaml.Marshal(d)
	if err != nil {
		return errors.Wrapf(err, "failed to encode descriptor of keyspace %d", d.ID)
	}

	path := filepath.Join(dir, descriptorFileName)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return dberrors.IOFailure(err, "failed to create descriptor %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dberrors.IOFailure(err, "failed to write descriptor %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IOFailure(err, "failed to sync descriptor %s", tmp)
	}
	if err := f.Close(); err != nil {
		return dberrors.IOFailure(err, "failed to close descriptor %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dberrors.IOFailure(err, "failed to install descriptor %s", path)
	}
	return syncDir(dir)
}

func readDescriptor(dir string) (Descriptor, error) {
	var d Descriptor
	data, err := os.ReadFile(filepath.Join(dir, descriptorFileName))
	if err != nil {
		return d, dberrors.IOFailure(err, "failed to read descriptor in %s", dir)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, errors.Mark(errors.Wrapf(err, "bad descriptor in %s", dir), dberrors.ErrCorruptFile)
	}
	if d.UUID == uuid.Nil {
		return d, dberrors.Corrupt("descriptor in %s has no uuid", dir)
	}
	return d, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return dberrors.IOFailure(err, "failed to open directory %s", dir)
	}
	defer d.Close()
	return dberrors.IOFailure(d.Sync(), "failed to sync directory %s", dir)
}
