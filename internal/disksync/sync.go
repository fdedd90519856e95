// Package disksync registers instance files that appeared in the instances
// directory without going through a form session, for example copied over
// from another device.
package disksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/changelock"
	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
	"github.com/getodk/collect-sub021/internal/xform"
)

type Synchronizer struct {
	dir       string
	instances instances.Repository
	forms     forms.Repository
	lock      changelock.ChangeLock
	log       logging.Logger
}

// NewSynchronizer scans dir. lock may be nil.
func NewSynchronizer(dir string, instances instances.Repository, forms forms.Repository, lock changelock.ChangeLock, log logging.Logger) *Synchronizer {
	if log == nil {
		log = logging.Nop()
	}
	return &Synchronizer{dir: dir, instances: instances, forms: forms, lock: lock, log: log}
}

// Sync adds every <dir>/<dir>.xml that has no instance row and returns how
// many were added. Files of unknown forms are left alone. When the lock is
// held by a send or delete the scan is skipped.
func (s *Synchronizer) Sync(ctx context.Context) (int, error) {
	if s.lock == nil {
		return s.sync(ctx)
	}
	var (
		n   int
		err error
	)
	s.lock.WithLock(func(acquired bool) {
		if !acquired {
			s.log.Debug(ctx, "instance scan skipped, lock held")
			return
		}
		n, err = s.sync(ctx)
	})
	return n, err
}

func (s *Synchronizer) sync(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list instances dir: %w", err)
	}

	added := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return added, err
		}
		path := filepath.Join(s.dir, e.Name(), e.Name()+".xml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		ok, err := s.add(ctx, path)
		if err != nil {
			s.log.Warn(ctx, "could not register instance", "path", path, "error", err)
			continue
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (s *Synchronizer) add(ctx context.Context, path string) (bool, error) {
	existing, err := s.instances.GetOneByPath(ctx, path)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return false, err
	}
	root := doc.Root()
	if root == nil {
		return false, errors.New("empty document")
	}
	formID := root.SelectAttrValue("id", "")
	version := root.SelectAttrValue("version", "")
	if formID == "" {
		return false, errors.New("instance root has no form id")
	}

	form, err := s.forms.GetLatestByFormIDAndVersion(ctx, formID, version)
	if err != nil {
		return false, err
	}
	if form == nil {
		s.log.Info(ctx, "instance of unknown form ignored", "path", path, "form_id", formID, "version", version)
		return false, nil
	}

	encrypted := root.SelectAttrValue("encrypted", "") == "yes"
	needsEncryption := form.IsEncrypted() && !encrypted

	// Plaintext instances of encrypted forms stay incomplete until encrypted.
	status := models.StatusComplete
	if needsEncryption {
		status = models.StatusIncomplete
	}
	inst, err := s.instances.Save(ctx, &models.Instance{
		FormID:              formID,
		FormVersion:         version,
		InstanceFilePath:    path,
		DisplayName:         form.DisplayName,
		Status:              status,
		SubmissionURI:       form.SubmissionURI,
		CanEditWhenComplete: true,
	})
	if err != nil {
		return false, err
	}
	s.log.Info(ctx, "instance registered from disk", "instance_id", inst.DbID, "path", path)

	if !form.IsEncrypted() && !encrypted {
		return true, nil
	}
	if needsEncryption {
		pub, err := cryptox.ParsePublicKey(form.BASE64RSAPublicKey)
		if err != nil {
			return true, err
		}
		if err := cryptox.EncryptInstance(ctx, path, cryptox.InstanceMetadata{
			FormID:      form.FormID,
			FormVersion: form.Version,
			InstanceID:  xform.InstanceID(doc),
			PublicKey:   pub,
		}); err != nil {
			return true, err
		}
	}
	inst.Status = models.StatusComplete
	inst.CanEditWhenComplete = false
	inst.ClearGeometry()
	if _, err := s.instances.Save(ctx, inst); err != nil {
		return true, err
	}
	return true, nil
}
