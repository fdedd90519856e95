package upload

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/getodk/collect-sub021/internal/cryptox"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/instances"
)

// Uploader sends one instance to destination and returns the server message.
type Uploader interface {
	UploadOne(ctx context.Context, inst *models.Instance, destination string) (string, error)
}

// attachments lists the files sent alongside the instance XML. Encrypted
// instances only send their .enc files.
func attachments(inst *models.Instance) ([]string, error) {
	entries, err := os.ReadDir(inst.Dir())
	if err != nil {
		return nil, err
	}
	encrypted, err := cryptox.IsEncryptedInstance(inst.InstanceFilePath)
	if err != nil {
		return nil, err
	}

	self := filepath.Base(inst.InstanceFilePath)
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == self || strings.HasPrefix(name, ".") {
			continue
		}
		if encrypted != strings.HasSuffix(name, cryptox.EncryptedSuffix) {
			continue
		}
		out = append(out, filepath.Join(inst.Dir(), name))
	}
	return out, nil
}

func markStatus(ctx context.Context, repo instances.Repository, inst *models.Instance, status models.InstanceStatus) error {
	c := inst.Copy()
	c.Status = status
	saved, err := repo.Save(ctx, c)
	if err != nil {
		return err
	}
	*inst = *saved
	return nil
}
