// Package formdownload installs server forms locally: the definition file,
// its manifest media and the forms repository row.
package formdownload

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/getodk/collect-sub021/internal/filex"
	"github.com/getodk/collect-sub021/internal/logging"
	"github.com/getodk/collect-sub021/internal/models"
	"github.com/getodk/collect-sub021/internal/repositories/forms"
	"github.com/getodk/collect-sub021/internal/xform"
	"golang.org/x/sync/errgroup"
)

// mediaConcurrency bounds parallel media downloads for one form.
const mediaConcurrency = 4

// Fetcher is the part of formsource.Source used here.
type Fetcher interface {
	FetchManifest(ctx context.Context, uri string) (*models.ManifestFile, error)
	FetchFile(ctx context.Context, uri string) ([]byte, string, error)
}

type Downloader struct {
	source   Fetcher
	forms    forms.Repository
	formsDir string
	log      logging.Logger
	now      func() time.Time
}

func NewDownloader(source Fetcher, forms forms.Repository, formsDir string, log logging.Logger) *Downloader {
	if log == nil {
		log = logging.Nop()
	}
	return &Downloader{source: source, forms: forms, formsDir: formsDir, log: log, now: time.Now}
}

// Download fetches item and records it. A definition whose hash is already
// installed is returned unchanged.
func (d *Downloader) Download(ctx context.Context, item models.FormListItem) (*models.Form, error) {
	data, hash, err := d.source.FetchFile(ctx, item.DownloadURL)
	if err != nil {
		return nil, err
	}

	existing, err := d.forms.GetOneByMD5Hash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Deleted {
		d.log.Debug(ctx, "form already installed", "form_id", existing.FormID, "version", existing.Version)
		return existing, nil
	}

	md, err := xform.ParseMetadata(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse form %s: %w", item.FormID, err)
	}

	if err := filex.EnsureDir(d.formsDir); err != nil {
		return nil, err
	}
	formPath := d.freeFormPath(md.Title)
	if err := filex.WriteFileAtomic(formPath, data, 0o644); err != nil {
		return nil, err
	}
	mediaDir := mediaDirFor(formPath)

	if item.ManifestURL != "" {
		if err := d.downloadMedia(ctx, item.ManifestURL, mediaDir); err != nil {
			_ = os.Remove(formPath)
			return nil, err
		}
	}

	form, err := d.forms.Save(ctx, &models.Form{
		FormID:             md.FormID,
		Version:            md.Version,
		DisplayName:        md.Title,
		FormFilePath:       formPath,
		FormMediaPath:      mediaDir,
		SubmissionURI:      md.SubmissionURI,
		BASE64RSAPublicKey: md.BASE64RSAPublicKey,
		AutoSend:           md.AutoSend,
		AutoDelete:         md.AutoDelete,
		GeometryXPath:      md.GeometryXPath,
		MD5Hash:            hash,
		Date:               d.now(),
	})
	if err != nil {
		return nil, err
	}
	d.log.Info(ctx, "form downloaded", "form_id", form.FormID, "version", form.Version, "path", formPath)
	return form, nil
}

func (d *Downloader) downloadMedia(ctx context.Context, manifestURL, mediaDir string) error {
	manifest, err := d.source.FetchManifest(ctx, manifestURL)
	if err != nil {
		return err
	}
	if err := filex.EnsureDir(mediaDir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mediaConcurrency)
	for _, mf := range manifest.MediaFiles {
		mf := mf
		g.Go(func() error {
			dst := filepath.Join(mediaDir, filepath.Base(mf.Filename))
			if sum, err := filex.MD5File(dst); err == nil && sum == mf.Hash {
				return nil
			}
			data, _, err := d.source.FetchFile(gctx, mf.DownloadURL)
			if err != nil {
				return fmt.Errorf("failed to download media file %s: %w", mf.Filename, err)
			}
			return filex.WriteFileAtomic(dst, data, 0o644)
		})
	}
	return g.Wait()
}

// freeFormPath picks <title>.xml, or <title>_N.xml when taken.
func (d *Downloader) freeFormPath(title string) string {
	base := models.SanitizeName(title)
	path := filepath.Join(d.formsDir, base+".xml")
	for i := 1; fileExists(path); i++ {
		path = filepath.Join(d.formsDir, base+"_"+strconv.Itoa(i)+".xml")
	}
	return path
}

func mediaDirFor(formPath string) string {
	return formPath[:len(formPath)-len(filepath.Ext(formPath))] + "-media"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
