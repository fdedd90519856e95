package cryptox

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
	"github.com/getodk/collect-sub021/internal/filex"
)

const (
	// SubmissionFileName is the staging copy of the instance that gets encrypted.
	SubmissionFileName = "submission.xml"
	// EncryptedSuffix is appended to every encrypted artifact.
	EncryptedSuffix = ".enc"

	submissionsNamespace = "http://opendatakit.org/submissions"
	openRosaNamespace    = "http://openrosa.org/xforms"
)

// ErrEncryption marks every failure of EncryptInstance.
var ErrEncryption = errors.New("submission encryption failed")

// InstanceMetadata identifies the instance being encrypted.
type InstanceMetadata struct {
	FormID      string
	FormVersion string
	InstanceID  string
	PublicKey   *rsa.PublicKey
}

// EncryptInstance encrypts the instance at instancePath and its media
// siblings in place. The instance is first copied to submission.xml, every
// media file and the copy are encrypted to *.enc, and a signed manifest is
// written over instancePath. Plaintext files are removed only after the
// manifest is on disk; on failure the new artifacts are removed and the
// plaintext instance is left as it was.
func EncryptInstance(ctx context.Context, instancePath string, meta InstanceMetadata) error {
	if err := encryptInstance(ctx, instancePath, meta); err != nil {
		return fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return nil
}

type encryptedFile struct {
	name string
	md5  string
}

func encryptInstance(ctx context.Context, instancePath string, meta InstanceMetadata) (err error) {
	if meta.PublicKey == nil {
		return errors.New("missing public key")
	}
	if meta.InstanceID == "" {
		return errors.New("missing instance id")
	}

	dir := filepath.Dir(instancePath)
	media, err := mediaFiles(dir, filepath.Base(instancePath))
	if err != nil {
		return err
	}

	staging := filepath.Join(dir, SubmissionFileName)
	if err := filex.CopyFile(instancePath, staging); err != nil {
		return err
	}

	var created []string
	defer func() {
		if err != nil {
			for _, p := range created {
				_ = os.Remove(p)
			}
			_ = os.Remove(staging)
		}
	}()

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	wrapped, err := wrap(meta.PublicKey, key)
	if err != nil {
		return fmt.Errorf("wrap key: %w", err)
	}
	encodedKey := base64.StdEncoding.EncodeToString(wrapped)

	ivs := newIVSequence(meta.InstanceID, key)
	var encrypted []encryptedFile

	for _, name := range append(media, SubmissionFileName) {
		if err := ctx.Err(); err != nil {
			return err
		}
		dst := filepath.Join(dir, name+EncryptedSuffix)
		created = append(created, dst)
		sum, err := encryptFile(filepath.Join(dir, name), dst, key, ivs.next())
		if err != nil {
			return err
		}
		encrypted = append(encrypted, encryptedFile{name: name + EncryptedSuffix, md5: sum})
	}

	signature, err := sign(meta, encodedKey, encrypted)
	if err != nil {
		return err
	}

	manifest := buildManifest(meta, encodedKey, encrypted, signature)
	manifest.Indent(2)
	data, err := manifest.WriteToBytes()
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := filex.WriteFileAtomic(instancePath, data, 0o660); err != nil {
		return err
	}

	for _, name := range append(media, SubmissionFileName) {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove plaintext %s: %w", name, err)
		}
	}
	return nil
}

// mediaFiles lists the attachments next to the instance XML.
func mediaFiles(dir, instanceName string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == instanceName || name == SubmissionFileName ||
			strings.HasPrefix(name, ".") || strings.HasSuffix(name, EncryptedSuffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// sign returns the base64 RSA-wrapped MD5 of the element signature source:
// form id, version, key, instance id and one name::md5 line per encrypted
// file, each terminated by a newline.
func sign(meta InstanceMetadata, encodedKey string, files []encryptedFile) (string, error) {
	var b strings.Builder
	b.WriteString(meta.FormID + "\n")
	if meta.FormVersion != "" {
		b.WriteString(meta.FormVersion + "\n")
	}
	b.WriteString(encodedKey + "\n")
	b.WriteString(meta.InstanceID + "\n")
	for _, f := range files {
		b.WriteString(f.name + "::" + f.md5 + "\n")
	}

	digest := md5.Sum([]byte(b.String()))
	wrapped, err := wrap(meta.PublicKey, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign manifest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

func buildManifest(meta InstanceMetadata, encodedKey string, files []encryptedFile, signature string) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("data")
	root.CreateAttr("xmlns", submissionsNamespace)
	root.CreateAttr("encrypted", "yes")
	root.CreateAttr("id", meta.FormID)
	if meta.FormVersion != "" {
		root.CreateAttr("version", meta.FormVersion)
	}

	root.CreateElement("base64EncryptedKey").SetText(encodedKey)

	m := root.CreateElement("orx:meta")
	m.CreateAttr("xmlns:orx", openRosaNamespace)
	m.CreateElement("orx:instanceID").SetText(meta.InstanceID)

	for _, f := range files[:len(files)-1] {
		root.CreateElement("media").CreateElement("file").SetText(f.name)
	}
	root.CreateElement("encryptedXmlFile").SetText(files[len(files)-1].name)
	root.CreateElement("base64EncryptedElementSignature").SetText(signature)
	return doc
}

// IsEncryptedInstance reports whether the file at path is an encrypted
// submission manifest.
func IsEncryptedInstance(path string) (bool, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	root := doc.Root()
	if root == nil {
		return false, nil
	}
	return root.SelectAttrValue("encrypted", "") == "yes", nil
}
