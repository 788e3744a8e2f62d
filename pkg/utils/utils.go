package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
)

var (
	ErrEmptyFile        = errors.New("uploaded file is empty")
	ErrFileTooLarge     = errors.New("file size exceeds limit")
	ErrInvalidFileType  = errors.New("invalid file type")
	ErrInvalidExtension = errors.New("invalid file extension")
)

// UploadPolicy bounds what an image upload may look like.
type UploadPolicy struct {
	MaxFileSize       int64
	AllowedTypes      []string
	AllowedExtensions []string
}

type IUtils interface {
	NewULIDFromTimestamp(t time.Time) (string, error)
	ValidateImageFile(filename, contentType string, size int64) error
	SniffImage(data []byte) (contentType, extension string)
	ReadFile(file *multipart.FileHeader) ([]byte, error)
	HashBytes(data []byte) string
}

type utils struct {
	policy UploadPolicy
}

func New(policy UploadPolicy) IUtils {
	return &utils{
		policy: policy,
	}
}

func (u *utils) NewULIDFromTimestamp(t time.Time) (string, error) {
	ms := ulid.Timestamp(t)
	entropy := ulid.Monotonic(rand.Reader, 0)

	id, err := ulid.New(ms, entropy)
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// ValidateImageFile checks the declared metadata of an upload. The filename
// extension is only checked when there is one.
func (u *utils) ValidateImageFile(filename, contentType string, size int64) error {
	if size <= 0 {
		return ErrEmptyFile
	}

	if size > u.policy.MaxFileSize {
		return fmt.Errorf("%w: maximum %s allowed", ErrFileTooLarge, formatBytes(u.policy.MaxFileSize))
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !slices.Contains(u.policy.AllowedTypes, strings.ToLower(mediaType)) {
		return fmt.Errorf("%w %q: allowed types %s", ErrInvalidFileType, contentType, strings.Join(u.policy.AllowedTypes, ", "))
	}

	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && !slices.Contains(u.policy.AllowedExtensions, ext) {
		return fmt.Errorf("%w %q: allowed extensions %s", ErrInvalidExtension, ext, strings.Join(u.policy.AllowedExtensions, ", "))
	}

	return nil
}

// SniffImage infers the content type from the leading bytes, for payloads
// that arrive without headers.
func (u *utils) SniffImage(data []byte) (string, string) {
	detected := mimetype.Detect(data)
	contentType, _, err := mime.ParseMediaType(detected.String())
	if err != nil {
		contentType = detected.String()
	}
	return contentType, detected.Extension()
}

func (u *utils) ReadFile(file *multipart.FileHeader) ([]byte, error) {
	f, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(io.LimitReader(f, u.policy.MaxFileSize+1))
}

func (u *utils) HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func formatBytes(n int64) string {
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%dMB", n/mb)
	}
	return fmt.Sprintf("%d bytes", n)
}
