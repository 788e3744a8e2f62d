package utils

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"
	"time"
)

var testPolicy = UploadPolicy{
	MaxFileSize:       10 * 1024 * 1024,
	AllowedTypes:      []string{"image/jpeg", "image/png"},
	AllowedExtensions: []string{".jpg", ".jpeg", ".png"},
}

func TestValidateImageFile(t *testing.T) {
	u := New(testPolicy)

	cases := []struct {
		name        string
		filename    string
		contentType string
		size        int64
		want        error
	}{
		{"ok", "cat.png", "image/png", 1024, nil},
		{"ok with params", "cat.jpg", "image/jpeg; charset=binary", 1024, nil},
		{"no extension", "blob", "image/png", 1024, nil},
		{"at limit", "cat.png", "image/png", testPolicy.MaxFileSize, nil},
		{"over limit", "cat.png", "image/png", testPolicy.MaxFileSize + 1, ErrFileTooLarge},
		{"empty", "cat.png", "image/png", 0, ErrEmptyFile},
		{"wrong type", "cat.png", "application/pdf", 1024, ErrInvalidFileType},
		{"missing type", "cat.png", "", 1024, ErrInvalidFileType},
		{"wrong extension", "cat.exe", "image/png", 1024, ErrInvalidExtension},
	}

	for _, tc := range cases {
		err := u.ValidateImageFile(tc.filename, tc.contentType, tc.size)
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestValidateImageFile_OversizedMessage(t *testing.T) {
	err := New(testPolicy).ValidateImageFile("cat.png", "image/png", testPolicy.MaxFileSize+1)
	if err == nil || err.Error() != "file size exceeds limit: maximum 10MB allowed" {
		t.Fatalf("unexpected message %v", err)
	}
}

func TestSniffImage(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}

	contentType, ext := New(testPolicy).SniffImage(buf.Bytes())
	if contentType != "image/png" || ext != ".png" {
		t.Fatalf("got %q %q", contentType, ext)
	}
}

func TestHashBytes(t *testing.T) {
	got := New(testPolicy).HashBytes([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Fatalf("got %s", got)
	}
}

func TestNewULIDFromTimestamp(t *testing.T) {
	id, err := New(testPolicy).NewULIDFromTimestamp(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %q", id)
	}
}
