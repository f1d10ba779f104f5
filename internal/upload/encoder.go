package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"gsscan/internal/services"
)

const (
	// MinBurstImages is the smallest photo burst the service accepts.
	MinBurstImages = 3
	// DefaultMaxFileBytes caps any single source file.
	DefaultMaxFileBytes int64 = 500 * 1024 * 1024
)

// Kind selects the upload endpoint and multipart layout.
type Kind int

const (
	KindVideo Kind = iota
	KindImages
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindImages:
		return "images"
	default:
		return "unknown"
	}
}

// FileField returns the multipart field name carrying source files.
func (k Kind) FileField() string {
	if k == KindImages {
		return "files"
	}
	return "file"
}

// Params are the reconstruction parameters sent with every upload.
type Params struct {
	Iterations int
	Resolution int
	// Fast enables the server's fast pipeline. Only video uploads send it.
	Fast bool
}

// Request describes one submission.
type Request struct {
	Kind   Kind
	Files  []string
	Params Params
}

// Encoder turns requests into spooled multipart payloads.
type Encoder struct {
	// MaxFileBytes caps each source file; zero selects DefaultMaxFileBytes.
	MaxFileBytes int64
	// TempDir receives spooled payloads; empty selects os.TempDir.
	TempDir string
}

// Payload is an encoded multipart body stored on disk.
type Payload struct {
	path        string
	size        int64
	Boundary    string
	ContentType string
	Kind        Kind
	Files       int
}

// Size returns the encoded body length in bytes.
func (p *Payload) Size() int64 {
	return p.size
}

// Open returns a fresh reader positioned at the start of the body.
func (p *Payload) Open() (io.ReadCloser, error) {
	return os.Open(p.path)
}

// Remove deletes the spooled body.
func (p *Payload) Remove() error {
	if p == nil || p.path == "" {
		return nil
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Validate runs the client-side checks without encoding anything.
func (e Encoder) Validate(req Request) error {
	switch req.Kind {
	case KindVideo:
		if len(req.Files) != 1 {
			return services.Wrap(services.ErrValidation, "upload", "validate", fmt.Sprintf("video upload needs exactly one file, got %d", len(req.Files)), nil)
		}
	case KindImages:
		if len(req.Files) < MinBurstImages {
			return services.Wrap(services.ErrInsufficientMedia, "upload", "validate", fmt.Sprintf("photo burst needs at least %d images, got %d", MinBurstImages, len(req.Files)), nil)
		}
	default:
		return services.Wrap(services.ErrValidation, "upload", "validate", fmt.Sprintf("unknown upload kind %d", int(req.Kind)), nil)
	}
	if req.Params.Iterations <= 0 || req.Params.Resolution <= 0 {
		return services.Wrap(services.ErrValidation, "upload", "validate", "iterations and resolution must be positive", nil)
	}

	limit := e.maxFileBytes()
	for _, path := range req.Files {
		info, err := os.Stat(path)
		if err != nil {
			return services.Wrap(services.ErrValidation, "upload", "stat source", path, err)
		}
		if !info.Mode().IsRegular() {
			return services.Wrap(services.ErrValidation, "upload", "stat source", path+" is not a regular file", nil)
		}
		if info.Size() > limit {
			return services.Wrap(services.ErrFileTooLarge, "upload", "validate", fmt.Sprintf("%s is %d bytes (limit %d)", filepath.Base(path), info.Size(), limit), nil)
		}
	}
	return nil
}

// Encode validates req and writes its multipart body to a temporary file.
// Callers own the returned payload and must Remove it.
func (e Encoder) Encode(ctx context.Context, req Request) (*Payload, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(e.TempDir, "gsscan-upload-*.multipart")
	if err != nil {
		return nil, fmt.Errorf("create upload spool: %w", err)
	}
	payload := &Payload{path: tmp.Name(), Kind: req.Kind, Files: len(req.Files)}
	fail := func(err error) (*Payload, error) {
		tmp.Close()
		_ = payload.Remove()
		return nil, err
	}

	writer := multipart.NewWriter(tmp)
	boundary := "Boundary-" + strings.ToUpper(uuid.NewString())
	if err := writer.SetBoundary(boundary); err != nil {
		return fail(fmt.Errorf("set boundary: %w", err))
	}

	for _, path := range req.Files {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := writeFilePart(writer, req.Kind.FileField(), path); err != nil {
			return fail(err)
		}
	}
	fields := [][2]string{
		{"iterations", strconv.Itoa(req.Params.Iterations)},
		{"resolution", strconv.Itoa(req.Params.Resolution)},
	}
	if req.Kind == KindVideo && req.Params.Fast {
		fields = append(fields, [2]string{"fast", "true"})
	}
	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return fail(fmt.Errorf("write field %s: %w", field[0], err))
		}
	}
	if err := writer.Close(); err != nil {
		return fail(fmt.Errorf("finish multipart body: %w", err))
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		return fail(fmt.Errorf("measure upload spool: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = payload.Remove()
		return nil, fmt.Errorf("close upload spool: %w", err)
	}
	payload.size = size
	payload.Boundary = boundary
	payload.ContentType = writer.FormDataContentType()
	return payload, nil
}

func (e Encoder) maxFileBytes() int64 {
	if e.MaxFileBytes > 0 {
		return e.MaxFileBytes
	}
	return DefaultMaxFileBytes
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(writer *multipart.Writer, field, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return services.Wrap(services.ErrValidation, "upload", "open source", path, err)
	}
	defer src.Close()

	name := filepath.Base(path)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, quoteEscaper.Replace(field), quoteEscaper.Replace(name)))
	header.Set("Content-Type", ContentType(name))
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create part for %s: %w", name, err)
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}
