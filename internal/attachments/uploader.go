package attachments

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sayan83/signal-dispatch/internal/transport"
	"github.com/sayan83/signal-dispatch/internal/wire"
)

// Attachment is a local payload awaiting upload.
type Attachment struct {
	Data        []byte
	ContentType string
	FileName    string
	Width       int
	Height      int
	Caption     string
	BlurHash    string
	Flags       int
}

// FormService is the transport surface the uploader needs.
type FormService interface {
	GetAttachmentUploadForm(ctx context.Context) (*transport.AttachmentUploadForm, error)
	UploadAttachment(ctx context.Context, form *transport.AttachmentUploadForm, ciphertext []byte) error
}

// Uploader encrypts payloads and pushes them to the CDN, producing the
// pointers embedded in message content. Uploads are not retried here; a
// failed upload fails the whole send before any envelope leaves the device.
type Uploader struct {
	svc FormService
	log *zap.Logger
}

// NewUploader wires an uploader to a transport service.
func NewUploader(svc FormService, log *zap.Logger) *Uploader {
	return &Uploader{svc: svc, log: log}
}

// Upload processes one attachment: fresh key, pad, encrypt, request an upload
// slot, PUT to the CDN. The pointer's Size field is the pre-padding payload
// length so recipients can trim bucket padding.
func (u *Uploader) Upload(ctx context.Context, att *Attachment) (*wire.AttachmentPointer, error) {
	key, err := NewKey()
	if err != nil {
		return nil, &wire.AttachmentUploadError{Err: err}
	}

	ciphertext, digest, err := Encrypt(att.Data, key)
	if err != nil {
		return nil, &wire.AttachmentUploadError{Err: err}
	}

	form, err := u.svc.GetAttachmentUploadForm(ctx)
	if err != nil {
		return nil, &wire.AttachmentUploadError{Err: fmt.Errorf("upload form: %w", err)}
	}
	if err := u.svc.UploadAttachment(ctx, form, ciphertext); err != nil {
		return nil, &wire.AttachmentUploadError{Err: fmt.Errorf("cdn put: %w", err)}
	}

	u.log.Debug("attachment uploaded",
		zap.String("cdnKey", form.CDNKey),
		zap.Int("cdn", form.CDNNumber),
		zap.Int("size", len(att.Data)),
		zap.Int("padded", len(ciphertext)))

	return &wire.AttachmentPointer{
		CDNKey:      form.CDNKey,
		CDNNumber:   form.CDNNumber,
		ContentType: att.ContentType,
		Key:         key,
		Digest:      digest,
		Size:        uint32(len(att.Data)),
		FileName:    att.FileName,
		Flags:       uint32(att.Flags),
		Width:       uint32(att.Width),
		Height:      uint32(att.Height),
		Caption:     att.Caption,
		BlurHash:    att.BlurHash,
	}, nil
}

// UploadAll uploads attachments in order, stopping at the first failure.
func (u *Uploader) UploadAll(ctx context.Context, atts []*Attachment) ([]*wire.AttachmentPointer, error) {
	pointers := make([]*wire.AttachmentPointer, 0, len(atts))
	for _, att := range atts {
		ptr, err := u.Upload(ctx, att)
		if err != nil {
			return nil, err
		}
		pointers = append(pointers, ptr)
	}
	return pointers, nil
}
