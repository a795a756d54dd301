package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sayan83/signal-dispatch/internal/wire"
)

// AttachmentUploadForm is the JSON response from GET /v4/attachments/form/upload.
type AttachmentUploadForm struct {
	CDNKey    string `json:"key"`
	CDNNumber int    `json:"cdn"`
	UploadURL string `json:"signedUploadLocation"`
}

// GetAttachmentUploadForm requests a one-time upload slot from the relay.
func (s *Service) GetAttachmentUploadForm(ctx context.Context) (*AttachmentUploadForm, error) {
	body, status, err := s.transport.Get(ctx, "/v4/attachments/form/upload", &s.auth)
	if err != nil {
		return nil, &wire.NetworkError{Err: err}
	}
	if status != http.StatusOK {
		return nil, &wire.NetworkError{Status: status, Err: fmt.Errorf("upload form: status %d: %s", status, body)}
	}
	var form AttachmentUploadForm
	if err := json.Unmarshal(body, &form); err != nil {
		return nil, fmt.Errorf("transport: unmarshal upload form: %w", err)
	}
	return &form, nil
}

// UploadAttachment PUTs encrypted attachment bytes to the CDN location from
// an upload form.
func (s *Service) UploadAttachment(ctx context.Context, form *AttachmentUploadForm, ciphertext []byte) error {
	body, status, err := s.transport.PutBinary(ctx, form.UploadURL, ciphertext, map[string]string{
		"Content-Type": "application/octet-stream",
	})
	if err != nil {
		return &wire.NetworkError{Err: err}
	}
	if status != http.StatusOK && status != http.StatusCreated && status != http.StatusNoContent {
		return &wire.NetworkError{Status: status, Err: fmt.Errorf("cdn upload: status %d: %s", status, body)}
	}
	return nil
}
