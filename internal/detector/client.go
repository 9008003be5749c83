// Package detector is the HTTP client of the external face detector and OCR
// service. It only converts the detector's output into resolver input; the
// service itself owns media decoding and the embedding model.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/kozaktomas/face-identity/internal/identity"
)

const defaultDetectorURL = "http://localhost:8000"

// Client calls the detector's /detect endpoint.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a detector client. An empty baseURL selects the local default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultDetectorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

// Face is one face found in the media.
type Face struct {
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
	Embedding  []float32 `json:"embedding"`
}

// Result is the detector output for one post or story media.
type Result struct {
	Faces    []Face   `json:"faces"`
	OCRText  string   `json:"ocr_text"`
	Mentions []string `json:"mentions"`
	Hashtags []string `json:"hashtags"`
	Model    string   `json:"model"`
}

// SourceInput converts the detector result into resolver input. caption is the
// post text, which the detector never sees.
func (r *Result) SourceInput(caption string, observedAt time.Time) identity.SourceInput {
	in := identity.SourceInput{
		Evidence: identity.Evidence{
			Usernames: r.Mentions,
			OCRText:   r.OCRText,
			Caption:   caption,
		},
		Hashtags:   r.Hashtags,
		ObservedAt: observedAt,
	}
	for _, f := range r.Faces {
		in.Faces = append(in.Faces, identity.Face{
			Embedding:  f.Embedding,
			Confidence: f.Confidence,
			BBox:       f.BBox,
		})
	}
	return in
}

// Detect uploads media and returns the detected faces and text.
func (c *Client) Detect(ctx context.Context, media []byte) (*Result, error) {
	if len(media) == 0 {
		return nil, errors.New("empty media")
	}
	body, err := c.postMultipart(ctx, "/detect", media)
	if err != nil {
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

func (c *Client) postMultipart(ctx context.Context, endpoint string, media []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="media"`)
	h.Set("Content-Type", http.DetectContentType(media))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(media); err != nil {
		return nil, fmt.Errorf("failed to write media: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}
