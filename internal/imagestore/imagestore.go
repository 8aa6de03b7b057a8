// Package imagestore uploads generated images to the platform API over its
// internal service-to-service endpoint.
package imagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"
)

const uploadTimeout = 60 * time.Second

// UploadResult is the API's response for a stored image.
type UploadResult struct {
	FileID      string `json:"fileId"`
	URL         string `json:"url"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// Client talks to the platform image API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient builds a Client for the given API base URL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: uploadTimeout},
		logger:  logger,
	}
}

// Upload stores image bytes under the workspace. Content hashing is enabled
// so re-uploads of identical partials deduplicate server-side.
func (c *Client) Upload(ctx context.Context, workspaceID string, image []byte) (*UploadResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="generated-image.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("write image bytes: %w", err)
	}
	if err := writer.WriteField("useContentHash", "true"); err != nil {
		return nil, fmt.Errorf("write form field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize form: %w", err)
	}

	url := fmt.Sprintf("%s/api/images/internal/%s", c.baseURL, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image upload failed: %d - %s", resp.StatusCode, detail)
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	c.logger.Info("Image uploaded",
		zap.String("fileId", result.FileID),
		zap.Bool("isDuplicate", result.IsDuplicate))
	return &result, nil
}
