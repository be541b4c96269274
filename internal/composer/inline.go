package composer

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lumachat/backend/internal/services"
)

// ImageAttachment is what the upload flow leaves behind for the next turn:
// the CDN file reference that gets persisted with the user item, plus the
// inline bytes the model consumes.
type ImageAttachment struct {
	FilePath string
	Inline   *services.InlineData
}

// acceptedImageMIMEs is the set the model endpoint understands. Everything
// else, including the CDN's occasional bare "image" type, is coerced to png.
var acceptedImageMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

func NormalizeImageMIME(fileType string) string {
	mime := strings.ToLower(strings.TrimSpace(fileType))
	if mime == "" || mime == "image" || !strings.HasPrefix(mime, "image/") {
		return "image/png"
	}
	if !acceptedImageMIMEs[mime] {
		return "image/png"
	}
	return mime
}

// FetchInline pulls the freshly uploaded bytes back from the CDN and
// re-encodes them as inline base64 for the model request.
func FetchInline(ctx context.Context, httpClient *http.Client, url, filePath, fileType string) (*ImageAttachment, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch uploaded image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch uploaded image: http %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read uploaded image: %w", err)
	}

	if filePath == "" {
		filePath = url
	}
	return &ImageAttachment{
		FilePath: filePath,
		Inline: &services.InlineData{
			MIMEType: NormalizeImageMIME(fileType),
			Data:     base64.StdEncoding.EncodeToString(raw),
		},
	}, nil
}
