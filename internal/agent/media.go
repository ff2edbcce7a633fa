package agent

import (
	"encoding/base64"
	"log/slog"
	"os"
	"strings"

	"github.com/dotsetlabs/dotclaw/internal/providers"
	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// Image attachment limits.
const (
	maxImageBytes      = 5 * 1024 * 1024
	maxTotalImageBytes = 20 * 1024 * 1024
)

// ImageParts converts image attachments into provider image parts for the
// final user message. Oversized images and unreadable paths are skipped with
// a log line, never a run failure.
func ImageParts(attachments []protocol.Attachment) []providers.ImageContent {
	var parts []providers.ImageContent
	total := 0
	for _, a := range attachments {
		if a.Type != "image" {
			continue
		}

		data, mime, err := imageBytes(a)
		if err != nil {
			slog.Warn("skipping image attachment", "name", a.Name, "error", err)
			continue
		}
		if len(data) > maxImageBytes {
			slog.Warn("skipping oversized image attachment", "name", a.Name, "bytes", len(data))
			continue
		}
		if total+len(data) > maxTotalImageBytes {
			slog.Warn("image attachment budget exhausted", "name", a.Name, "total_bytes", total)
			break
		}
		total += len(data)

		parts = append(parts, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return parts
}

func imageBytes(a protocol.Attachment) ([]byte, string, error) {
	mime := a.MimeType
	if mime == "" {
		mime = "image/png"
	}

	if a.Data != "" {
		// Accept a full data URI or bare base64.
		payload := a.Data
		if strings.HasPrefix(payload, "data:") {
			if i := strings.Index(payload, ","); i >= 0 {
				if j := strings.Index(payload, ";"); j > 5 && j < i {
					mime = payload[5:j]
				}
				payload = payload[i+1:]
			}
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		return data, mime, err
	}

	data, err := os.ReadFile(a.Path)
	return data, mime, err
}
