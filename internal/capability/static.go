package capability

import (
	"context"
	"path/filepath"
	"strings"

	mqcontracts "mailshield/contracts/mq"
)

var riskyExtensions = map[string]bool{
	".exe": true,
	".scr": true,
	".vbs": true,
	".js":  true,
	".bat": true,
	".iso": true,
	".dll": true,
	".ps1": true,
}

// Static scores attachments and URLs without calling out. It stands in for
// a sandbox service when none is configured.
type Static struct{}

func (Static) Classify(_ context.Context, payload mqcontracts.Payload) (Classification, error) {
	score := 0
	var tags []string

	for _, att := range payload.Attachments {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		switch {
		case riskyExtensions[ext]:
			score += 70
			tags = append(tags, "risky_extension", "ext"+ext)
		case att.MimeType == "application/zip":
			score += 30
			tags = append(tags, "archive_attachment")
		}
	}

	if n := len(payload.URLs); n > 0 {
		score += 10
		tags = append(tags, "urls_present")
		if n > 3 {
			score += 20
			tags = append(tags, "many_urls")
		}
	}

	if len(tags) == 0 {
		tags = append(tags, "low_static_risk")
	}
	return Classification{
		Tags:  mqcontracts.NormalizeTags(tags),
		Score: mqcontracts.ClampScore(score),
	}, nil
}
