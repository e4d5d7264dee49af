// Package extract turns raw agent output and a session transcript into a
// structured task result: a normalized summary plus a deduplicated list of
// upload artifacts classified by extension. All extraction is pure string
// scanning over the transcript, so it is idempotent and re-runnable.
package extract

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/basket/go-drover/internal/persistence"
)

// ArtifactType classifies an upload by file extension.
type ArtifactType string

const (
	ArtifactImage ArtifactType = "image"
	ArtifactVideo ArtifactType = "video"
	ArtifactPDF   ArtifactType = "pdf"
	ArtifactFile  ArtifactType = "file"
)

// Artifact is one upload reference found in the transcript.
type Artifact struct {
	URL  string       `json:"url"`
	Name string       `json:"name"`
	Type ArtifactType `json:"type"`
}

// Result is the extracted outcome of one task attempt.
type Result struct {
	Summary   string     `json:"summary"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// uploadURLPattern matches upload references in free text. Models emit
// them in several shapes: bare "api/uploads/x.png", rooted
// "/api/uploads/x.png", and sandbox-prefixed "sandbox:/api/uploads/x.png".
var uploadURLPattern = regexp.MustCompile(`(?:sandbox:)?/?api/uploads/[A-Za-z0-9][A-Za-z0-9._%\-/]*`)

var sandboxPrefixPattern = regexp.MustCompile(`sandbox:/?`)

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".svg": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".avi": true, ".mkv": true,
}

// ClassifyArtifact maps an upload URL to its artifact type by extension.
func ClassifyArtifact(url string) ArtifactType {
	ext := strings.ToLower(path.Ext(url))
	switch {
	case imageExts[ext]:
		return ArtifactImage
	case videoExts[ext]:
		return ArtifactVideo
	case ext == ".pdf":
		return ArtifactPDF
	default:
		return ArtifactFile
	}
}

// NormalizeUploadURL strips the sandbox prefix and guarantees a rooted
// /api/uploads/ path so clients resolve artifacts against the gateway.
func NormalizeUploadURL(raw string) string {
	url := sandboxPrefixPattern.ReplaceAllString(raw, "")
	url = strings.TrimPrefix(url, "/")
	return "/" + url
}

// ExtractTaskResult scans the raw result text plus every transcript
// message (assistant attachments, inline URLs in text and tool output)
// and builds a deduplicated artifact list ordered by first occurrence.
// The summary is the raw result with sandbox prefixes normalized away.
func ExtractTaskResult(messages []persistence.Message, rawResult string) Result {
	seen := make(map[string]bool)
	var artifacts []Artifact

	collect := func(text string) {
		for _, match := range uploadURLPattern.FindAllString(text, -1) {
			url := NormalizeUploadURL(match)
			if seen[url] {
				continue
			}
			seen[url] = true
			artifacts = append(artifacts, Artifact{
				URL:  url,
				Name: path.Base(url),
				Type: ClassifyArtifact(url),
			})
		}
	}

	collect(rawResult)
	for _, msg := range messages {
		if msg.AttachmentURL != "" {
			collect(msg.AttachmentURL)
		}
		collect(msg.Content)
	}

	summary := strings.TrimSpace(sandboxPrefixPattern.ReplaceAllString(rawResult, ""))
	return Result{Summary: summary, Artifacts: artifacts}
}

// FormatResultBody renders the summary plus per-artifact markdown. Any
// artifact the model already referenced inline is skipped to avoid
// rendering the same upload twice.
func FormatResultBody(res Result) string {
	var sb strings.Builder
	sb.WriteString(res.Summary)

	var pending []Artifact
	for _, a := range res.Artifacts {
		if strings.Contains(res.Summary, a.URL) {
			continue
		}
		pending = append(pending, a)
	}
	if len(pending) == 0 {
		return sb.String()
	}

	sb.WriteString("\n")
	for _, a := range pending {
		sb.WriteString("\n")
		switch a.Type {
		case ArtifactImage, ArtifactVideo:
			sb.WriteString(fmt.Sprintf("![%s](%s)", a.Name, a.URL))
		default:
			sb.WriteString(fmt.Sprintf("[%s](%s)", a.Name, a.URL))
		}
	}
	return sb.String()
}
