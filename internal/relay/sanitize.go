package relay

import (
	"regexp"
	"sort"
	"strings"

	"github.com/suPer8Hu/teamchat/internal/chat"
)

var downloadPrefixes = []string{"/files/download/", "/v1/files/download/", "/api/v1/files/download/"}

var (
	spaceRun       = regexp.MustCompile(`[ \t]{2,}`)
	trailingPrompt = regexp.MustCompile(`(?i)(?:\s*[-:])?\s*(download here|download|view attachments?|view)\.?$`)
	fillerOnly     = map[string]bool{
		"":                 true,
		"download":         true,
		"download here":    true,
		"view":             true,
		"view attachment":  true,
		"view attachments": true,
	}
)

// SanitizeResult strips attachment download links from a reply. A reply that was
// nothing but links becomes a short sentence pointing at the attachments.
func SanitizeResult(text string, attachments []chat.Attachment) string {
	if len(attachments) == 0 {
		return text
	}

	var links []string
	for _, a := range attachments {
		links = append(links, a.DownloadURL, a.URI)
		if rel := strings.TrimLeft(a.RelativePath, "/"); rel != "" {
			for _, p := range downloadPrefixes {
				links = append(links, p+rel)
			}
		}
	}
	// longest first so a full URL goes before its path suffix
	sort.SliceStable(links, func(i, j int) bool { return len(links[i]) > len(links[j]) })

	out := text
	for _, link := range links {
		if link == "" || !strings.Contains(out, link) {
			continue
		}
		re := regexp.MustCompile(`\s*[:\-]?\s*` + regexp.QuoteMeta(link))
		out = re.ReplaceAllString(out, "")
	}

	out = strings.TrimSpace(spaceRun.ReplaceAllString(out, " "))
	out = strings.TrimSpace(trailingPrompt.ReplaceAllString(out, ""))
	if fillerOnly[strings.TrimRight(strings.ToLower(out), ".:!")] {
		out = ""
	}

	if out == "" {
		if len(attachments) == 1 {
			return "Here you go. I attached the file for you."
		}
		return "Here you go. I attached the files for you."
	}
	return out
}

// NormalizeAttachments fills RelativePath from a download URI when it is missing.
func NormalizeAttachments(in []chat.Attachment) []chat.Attachment {
	out := make([]chat.Attachment, 0, len(in))
	for _, a := range in {
		if a.URI == "" && a.DownloadURL == "" {
			continue
		}
		if a.RelativePath == "" && a.URI != "" {
			for _, marker := range []string{"/api/v1/files/download/", "/v1/files/download/"} {
				if _, rest, ok := strings.Cut(a.URI, marker); ok {
					a.RelativePath = strings.TrimLeft(rest, "/")
					break
				}
			}
		}
		out = append(out, a)
	}
	return out
}
