package github

import (
	"encoding/json"
	"regexp"

	"porter/internal/model"
)

var metadataPattern = regexp.MustCompile(`(?s)<!--\s*porter:(.*?)\s*-->`)

// BuildComment renders a status comment: the human summary followed by the
// task metadata as JSON inside an HTML comment.
func BuildComment(summary string, meta model.TaskMetadata) string {
	// encoding/json escapes '<' and '>', so the payload can never close the HTML comment early
	payload, err := json.Marshal(meta)
	if err != nil {
		return summary
	}
	return summary + "\n\n<!-- porter:" + string(payload) + " -->"
}

// ParseComment extracts task metadata from a comment body.
// Malformed JSON is reported as no metadata.
func ParseComment(body string) (*model.TaskMetadata, bool) {
	match := metadataPattern.FindStringSubmatch(body)
	if match == nil {
		return nil, false
	}
	var meta model.TaskMetadata
	if err := json.Unmarshal([]byte(match[1]), &meta); err != nil {
		return nil, false
	}
	return &meta, true
}

// LatestMetadata scans comments newest first and returns the first metadata found.
// comments must be ordered oldest first, as ListComments returns them.
func LatestMetadata(comments []Comment) (*model.TaskMetadata, bool) {
	for i := len(comments) - 1; i >= 0; i-- {
		if meta, ok := ParseComment(comments[i].Body); ok {
			return meta, true
		}
	}
	return nil, false
}
