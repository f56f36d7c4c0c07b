package attachment

import "strings"

var contextIDEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// GenerateAttachmentID derives the manager key for an attachment from the
// stream context and the part's Content-ID.
//
// An empty half collapses to the other half, so ("", "a:b") and ("a", "b")
// share a key, as do ("a", "") and ("", "a"). When both halves are non-empty
// the context id is escaped so that the first unescaped ':' separates them
// and distinct pairs never produce the same key.
func GenerateAttachmentID(contextID, contentID string) string {
	switch {
	case contextID == "" && contentID == "":
		return ""
	case contextID == "":
		return contentID
	case contentID == "":
		return contextID
	}
	return contextIDEscaper.Replace(contextID) + ":" + contentID
}
