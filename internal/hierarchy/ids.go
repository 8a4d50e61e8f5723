package hierarchy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/starford/strata/internal/models"
)

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("strata:chunk"))

// LeafID derives a leaf's identity from its message and span, so re-splitting
// the same text yields the same ids.
func LeafID(messageID string, span models.Span) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d:%d", messageID, span.Start, span.End))).String()
}

// SummaryID derives a summary's identity from its message, kind and ordered
// children.
func SummaryID(messageID string, kind models.SummaryKind, children []string) string {
	name := messageID + ":" + string(kind) + ":" + strings.Join(children, ",")
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}
