package fetchlib

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// extByType supplies a fallback extension when the source filename has none.
var extByType = map[MediaType]string{
	MediaPhoto:     ".jpg",
	MediaVideo:     ".mp4",
	MediaAudio:     ".mp3",
	MediaVoice:     ".ogg",
	MediaDocument:  ".bin",
	MediaAnimation: ".gif",
}

// sanitizeComponent strips characters that are unsafe in a single path
// component. Empty results collapse to "media".
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "media"
	}
	return out
}

// DestinationPath derives the media destination for a matched message.
// The name combines the matched keyword (rule name as fallback), the message
// timestamp and the message identifiers, which keeps it stable across runs
// and collision-resistant per message.
func DestinationPath(mediaDir string, match *MatchResult) string {
	msg := match.Message
	label := match.Keyword
	if label == "" {
		label = match.RuleName
	}
	ext := ""
	if msg.Media != nil {
		ext = path.Ext(msg.Media.Filename)
		if ext == "" {
			ext = extByType[msg.Media.Type]
		}
	}
	name := fmt.Sprintf("%s_%s_%d%s",
		sanitizeComponent(label),
		msg.SentAt.UTC().Format("20060102-150405"),
		msg.SourceMessageID,
		ext,
	)
	return filepath.Join(mediaDir, sanitizeComponent(msg.ResourceKey), name)
}

// JobKey is the single-flight key of one message's media transfer.
func JobKey(resourceKey string, sourceMessageID int64) string {
	return fmt.Sprintf("%s:%d", resourceKey, sourceMessageID)
}
