package processor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/archivist/tgarchiver/internal/broker"
)

// Authenticity hashes cover the immutable fields of a message so an
// exported archive can later be verified against tampering. Two hashes are
// kept: one over the content identity (channel, message id, publish date,
// normalized text), one over its provenance metadata (author, forward
// chain). Algorithm and version are recorded alongside so a future scheme
// change never invalidates existing rows.
const (
	HashAlgorithm = "sha256"
	HashVersion   = 1
)

// ContentHash hashes (channel_id, telegram_message_id, telegram_date,
// normalized content). The date is normalized to UTC RFC3339 so the same
// message hashes identically regardless of the ingesting host's zone.
func ContentHash(channelID, messageID int64, telegramDate time.Time, content string) string {
	payload := fmt.Sprintf("%d|%d|%s|%s",
		channelID, messageID,
		telegramDate.UTC().Format(time.RFC3339),
		normalizeContent(content),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// MetadataHash hashes the provenance fields: author reference, forward
// references, and forward date. Nil references hash as empty segments so
// a message with no provenance still gets a stable, comparable hash.
func MetadataHash(authorUserID, forwardFromChannelID, forwardFromMessageID *int64, forwardDate *time.Time) string {
	payload := fmt.Sprintf("%s|%s|%s|%s",
		formatRef(authorUserID),
		formatRef(forwardFromChannelID),
		formatRef(forwardFromMessageID),
		formatDate(forwardDate),
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// hashEntry computes both authenticity hashes for a stream entry.
func hashEntry(e broker.StreamEntry, channelRowID int64) (contentHash, metadataHash string) {
	contentHash = ContentHash(channelRowID, e.MessageID, e.TelegramDate, e.Content)
	metadataHash = MetadataHash(e.AuthorUserID, e.ForwardFromChannelID, e.ForwardFromMessageID, e.ForwardDate)
	return contentHash, metadataHash
}

// normalizeContent collapses line-ending variants and trims surrounding
// whitespace, so a re-fetched copy of the same message hashes identically
// even if Telegram's transport normalized its whitespace differently.
func normalizeContent(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}

func formatRef(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(*v)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
