package listener

import (
	"time"

	"github.com/gotd/td/tg"
)

// socialMetadata is the social-graph data extracted from a tg.Message,
// ported from the reference implementation's extract_social_metadata:
// author attribution, forward provenance, reply threading, and discussion
// (comments) metadata.
type socialMetadata struct {
	AuthorUserID         *int64
	RepliedToMessageID   *int64
	ForwardFromChannelID *int64
	ForwardFromMessageID *int64
	ForwardDate          *time.Time
	HasComments          bool
	CommentsCount        int64
	LinkedChatID         *int64
}

// extractSocialMetadata is a pure function over msg's already-populated
// fields — it makes no Telegram API calls, matching the reference
// implementation's split between extraction (cheap, inline) and user
// profile upsert (a separate, best-effort background fetch the archiver's
// Non-goals drop — see DESIGN.md).
func extractSocialMetadata(msg *tg.Message) socialMetadata {
	var meta socialMetadata

	if msg.FromID != nil {
		if u, ok := msg.FromID.(*tg.PeerUser); ok {
			id := u.UserID
			meta.AuthorUserID = &id
		}
	}

	if fwd, ok := msg.GetFwdFrom(); ok {
		if fromID, ok := fwd.GetFromID(); ok {
			if ch, ok := fromID.(*tg.PeerChannel); ok {
				id := ch.ChannelID
				meta.ForwardFromChannelID = &id
			}
		}
		if post, ok := fwd.GetChannelPost(); ok {
			p := int64(post)
			meta.ForwardFromMessageID = &p
		}
		if fwd.Date != 0 {
			t := time.Unix(int64(fwd.Date), 0).UTC()
			meta.ForwardDate = &t
		}
	}

	if replyTo, ok := msg.GetReplyTo(); ok {
		if hdr, ok := replyTo.(*tg.MessageReplyHeader); ok {
			if id, ok := hdr.GetReplyToMsgID(); ok {
				r := int64(id)
				meta.RepliedToMessageID = &r
			}
		}
	}

	if replies, ok := msg.GetReplies(); ok {
		meta.HasComments = replies.Comments
		meta.CommentsCount = int64(replies.Replies)
		if replies.ChannelID != 0 {
			id := replies.ChannelID
			meta.LinkedChatID = &id
		}
	}

	return meta
}
