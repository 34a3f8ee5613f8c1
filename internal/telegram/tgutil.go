package telegram

import "github.com/gotd/td/tg"

// GetPeerID normalizes any peer reference down to its bare numeric id
// (user/chat/channel). Returns 0 for an unrecognized peer type.
func GetPeerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	default:
		return 0
	}
}

// channelMarkedIDOffset is Telegram's own -10^12 offset for channel peer ids
// once marked for cross-kind uniqueness (the same convention Telethon's
// get_peer_id / MTProto's "bot API id" scheme both use).
const channelMarkedIDOffset = -1000000000000

// MarkedChannelID converts a bare channel id into Telegram's marked id
// (-100<id>), the form spec.md's Channel.id requires so the same numeric
// namespace can hold users, chats, and channels without collisions.
func MarkedChannelID(channelID int64) int64 {
	if channelID <= 0 {
		return channelID
	}
	return channelMarkedIDOffset - channelID
}
