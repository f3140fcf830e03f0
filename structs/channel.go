package structs

type ChannelType = uint8

const (
	ChannelTypeGuildText     ChannelType = 0
	ChannelTypeDM            ChannelType = 1
	ChannelTypeGuildVoice    ChannelType = 2
	ChannelTypeGroupDM       ChannelType = 3
	ChannelTypeGuildCategory ChannelType = 4
)

type Channel struct {
	ID            string      `json:"id"`
	Type          ChannelType `json:"type"`
	GuildID       string      `json:"guild_id,omitempty"`
	Name          string      `json:"name,omitempty"`
	Position      int         `json:"position,omitempty"`
	ParentID      string      `json:"parent_id,omitempty"`
	LastMessageID string      `json:"last_message_id,omitempty"`
	Recipients    []User      `json:"recipients,omitempty"`
	OwnerID       string      `json:"owner_id,omitempty"`
}

// Per-channel last-read marker.
type ReadState struct {
	ChannelID     string `json:"id"`
	LastMessageID string `json:"last_message_id,omitempty"`
	MentionCount  uint   `json:"mention_count,omitempty"`
}
