package structs

import "time"

type Guild struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon,omitempty"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
	Large       bool      `json:"large,omitempty"`
	MemberCount uint      `json:"member_count,omitempty"`
	Channels    []Channel `json:"channels,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// Sent on GUILD_DELETE. Unavailable distinguishes an outage from removal.
type GuildUnavailable struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       uint   `json:"color"`
	Hoist       bool   `json:"hoist"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
	Managed     bool   `json:"managed"`
	Mentionable bool   `json:"mentionable"`
}
