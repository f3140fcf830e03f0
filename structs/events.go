package structs

import (
	"encoding/json"
	"log/slog"
)

type EventName = string

const (
	EventNameReady          EventName = "READY"
	EventNameResumed        EventName = "RESUMED"
	EventNameGuildCreate    EventName = "GUILD_CREATE"
	EventNameGuildDelete    EventName = "GUILD_DELETE"
	EventNameUserUpdate     EventName = "USER_UPDATE"
	EventNameTypingStart    EventName = "TYPING_START"
	EventNamePresenceUpdate EventName = "PRESENCE_UPDATE"
	EventNameMessageCreate  EventName = "MESSAGE_CREATE"
)

type EventOpcode = int

// Inbound frame. D stays raw to delay decoding until the opcode
// and event name are known.
type RawEvent struct {
	Op EventOpcode     `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  uint64          `json:"s,omitempty"`
	T  EventName       `json:"t,omitempty"`
}

func (re *RawEvent) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("op_code", re.Op),
		slog.Uint64("sequence", re.S),
		slog.String("event_name", re.T))
}

// Outbound frame.
type Event struct {
	Op EventOpcode `json:"op"`
	D  interface{} `json:"d,omitempty"`
	S  uint64      `json:"s,omitempty"`
	T  EventName   `json:"t,omitempty"`
}

func (e *Event) LogValue() slog.Value {
	return slog.GroupValue(slog.Int("op_code", e.Op),
		slog.Any("event_data", e.D),
		slog.Uint64("sequence", e.S),
		slog.String("event_name", e.T))
}

type HelloEventData struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

type IdentifyEventProperties struct {
	Os      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type IdentifyEventData struct {
	Token        string                  `json:"token"`
	Capabilities uint                    `json:"capabilities,omitempty"`
	Properties   IdentifyEventProperties `json:"properties"`
	Compress     bool                    `json:"compress,omitempty"`
}

type ResumeEventData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

type UserSettings struct {
	GuildPositions []string `json:"guild_positions,omitempty"`
	Theme          string   `json:"theme,omitempty"`
	Locale         string   `json:"locale,omitempty"`
}

type ReadyEventData struct {
	V                int          `json:"v"`
	User             User         `json:"user"`
	Guilds           []Guild      `json:"guilds"`
	PrivateChannels  []Channel    `json:"private_channels"`
	Users            []User       `json:"users,omitempty"`
	ReadStates       []ReadState  `json:"read_state,omitempty"`
	UserSettings     UserSettings `json:"user_settings,omitempty"`
	SessionID        string       `json:"session_id"`
	ResumeGatewayURL string       `json:"resume_gateway_url"`
}

type TypingStartEventData struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	UserID    string `json:"user_id"`
	Timestamp uint64 `json:"timestamp"`
}

// Outbound op 14 payload. Typing opts the client in to TYPING_START
// dispatches for the guild.
type SubscribeGuildEventsData struct {
	GuildID    string `json:"guild_id"`
	Typing     bool   `json:"typing,omitempty"`
	Activities bool   `json:"activities,omitempty"`
	Threads    bool   `json:"threads,omitempty"`
}
