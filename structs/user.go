package structs

type User struct {
	ID                   string      `json:"id"`
	Username             string      `json:"username"`
	Discriminator        string      `json:"discriminator"`
	GlobalName           string      `json:"global_name,omitempty"`
	Avatar               string      `json:"avatar,omitempty"`
	Banner               string      `json:"banner,omitempty"`
	Bio                  string      `json:"bio,omitempty"`
	Email                string      `json:"email,omitempty"`
	Verified             bool        `json:"verified,omitempty"`
	MFAEnabled           bool        `json:"mfa_enabled,omitempty"`
	PublicFlags          uint        `json:"public_flags,omitempty"`
	PremiumType          uint8       `json:"premium_type,omitempty"`
	AvatarDecorationData interface{} `json:"avatar_decoration_data,omitempty"`
}
