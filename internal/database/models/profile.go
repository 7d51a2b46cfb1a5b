package models

import "github.com/uptrace/bun"

// Profile is the public profile summary shown to a matched partner. Rows
// are maintained by the account service; this service only reads them.
type Profile struct {
	bun.BaseModel

	UserID      string `bun:",pk"`
	DisplayName string
	AvatarURL   string `bun:"avatar_url"`
	City        string
}
