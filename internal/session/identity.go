package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Identity names the objects this client owns in a scene.
type Identity struct {
	Username  string `json:"username"`
	IDTag     string `json:"id_tag"`
	CamName   string `json:"cam_name"`
	FaceName  string `json:"face_name"`
	HandLeft  string `json:"hand_left"`
	HandRight string `json:"hand_right"`
}

// NewIdentity derives a fresh id tag ("{n}_{username}") and the object ids
// hanging off it.
func NewIdentity(username string) Identity {
	return IdentityFromTag(fmt.Sprintf("%d_%s", uuid.New().ID(), sanitize(username)))
}

// IdentityFromTag rebuilds an identity from a known id tag.
func IdentityFromTag(idTag string) Identity {
	username := idTag
	if i := strings.IndexByte(idTag, '_'); i >= 0 {
		username = idTag[i+1:]
	}
	return Identity{
		Username:  username,
		IDTag:     idTag,
		CamName:   "camera_" + idTag,
		FaceName:  "face_" + idTag,
		HandLeft:  "handLeft_" + idTag,
		HandRight: "handRight_" + idTag,
	}
}

// Owned lists every object id this client publishes for itself.
func (id Identity) Owned() []string {
	return []string{id.CamName, id.FaceName, id.HandLeft, id.HandRight}
}

// sanitize keeps usernames usable as a topic level.
func sanitize(username string) string {
	username = strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', '\t', '\n':
			return '_'
		}
		return r
	}, username)
	if username == "" {
		return "anonymous"
	}
	return username
}
