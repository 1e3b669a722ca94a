package redis

import "github.com/edgeee/chatsync/engine"

// A member represents a channel member hash.
type member struct {
	UserID    string `redis:"user_id"`
	Name      string `redis:"name"`
	AvatarRef string `redis:"avatar_ref"`
}

func (m member) APIMember(online bool) engine.Member {
	return engine.Member{
		UserID:    m.UserID,
		Name:      m.Name,
		AvatarRef: m.AvatarRef,
		Online:    online,
	}
}
