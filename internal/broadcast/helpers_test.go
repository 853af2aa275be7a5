package broadcast

import (
	"rolecast/internal/transport"
	"rolecast/internal/transport/transporttest"
)

const guild = "guild-1"

// militia returns a platform with the three default roles and a few members.
//
//	u1: krein
//	u2: gadyav
//	u3: krein + bozevin
//	bot: krein (bot account)
func militia() *transporttest.Platform {
	return &transporttest.Platform{
		Roles: map[string][]transport.Role{guild: {
			{ID: "r1", Name: "Ополченец Крейна"},
			{ID: "r2", Name: "Ополченец Гадява"},
			{ID: "r3", Name: "Ополченец Бозевина"},
			{ID: "r9", Name: "Moderator"},
		}},
		Members: map[string][]transport.Member{guild: {
			member("u1", "r1"),
			member("u2", "r2"),
			member("u3", "r1", "r3"),
			{Recipient: transport.Recipient{ID: "bot", Username: "bot"}, RoleIDs: []string{"r1"}, Bot: true},
			member("u4", "r9"),
		}},
	}
}

func member(id string, roles ...string) transport.Member {
	return transport.Member{Recipient: transport.Recipient{ID: id, Username: "user-" + id}, RoleIDs: roles}
}

func ids(rs []transport.Recipient) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
