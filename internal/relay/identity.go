package relay

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"globalchat/internal/transport"
)

const (
	maxUsernameLen = 80
	// Snowflake timestamps start at bit 22.
	snowflakeTimestampShift = 22
	defaultAvatarCount      = 5
	zeroWidthJoiner         = "\u200d"
	unknownDisplayName      = "unknown"
)

// Identity is how a relayed message is presented in destination channels.
type Identity struct {
	Username  string
	AvatarURL string
}

// IdentityResolver maps an author to the username and avatar used when
// posting through a proxy endpoint.
type IdentityResolver struct {
	AvatarHost string
}

func (r IdentityResolver) Resolve(a transport.Author) Identity {
	return Identity{
		Username:  SanitizeDisplayName(displayName(a)),
		AvatarURL: AvatarURL(r.AvatarHost, a),
	}
}

// AvatarURL is https://<host>/avatars/<id>/<hash>.png. Authors without a
// custom avatar get their default avatar index in place of the hash.
func AvatarURL(host string, a transport.Author) string {
	if host == "" {
		host = DefaultAvatarHost
	}
	key := a.AvatarHash
	if key == "" {
		key = fmt.Sprint(DefaultAvatarIndex(a.ID, a.Discriminator))
	}
	return fmt.Sprintf("https://%s/avatars/%d/%s.png", host, a.ID, key)
}

// DefaultAvatarIndex picks one of the five built-in avatars. Accounts on
// unique usernames (discriminator 0) derive it from the ID's timestamp bits.
func DefaultAvatarIndex(userID int64, discriminator int) int {
	if discriminator == 0 {
		return int((uint64(userID) >> snowflakeTimestampShift) % defaultAvatarCount)
	}
	return discriminator % defaultAvatarCount
}

func displayName(a transport.Author) string {
	for _, s := range []string{a.Nick, a.GlobalName, a.Username} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// SanitizeDisplayName makes a name acceptable as an endpoint username:
// control characters removed, at most 80 characters, and the reserved
// substrings "discord" and "clyde" broken up so the platform won't reject
// the post.
func SanitizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" {
		return unknownDisplayName
	}
	for _, word := range []string{"discord", "clyde"} {
		name = breakReserved(name, word)
	}
	if utf8.RuneCountInString(name) > maxUsernameLen {
		name = strings.TrimSpace(truncateGraphemes(name, maxUsernameLen))
	}
	return name
}

// breakReserved inserts a zero-width joiner after the first letter of each
// case-insensitive occurrence of word. word must be lowercase.
func breakReserved(s, word string) string {
	rs := []rune(s)
	w := []rune(word)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(rs); i++ {
		b.WriteRune(rs[i])
		if i+len(w) <= len(rs) && matchFold(rs[i:i+len(w)], w) {
			b.WriteString(zeroWidthJoiner)
		}
	}
	return b.String()
}

func matchFold(a, b []rune) bool {
	for i := range a {
		if unicode.ToLower(a[i]) != b[i] {
			return false
		}
	}
	return true
}
