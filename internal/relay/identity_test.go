package relay

import (
	"strings"
	"testing"
	"unicode/utf8"

	"globalchat/internal/transport"
)

func TestDefaultAvatarIndex(t *testing.T) {
	cases := []struct {
		id    int64
		disc  int
		index int
	}{
		{80351110224678912, 0, 4},
		{80351110224678912, 1337, 2},
		{1, 5, 0},
	}
	for _, c := range cases {
		if got := DefaultAvatarIndex(c.id, c.disc); got != c.index {
			t.Fatalf("DefaultAvatarIndex(%d, %d) = %d, want %d", c.id, c.disc, got, c.index)
		}
	}
}

func TestAvatarURL(t *testing.T) {
	a := transport.Author{ID: 80351110224678912, AvatarHash: "abc123"}
	if got := AvatarURL("", a); got != "https://cdn.discordapp.com/avatars/80351110224678912/abc123.png" {
		t.Fatalf("custom avatar url = %q", got)
	}
	a.AvatarHash = ""
	if got := AvatarURL("media.example", a); got != "https://media.example/avatars/80351110224678912/4.png" {
		t.Fatalf("default avatar url = %q", got)
	}
}

func TestResolvePrefersNickThenGlobalName(t *testing.T) {
	r := IdentityResolver{}
	a := transport.Author{ID: 1, Username: "user", GlobalName: "Global", Nick: "Nick"}
	if got := r.Resolve(a).Username; got != "Nick" {
		t.Fatalf("username = %q, want Nick", got)
	}
	a.Nick = ""
	if got := r.Resolve(a).Username; got != "Global" {
		t.Fatalf("username = %q, want Global", got)
	}
	a.GlobalName = "  "
	if got := r.Resolve(a).Username; got != "user" {
		t.Fatalf("username = %q, want user", got)
	}
}

func TestSanitizeDisplayName(t *testing.T) {
	if got := SanitizeDisplayName(" \t "); got != "unknown" {
		t.Fatalf("blank = %q", got)
	}
	got := SanitizeDisplayName("DISCORD fan")
	if strings.Contains(strings.ToLower(got), "discord") {
		t.Fatalf("reserved word survived: %q", got)
	}
	if !strings.HasPrefix(got, "D\u200dISCORD") {
		t.Fatalf("unexpected rewrite %q", got)
	}
	if got := SanitizeDisplayName("my clyde"); strings.Contains(got, "clyde") {
		t.Fatalf("reserved word survived: %q", got)
	}
	long := SanitizeDisplayName(strings.Repeat("é", 120))
	if n := utf8.RuneCountInString(long); n != 80 {
		t.Fatalf("length = %d, want 80", n)
	}
	if got := SanitizeDisplayName("a\x00b"); got != "ab" {
		t.Fatalf("control chars kept: %q", got)
	}
}

func TestSanitizeDisplayNameKeepsClustersWhole(t *testing.T) {
	// Thumbs up with a skin tone modifier is one cluster of two runes.
	name := strings.Repeat("a", 79) + "\U0001F44D\U0001F3FD"
	if got := SanitizeDisplayName(name); got != strings.Repeat("a", 79) {
		t.Fatalf("got %q, want the cluster dropped whole", got)
	}

	family := "\U0001F468\u200d\U0001F469\u200d\U0001F467"
	if got := truncateGraphemes("ab"+family+"c", 5); got != "ab" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncateGraphemes("e\u0301e\u0301", 3); got != "e\u0301" {
		t.Fatalf("combining mark split: %q", got)
	}
}
