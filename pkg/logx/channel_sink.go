package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Discord caps message content at 2000 characters.
const channelTextLimit = 1900

// channelWriter is the zerolog sink behind DiscordConfig.
type channelWriter struct{ svc *Service }

func (w *channelWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *channelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}

	s.mu.Lock()
	channelID := s.channelID
	lim := s.limiter
	min := s.minLevel
	hasSender := s.sender != nil
	s.mu.Unlock()

	if channelID == 0 || !hasSender || lim == nil || level < min {
		return len(p), nil
	}
	if !lim.Allow() {
		return len(p), nil
	}
	if text := formatChannelEvent(p); text != "" {
		s.enqueue(sinkItem{channelID: channelID, text: text})
	}
	return len(p), nil
}

// formatChannelEvent renders one zerolog JSON line as a compact code block.
// Keys are sorted so repeated events read the same.
func formatChannelEvent(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), channelTextLimit)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("```\n")
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)
	for _, k := range keys {
		b.WriteString("\n" + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 300))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\nstack=\n")
		b.WriteString(truncate(fmt.Sprint(st), 700))
	}
	out := truncate(b.String(), channelTextLimit-4)
	return out + "\n```"
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
