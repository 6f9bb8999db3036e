package message

import (
	_ "embed"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

//go:embed emoji.json
var emojiJSON []byte

var (
	emojiMap  map[string]string
	emojiKeys []string // sorted, for deterministic partial matching

	emojiToken = regexp.MustCompile(`:([a-zA-Z0-9_]+):`)
)

func init() {
	if err := json.Unmarshal(emojiJSON, &emojiMap); err != nil {
		panic("message: bad embedded emoji table: " + err.Error())
	}
	emojiKeys = make([]string, 0, len(emojiMap))
	for k := range emojiMap {
		emojiKeys = append(emojiKeys, k)
	}
	sort.Strings(emojiKeys)
}

// substituteEmoji replaces :name: shorthand tokens using the embedded table.
// An exact key match wins; otherwise the first key (in sorted order) longer
// than two characters that occurs inside the token is used. The partial pass
// mirrors legacy behavior and is deliberately fuzzy; sorted iteration just
// keeps it deterministic.
func substituteEmoji(s string) string {
	return emojiToken.ReplaceAllStringFunc(s, func(token string) string {
		name := strings.Trim(token, ":")
		if v, ok := emojiMap[name]; ok {
			return v
		}
		for _, key := range emojiKeys {
			if len(key) <= 2 {
				continue
			}
			if idx := strings.Index(token, key); idx > 0 {
				return emojiMap[key]
			}
		}
		return token
	})
}
