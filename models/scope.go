package models

import (
	"sort"
	"strings"
)

// GlobalScope is the single retention scope of the global chat.
const GlobalScope = "global"

const pairSeparator = "-"

var pairEscaper = strings.NewReplacer(`\`, `\\`, pairSeparator, `\`+pairSeparator)

// PairKey derives the key shared by two participants of a private chat. The
// names are compared case-sensitively and sorted, so PairKey(a, b) equals
// PairKey(b, a). Separators inside names are escaped to keep distinct pairs
// from colliding. A user chatting with themself gets "name-name".
func PairKey(a, b string) string {
	names := []string{pairEscaper.Replace(a), pairEscaper.Replace(b)}
	sort.Strings(names)
	return names[0] + pairSeparator + names[1]
}

// ScopeOf returns the retention scope for a message of kind written by
// author. target is the document id for document chat and the recipient for
// private chat; it is ignored for global chat.
func ScopeOf(kind ChatKind, author, target string) string {
	switch kind {
	case ChatDocument:
		return target
	case ChatPrivate:
		return PairKey(author, target)
	default:
		return GlobalScope
	}
}
