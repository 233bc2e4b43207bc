package auth

import (
	"http-engine/application/http"
	"strings"
)

// Challenge is one auth-scheme with its parameters.
type Challenge struct {
	// Scheme is lowercase.
	Scheme  string
	Params  map[string]string
	Token68 string
	Realm   string
	Raw     string
	Target  Target
}

// Param returns a parameter by case-insensitive name.
func (c Challenge) Param(name string) (string, bool) {
	v, ok := c.Params[strings.ToLower(name)]
	return v, ok
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	c := make(map[string]string, len(params))
	for k, v := range params {
		c[k] = v
	}
	return c
}

// ParseChallenges collects every challenge for target in h. A field
// value may carry several comma separated challenges.
func ParseChallenges(h http.Headers, target Target) []Challenge {
	var challenges []Challenge
	for _, v := range h.Values(target.ChallengeHeader()) {
		for _, ch := range parseChallengeList(v) {
			ch.Target = target
			challenges = append(challenges, ch)
		}
	}
	return challenges
}

type lexer struct {
	s   string
	pos int
}

func (l *lexer) eof() bool { return l.pos >= len(l.s) }

func (l *lexer) skipOWS() {
	for !l.eof() && (l.s[l.pos] == http.SP || l.s[l.pos] == http.HTAB) {
		l.pos++
	}
}

func (l *lexer) skipSeparators() {
	for !l.eof() && (l.s[l.pos] == ',' || l.s[l.pos] == http.SP || l.s[l.pos] == http.HTAB) {
		l.pos++
	}
}

func (l *lexer) token() string {
	start := l.pos
	for !l.eof() && isTchar(l.s[l.pos]) {
		l.pos++
	}
	return l.s[start:l.pos]
}

func (l *lexer) quoted() string {
	// Opening quote already checked.
	l.pos++
	var sb strings.Builder
	for !l.eof() {
		c := l.s[l.pos]
		l.pos++
		switch c {
		case '\\':
			if !l.eof() {
				sb.WriteByte(l.s[l.pos])
				l.pos++
			}
		case '"':
			return sb.String()
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// token68 consumes a token68 if one stands alone before the next comma.
func (l *lexer) token68() (string, bool) {
	start := l.pos
	i := l.pos
	for i < len(l.s) && isToken68char(l.s[i]) {
		i++
	}
	if i == start {
		return "", false
	}
	for i < len(l.s) && l.s[i] == '=' {
		i++
	}
	end := i
	for i < len(l.s) && (l.s[i] == http.SP || l.s[i] == http.HTAB) {
		i++
	}
	if i < len(l.s) && l.s[i] != ',' {
		return "", false
	}
	l.pos = end
	return l.s[start:end], true
}

func parseChallengeList(v string) []Challenge {
	l := &lexer{s: v}
	var challenges []Challenge

	for {
		l.skipSeparators()
		if l.eof() {
			return challenges
		}

		start := l.pos
		scheme := l.token()
		if scheme == "" {
			// Not a token, skip the offending byte.
			l.pos++
			continue
		}

		ch := Challenge{Scheme: strings.ToLower(scheme), Params: map[string]string{}}
		l.skipOWS()

		if t68, ok := l.token68(); ok {
			ch.Token68 = t68
		} else {
			l.params(&ch)
		}

		ch.Realm = ch.Params["realm"]
		ch.Raw = strings.TrimRight(strings.TrimSpace(v[start:l.pos]), ",")
		challenges = append(challenges, ch)
	}
}

// params reads auth-params until one is not followed by "=", which
// starts the next challenge.
func (l *lexer) params(ch *Challenge) {
	for {
		save := l.pos
		l.skipSeparators()
		name := l.token()
		if name == "" {
			l.pos = save
			return
		}
		l.skipOWS()
		if l.eof() || l.s[l.pos] != '=' {
			l.pos = save
			return
		}
		l.pos++
		l.skipOWS()

		var value string
		if !l.eof() && l.s[l.pos] == '"' {
			value = l.quoted()
		} else {
			start := l.pos
			for !l.eof() && l.s[l.pos] != ',' && l.s[l.pos] != http.SP && l.s[l.pos] != http.HTAB {
				l.pos++
			}
			value = l.s[start:l.pos]
		}
		ch.Params[strings.ToLower(name)] = value
	}
}

func isTchar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func isToken68char(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-._~+/", c) >= 0
}
