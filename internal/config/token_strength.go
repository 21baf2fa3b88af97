package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// minTokenScore is the lowest zxcvbn score (0..4) accepted without a warning.
const minTokenScore = 3

// TokenStrength is the zxcvbn verdict on the admin token.
type TokenStrength struct {
	Score     int
	CrackTime string
	Weak      bool
}

// AssessAdminToken scores token with zxcvbn. Words tied to this server
// (hostname, protocol names) are penalized like dictionary words. An empty
// token disables admin auth and is reported as not weak.
func AssessAdminToken(token string, serverWords ...string) TokenStrength {
	if token == "" {
		return TokenStrength{}
	}
	words := append([]string{"gopher", "gemini", "phlog", "capsule", "pure-gopher"}, serverWords...)
	res := zxcvbn.PasswordStrength(token, words)
	return TokenStrength{
		Score:     res.Score,
		CrackTime: res.CrackTimeDisplay,
		Weak:      res.Score < minTokenScore,
	}
}
