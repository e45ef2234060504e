package partner

import "strings"

// AuthMethod is an HTTP authentication scheme.
type AuthMethod string

// Authentication methods
const (
	AuthNone      AuthMethod = "none"
	AuthAny       AuthMethod = "any"
	AuthBasic     AuthMethod = "basic"
	AuthDigest    AuthMethod = "digest"
	AuthNTLM      AuthMethod = "ntlm"
	AuthNegotiate AuthMethod = "negotiate"
)

// Authentication holds the credentials for a partner endpoint.
type Authentication struct {
	Method   AuthMethod `yaml:"method" validate:"omitempty,oneof=none any basic digest ntlm negotiate"`
	Username string     `yaml:"username"`
	Password string     `yaml:"password"`
}

// HasAuthentication reports whether credentials should be sent.
func (a Authentication) HasAuthentication() bool {
	return a.Method != "" && a.Method != AuthNone
}

func (a Authentication) normalized() Authentication {
	a.Method = AuthMethod(strings.ToLower(string(a.Method)))
	return a
}
