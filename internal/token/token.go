// Package token implements the deployment token authority: issuing,
// validating, and revoking the bearer credentials that gate external
// access to a deployed agent.
package token

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Token is a deployment token for one agent. Revoked and expired tokens
// are retained so validation can tell a superseded token from an unknown one.
type Token struct {
	Value     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
}

// Info is the external view of a token. Revocation state is never exposed.
type Info struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Info returns the external view of the token.
func (t *Token) Info() Info {
	return Info{Token: t.Value, IssuedAt: t.IssuedAt, ExpiresAt: t.ExpiresAt}
}

const (
	valuePrefix = "agt_"
	valueLength = 32
	alphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// generateValue creates a cryptographically random token value: the "agt_"
// prefix followed by 32 alphanumeric characters. Rejection sampling keeps
// the character distribution uniform.
func generateValue() string {
	out := make([]byte, 0, valueLength)
	buf := make([]byte, valueLength*2)
	for len(out) < valueLength {
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		for _, b := range buf {
			if int(b) < 248 { // 248 = 4 * len(alphabet), largest multiple ≤ 256
				out = append(out, alphabet[int(b)%len(alphabet)])
				if len(out) == valueLength {
					break
				}
			}
		}
	}
	return valuePrefix + string(out)
}
