package auth

import "strings"

// MockValidator is a development-only token validator that accepts any token
// and derives the user identity from the token string itself: "uid" or
// "uid:Display Name". Never wire this in production mode.
type MockValidator struct{}

func (m *MockValidator) ValidateToken(tokenString string) (*Claims, error) {
	subject := tokenString
	name := ""

	if i := strings.IndexByte(tokenString, ':'); i >= 0 {
		subject = tokenString[:i]
		name = tokenString[i+1:]
	}
	if subject == "" {
		subject = "dev-user-123"
	}
	if name == "" {
		name = "Dev User"
	}

	claims := &Claims{Name: name}
	claims.Subject = subject
	return claims, nil
}
