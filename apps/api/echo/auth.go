package echoapi

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/mwalimu/core"
)

// Roles
const (
	RoleTeacher    = "teacher"
	RoleManagement = "management"
	RoleAdmin      = "admin"
)

const contextTokenKey = "userToken"

// Claims represents the authorization claims transmitted via a JWT.
// Tokens are issued by the user service; this API only verifies them.
type Claims struct {
	jwt.StandardClaims
	Name     string `json:"name,omitempty"`
	Role     string `json:"role"`
	SchoolID string `json:"school_id,omitempty"`
}

func (c Claims) IsAdmin() bool      { return c.Role == RoleAdmin }
func (c Claims) IsManagement() bool { return c.Role == RoleManagement }
func (c Claims) IsTeacher() bool    { return c.Role == RoleTeacher }

// Person returns the acting user, for error reports.
func (c Claims) Person() core.Person {
	return core.Person{ID: c.Subject, Name: c.Name}
}

// newJWTConfig returns the JWT auth middleware config.
func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// NewClaims returns the claims of a user acting with role.
func NewClaims(conf *core.Config, userID, name, role, schoolID string) *Claims {
	now := time.Now()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   userID,
			ExpiresAt: now.Add(conf.Server.JWTExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		Name:     name,
		Role:     role,
		SchoolID: schoolID,
	}
}

// GenerateToken generates a signed JWT token string representing the user Claims.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}
