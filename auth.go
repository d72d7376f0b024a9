package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/asdine/storm/v3"
	"github.com/dgrijalva/jwt-go"
	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"
)

var (
	JWT_HMAC_SECRET []byte        = []byte("xWumOlRfhu+LBi2F2e1yF4FiaopQ5mr8klL4fpILnlI=")
	JWT_LIFESPAN    time.Duration = time.Hour
)

type ctxKey string

const jwtCtxKey ctxKey = "jwt"

//---
// Structs
//

// Operator is a local account allowed to drive the kit.
type Operator struct {
	ID       int    `storm:"increment"` // pk
	Email    string `storm:"unique"`
	Name     string
	Password string
	Admin    bool
}

// Sets the Operator.Password to the hashed value for the provided plain text
func (o *Operator) SetPassword(pass []byte) {
	hash, _ := bcrypt.GenerateFromPassword(pass, bcrypt.DefaultCost)
	o.Password = string(hash)
}

// Compares Operator.Password with the provided plain text.
// Returns values directly as provided by the bcrypt library for downstream processing.
func (o *Operator) VerifyPassword(pass []byte) error {
	return bcrypt.CompareHashAndPassword([]byte(o.Password), pass)
}

//---
// Generic payloads
//---

// Login payload
type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (l *LoginPayload) Bind(r *http.Request) error {
	if l.Email == "" {
		return errors.New("email is required")
	}
	return nil
}

type JWTPayload struct {
	SignedToken string `json:"token"`
}

//---
// Helper functions
//

// Produce a standard format JWT token
func newJWT(sub string) (ts string, err error) {
	now := time.Now().UTC()
	claims := jwt.StandardClaims{
		Issuer:    ENV.JWT_ISSUER,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(JWT_LIFESPAN).Unix(),
		Subject:   sub,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	return token.SignedString(JWT_HMAC_SECRET)
}

//---
// Views
//---

// Login looks up an operator, verifies password and returns response
func Login(w http.ResponseWriter, r *http.Request) {
	data := &LoginPayload{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var operator Operator
	if err := ENV.DB.One("Email", data.Email, &operator); err != nil {
		if err == storm.ErrNotFound {
			render.Render(w, r, ErrNotFound)
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	err := operator.VerifyPassword([]byte(data.Password))
	if err != nil {
		if err == bcrypt.ErrMismatchedHashAndPassword {
			render.Render(w, r, ErrPermissionDenied(errors.New("Invalid password")))
			return
		}
		render.Render(w, r, ErrRender(err))
		return
	}

	tokenString, err := newJWT(operator.Email)
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	ENV.Logger.Infow("operator logged in", "email", operator.Email)
	render.JSON(w, r, JWTPayload{tokenString})
}

// Provides a new token to the client
func JWTRefresh(w http.ResponseWriter, r *http.Request) {
	tokenString, err := newJWT(operatorEmail(r))
	if err != nil {
		render.Render(w, r, ErrRender(err))
		return
	}

	render.JSON(w, r, JWTPayload{tokenString})
}

//---
// Authentication middleware
//---

var (
	JWTEmpty    = errors.New("Bearer token not provided")
	ErrNotAdmin = errors.New("only an admin may do that")
)

// operatorEmail is the subject of the token validated for r, or "" when the
// route is not protected.
func operatorEmail(r *http.Request) string {
	token, ok := r.Context().Value(jwtCtxKey).(*jwt.Token)
	if !ok {
		return ""
	}
	if claims, ok := token.Claims.(*jwt.StandardClaims); ok {
		return claims.Subject
	}
	return ""
}

// requestToken looks for a token in the query (websockets cannot set
// headers), then the Authorization header, then the jwt cookie.
func requestToken(r *http.Request) string {
	if ts := r.URL.Query().Get("jwt"); ts != "" {
		return ts
	}

	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.EqualFold(bearer[0:6], "BEARER") {
		return bearer[7:]
	}

	if cookie, err := r.Cookie("jwt"); err == nil {
		return cookie.Value
	}
	return ""
}

func parseJWT(ts string) (*jwt.Token, error) {
	token, err := jwt.ParseWithClaims(ts, &jwt.StandardClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return JWT_HMAC_SECRET, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return token, nil
}

func ValidateJWT(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := requestToken(r)
		if ts == "" {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}

		token, err := parseJWT(ts)
		if err != nil {
			render.Render(w, r, ErrUnauthorized(err))
			return
		}

		ctx := context.WithValue(r.Context(), jwtCtxKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin limits a route to operators flagged Admin. It must run after
// ValidateJWT.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email := operatorEmail(r)
		if email == "" {
			render.Render(w, r, ErrUnauthorized(JWTEmpty))
			return
		}

		var operator Operator
		err := ENV.DB.One("Email", email, &operator)
		switch {
		case err == storm.ErrNotFound:
			render.Render(w, r, ErrUnauthorized(errors.New("unknown operator")))
			return
		case err != nil:
			render.Render(w, r, ErrRender(err))
			return
		case !operator.Admin:
			ENV.Logger.Warnw("kit lifecycle refused", "operator", email, "path", r.URL.Path)
			render.Render(w, r, ErrPermissionDenied(ErrNotAdmin))
			return
		}

		next.ServeHTTP(w, r)
	})
}
