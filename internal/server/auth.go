package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim of minted tokens.
const Issuer = "peerlink-server"

// Claims is the token payload. Subject is the client id.
type Claims struct {
	Resource string `json:"resource,omitempty"`
	jwt.RegisteredClaims
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func oauthError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

// issueToken handles the OAuth2 client credentials grant.
func (s *Server) issueToken(c *gin.Context) {
	if c.PostForm("grant_type") != "client_credentials" {
		oauthError(c, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID := c.PostForm("client_id")
	secret, ok := s.cfg.Clients[clientID]
	if !ok || secret != c.PostForm("client_secret") {
		s.log.Warnf("token request for unknown client %q", clientID)
		oauthError(c, http.StatusUnauthorized, "invalid_client")
		return
	}

	now := s.now()
	claims := Claims{
		Resource: c.PostForm("resource"),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   clientID,
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	s.log.Infof("issued token %s to %s", claims.ID, clientID)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.TokenTTL / time.Second),
	})
}

// requireToken validates the bearer token. Browsers cannot set headers on
// websocket upgrades, so an access_token query parameter is accepted too.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.Query("access_token")
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid authorization header format",
				})
				return
			}
			tokenString = parts[1]
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header required",
			})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.cfg.JWTSecret, nil
		}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(s.now))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid token",
			})
			return
		}

		c.Set("client_id", claims.Subject)
		c.Next()
	}
}
