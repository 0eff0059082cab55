package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenIssuer is the issuer claim stamped into every JWT minted by this server, regardless of token kind.
const tokenIssuer = "DefGuard"

// AccessClaims holds the JWT claims for a user session access token.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// NewAccessToken creates a signed JWT access token for the given user.
func NewAccessToken(userID uuid.UUID, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("JWT issuer must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and validates a JWT access token string, enforcing HMAC signing method and the
// issuer claim. An empty issuer is rejected.
func ValidateAccessToken(tokenStr, secret, issuer string) (*AccessClaims, error) {
	claims := &AccessClaims{}

	if issuer == "" {
		return nil, fmt.Errorf("JWT issuer must not be empty")
	}
	parserOpts := []jwt.ParserOption{jwt.WithIssuer(issuer)}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// GatewayClaims holds the JWT claims carried by a Gateway/Proxy RPC connection. Subject is always "DEFGUARD-NETWORK-
// <location_id>" so a single gateway token is scoped to exactly one VPN location; ClientID distinguishes individual
// gateway instances serving that location (used for duplicate-connection detection and stats attribution).
type GatewayClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// gatewaySubject formats the RegisteredClaims.Subject for a gateway token scoped to locationID.
func gatewaySubject(locationID uuid.UUID) string {
	return "DEFGUARD-NETWORK-" + locationID.String()
}

// NewGatewayToken mints a signed JWT authorizing a gateway instance (identified by clientID, typically its hostname)
// to open a Gateway RPC stream for the given VPN location. The token expires ttl after it is issued.
func NewGatewayToken(locationID uuid.UUID, clientID, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("gateway JWT secret must not be empty")
	}

	now := time.Now()
	claims := GatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   gatewaySubject(locationID),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign gateway token: %w", err)
	}
	return signed, nil
}

// ValidateGatewayToken parses a gateway token and returns the location ID and client ID it authorizes.
func ValidateGatewayToken(tokenStr, secret string) (locationID uuid.UUID, clientID string, err error) {
	claims := &GatewayClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return uuid.Nil, "", err
	}
	if !token.Valid {
		return uuid.Nil, "", fmt.Errorf("invalid token")
	}

	const subjectPrefix = "DEFGUARD-NETWORK-"
	if len(claims.Subject) <= len(subjectPrefix) || claims.Subject[:len(subjectPrefix)] != subjectPrefix {
		return uuid.Nil, "", fmt.Errorf("unexpected gateway token subject: %q", claims.Subject)
	}

	locationID, err = uuid.Parse(claims.Subject[len(subjectPrefix):])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("parse location id from gateway token: %w", err)
	}

	return locationID, claims.ClientID, nil
}

// ClientMFAClaims holds the JWT claims for a client-MFA login session token. Subject is always empty; the device's
// WireGuard public key is carried in ClientID and is the only identifier a desktop client needs to present back to
// the Proxy RPC to resume its MFA session.
type ClientMFAClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
}

// NewClientMFAToken mints a signed JWT for a client-MFA login session bound to pubkey, valid for ttl (5 minutes per
// the default configuration).
func NewClientMFAToken(pubkey, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client MFA JWT secret must not be empty")
	}

	now := time.Now()
	claims := ClientMFAClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "",
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ClientID: pubkey,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign client MFA token: %w", err)
	}
	return signed, nil
}

// ValidateClientMFAToken parses a client-MFA session token and returns the bound WireGuard public key.
func ValidateClientMFAToken(tokenStr, secret string) (pubkey string, err error) {
	claims := &ClientMFAClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	return claims.ClientID, nil
}
