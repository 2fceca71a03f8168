package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/models"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
)

var (
	// ErrUnauthenticated is returned for missing, invalid, expired, or
	// revoked dashboard credentials
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUnauthorized is returned when credentials are valid but do not
	// permit the requested action
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbiddenSourceIP is returned when a spoke call presents a valid
	// key from an address outside the spoke's allowlist
	ErrForbiddenSourceIP = errors.New("forbidden source ip")

	// ErrTooManyAttempts is returned when an origin is throttled after
	// repeated authentication failures
	ErrTooManyAttempts = errors.New("too many failed attempts")
)

// Principal is an authenticated dashboard identity
type Principal struct {
	Username string
	Role     string
}

// CanDispatch reports whether the principal may issue the given verb.
// Update and backup touch the installation itself and need the admin role.
func (p Principal) CanDispatch(verb string) bool {
	switch verb {
	case models.VerbUpdate, models.VerbBackup:
		return p.Role == models.RoleAdmin
	}
	return true
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// GateConfig holds Gate construction parameters
type GateConfig struct {
	Secret   []byte
	TokenTTL time.Duration
	Users    db.UserRepository
	Fleet    registry.FleetRegistry
	Limiter  *FailureLimiter
	Logger   *zap.Logger
}

// Gate validates dashboard sessions and spoke-originated calls. Stateless
// per request apart from the revocation list and the failure limiter.
type Gate struct {
	secret   []byte
	tokenTTL time.Duration
	users    db.UserRepository
	fleet    registry.FleetRegistry
	limiter  *FailureLimiter
	logger   *zap.Logger

	revokedMu sync.Mutex
	revoked   map[string]time.Time // jti -> token expiry
}

// NewGate creates a new Gate instance
func NewGate(cfg GateConfig) *Gate {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewFailureLimiter(5, 5*time.Minute)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Gate{
		secret:   cfg.Secret,
		tokenTTL: cfg.TokenTTL,
		users:    cfg.Users,
		fleet:    cfg.Fleet,
		limiter:  cfg.Limiter,
		logger:   cfg.Logger,
		revoked:  make(map[string]time.Time),
	}
}

// Login verifies dashboard credentials and issues a session token. origin is
// the caller's network address, used for failure throttling.
func (g *Gate) Login(username, password, origin string) (string, error) {
	if !g.limiter.Allow(origin) {
		g.logger.Warn("login throttled", zap.String("origin", origin))
		return "", ErrTooManyAttempts
	}

	user, err := g.users.GetUserByUsername(username)
	if err != nil {
		// Burn a bcrypt comparison so unknown usernames cost the same
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMye"), []byte(password))
		g.limiter.RecordFailure(origin)
		g.logger.Warn("login failed", zap.String("username", username), zap.String("origin", origin))
		return "", ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		g.limiter.RecordFailure(origin)
		g.logger.Warn("login failed", zap.String("username", username), zap.String("origin", origin))
		return "", ErrUnauthenticated
	}

	g.limiter.RecordSuccess(origin)

	now := time.Now()
	claims := sessionClaims{
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.tokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	g.logger.Info("login succeeded", zap.String("username", username))
	return token, nil
}

// AuthenticateDashboard validates a session token and returns its principal
func (g *Gate) AuthenticateDashboard(tokenString string) (*Principal, error) {
	claims, err := g.parseToken(tokenString)
	if err != nil {
		return nil, err
	}

	if g.isRevoked(claims.ID) {
		return nil, ErrUnauthenticated
	}

	return &Principal{Username: claims.Subject, Role: claims.Role}, nil
}

// Revoke invalidates a session token for the rest of its lifetime
func (g *Gate) Revoke(tokenString string) error {
	claims, err := g.parseToken(tokenString)
	if err != nil {
		return err
	}

	expiry := time.Now().Add(g.tokenTTL)
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	g.revokedMu.Lock()
	defer g.revokedMu.Unlock()

	g.revoked[claims.ID] = expiry

	// Expired entries are harmless, drop them while we hold the lock
	now := time.Now()
	for jti, exp := range g.revoked {
		if now.After(exp) {
			delete(g.revoked, jti)
		}
	}

	return nil
}

func (g *Gate) parseToken(tokenString string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrUnauthenticated
	}

	return claims, nil
}

func (g *Gate) isRevoked(jti string) bool {
	g.revokedMu.Lock()
	defer g.revokedMu.Unlock()
	_, revoked := g.revoked[jti]
	return revoked
}

// AuthenticateSpokeCall validates a spoke-originated request: the presented
// key digest must match the stored digest for the claimed spoke identity,
// and when the spoke has an allowlist entry the source IP must match it. A
// spoke without an allowlist entry passes the IP check, but that
// configuration is logged as a warning.
func (g *Gate) AuthenticateSpokeCall(presentedDigest, sourceIP, spokeID string) error {
	if !g.limiter.Allow(sourceIP) {
		return ErrTooManyAttempts
	}

	snap, ok := g.fleet.Get(spokeID)
	if !ok {
		g.limiter.RecordFailure(sourceIP)
		return ErrUnauthorized
	}

	if !DigestsEqual(presentedDigest, snap.Spoke.APIKeyDigest) {
		g.limiter.RecordFailure(sourceIP)
		g.logger.Warn("spoke auth failed: key mismatch",
			zap.String("spoke_id", spokeID),
			zap.String("source_ip", sourceIP))
		return ErrUnauthorized
	}

	if snap.Spoke.AllowedSourceIP == "" {
		g.logger.Warn("spoke has no source allowlist entry",
			zap.String("spoke_id", spokeID))
	} else if snap.Spoke.AllowedSourceIP != sourceIP {
		g.limiter.RecordFailure(sourceIP)
		g.logger.Warn("spoke auth failed: source ip not allowlisted",
			zap.String("spoke_id", spokeID),
			zap.String("source_ip", sourceIP))
		return ErrForbiddenSourceIP
	}

	g.limiter.RecordSuccess(sourceIP)
	return nil
}
