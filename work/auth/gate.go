package auth

import (
	"context"

	"twitch-xc-proxy/work/logger"
	"twitch-xc-proxy/work/metrics"
)

// CredentialStore is the read side of the catalog the gate needs
type CredentialStore interface {
	UserPasswordHash(ctx context.Context, username string) (hash string, found bool, err error)
	MasterPasswordHash(ctx context.Context) (hash string, found bool, err error)
}

// Gate validates caller supplied credentials before any resolution happens
type Gate struct {
	store CredentialStore
}

// NewGate creates a gate backed by store
func NewGate(store CredentialStore) *Gate {
	return &Gate{store: store}
}

/**
 * Authenticate reports whether username/password match stored credential material.
 *
 * A non-empty username is checked against its users row. An empty username
 * (M3U and EPG links carry only a password) is checked against the master
 * secret. Every failure reason is logged on its own line; the caller only
 * ever sees false.
 *
 * @param ctx request context for the catalog read
 * @param username account name, or "" for the master secret
 * @param password plain text password from the request
 * @return true only for an exact match
 */
func (g *Gate) Authenticate(ctx context.Context, username, password string) bool {
	if password == "" {
		logger.Warn("{auth/gate - Authenticate} Rejected user '%s': no password provided", username)
		metrics.AuthFailures.WithLabelValues("empty_password").Inc()
		return false
	}

	var (
		stored string
		found  bool
		err    error
	)
	if username == "" {
		stored, found, err = g.store.MasterPasswordHash(ctx)
	} else {
		stored, found, err = g.store.UserPasswordHash(ctx, username)
	}

	if err != nil {
		logger.Error("{auth/gate - Authenticate} Credential lookup failed for user '%s': %v", username, err)
		metrics.AuthFailures.WithLabelValues("lookup_error").Inc()
		return false
	}
	if !found {
		if username == "" {
			logger.Error("{auth/gate - Authenticate} Rejected: no master password set in the catalog")
			metrics.AuthFailures.WithLabelValues("no_master_secret").Inc()
		} else {
			logger.Warn("{auth/gate - Authenticate} Rejected: unknown user '%s'", username)
			metrics.AuthFailures.WithLabelValues("unknown_user").Inc()
		}
		return false
	}
	if stored == "" {
		logger.Error("{auth/gate - Authenticate} Rejected user '%s': stored secret is empty", username)
		metrics.AuthFailures.WithLabelValues("empty_secret").Inc()
		return false
	}

	ok, err := VerifyPassword(stored, password)
	if err != nil {
		logger.Error("{auth/gate - Authenticate} Cannot verify password for user '%s': %v", username, err)
		metrics.AuthFailures.WithLabelValues("bad_hash").Inc()
		return false
	}
	if !ok {
		logger.Warn("{auth/gate - Authenticate} Rejected user '%s': invalid password", username)
		metrics.AuthFailures.WithLabelValues("mismatch").Inc()
		return false
	}

	logger.Debug("{auth/gate - Authenticate} User '%s' authenticated", username)
	return true
}

// AuthenticateMaster checks a bare password against the master secret
func (g *Gate) AuthenticateMaster(ctx context.Context, password string) bool {
	return g.Authenticate(ctx, "", password)
}
