package service

import (
	"campus-vending/internal/db"
	"campus-vending/internal/models"
	"campus-vending/pkg"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// SessionService opens a vending session for a student. No credentials are
// checked: the token only carries which account the session belongs to.
type SessionService interface {
	OpenSession(ctx context.Context, name, campus string) (string, models.Account, error)
}

type sessionService struct {
	accountDB db.AccountDB
	log       pkg.Logger
	jwtSecret string
	ttl       time.Duration
	campuses  []string
}

func NewSessionService(accountDB db.AccountDB, logger pkg.Logger, jwtSecret string, ttl time.Duration, campuses []string) SessionService {
	return &sessionService{
		accountDB: accountDB,
		log:       logger,
		jwtSecret: jwtSecret,
		ttl:       ttl,
		campuses:  campuses,
	}
}

func (s *sessionService) OpenSession(ctx context.Context, name, campus string) (string, models.Account, error) {
	if s.jwtSecret == "" {
		s.log.Error("session: empty JWT secret key")
		return "", models.Account{}, errors.New("could not generate token: empty secret key")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", models.Account{}, ErrInvalidName
	}
	if !s.knownCampus(campus) {
		s.log.Warn("unknown campus", zap.String("campus", campus))
		return "", models.Account{}, fmt.Errorf("%w: %q", ErrInvalidCampus, campus)
	}

	acc, err := s.accountDB.GetOrCreateAccount(ctx, name, campus)
	if err != nil {
		s.log.Error("failed to open account", zap.String("name", name), zap.String("campus", campus), zap.Error(err))
		return "", models.Account{}, storageErr("open account", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"account_id": acc.ID,
		"name":       acc.Name,
		"campus":     acc.Campus,
		"exp":        time.Now().Add(s.ttl).Unix(),
	})
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		s.log.Error("failed to generate token", zap.Int("accountID", acc.ID), zap.Error(err))
		return "", models.Account{}, fmt.Errorf("could not generate token: %w", err)
	}
	s.log.Info("Session opened", zap.Int("accountID", acc.ID), zap.String("campus", acc.Campus))
	return tokenString, acc, nil
}

func (s *sessionService) knownCampus(campus string) bool {
	for _, c := range s.campuses {
		if c == campus {
			return true
		}
	}
	return false
}
