package services

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pandeptwidyaop/devflow/internal/config"
	"github.com/pandeptwidyaop/devflow/internal/database"
	"github.com/pandeptwidyaop/devflow/internal/models"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionBindingMismatch = errors.New("session bound to a different client")
	ErrUserNotFound           = errors.New("user not found")
	ErrUserExists             = errors.New("user already exists")
	ErrAccountLocked          = errors.New("account temporarily locked")
	ErrTOTPRequired           = errors.New("2FA code required")
	ErrInvalidTOTP            = errors.New("invalid 2FA code")
	ErrTOTPNotSetup           = errors.New("2FA secret has not been generated")
	ErrTOTPAlreadyEnabled     = errors.New("2FA is already enabled")
	ErrDefaultAdminPassword   = errors.New("refusing to create admin user with the default password, set admin.password")
	ErrLastAdmin              = errors.New("cannot remove the last admin user")
)

// DefaultAdminPassword is the placeholder shipped in the sample config.
const DefaultAdminPassword = "changeme"

// dummyHash keeps VerifyCredentials constant time for unknown users.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("devflow-dummy-password"), bcrypt.MinCost)

type AuthService struct {
	db     *database.DB
	cfg    *config.Config
	crypto *CryptoService
	logger zerolog.Logger
	now    func() time.Time
}

// NewAuthService creates the service. crypto may be nil, in which case TOTP
// secrets are stored unencrypted.
func NewAuthService(db *database.DB, cfg *config.Config, crypto *CryptoService, logger zerolog.Logger) *AuthService {
	return &AuthService{
		db:     db,
		cfg:    cfg,
		crypto: crypto,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.Auth.BcryptCost)
	return string(bytes), err
}

func (s *AuthService) CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (s *AuthService) CreateUser(username, password string, role models.Role) (*models.User, error) {
	if models.RoleRank(role) == 0 {
		role = models.RoleOperator
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	result, err := s.db.Exec(
		"INSERT INTO users (username, password_hash, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		username, hash, role, now, now,
	)
	if err != nil {
		return nil, ErrUserExists
	}

	id, _ := result.LastInsertId()
	return s.GetUserByID(id)
}

const userColumns = "id, username, COALESCE(email, ''), password_hash, role, COALESCE(totp_secret, ''), totp_enabled, created_at, updated_at"

func scanUser(row scanner) (*models.User, error) {
	var u models.User
	var secret string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &secret, &u.TOTPEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.TOTPSecret = secret
	return &u, nil
}

func (s *AuthService) GetUserByID(id int64) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *AuthService) GetUserByUsername(username string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *AuthService) GetAllUsers() ([]*models.User, error) {
	rows, err := s.db.Query("SELECT " + userColumns + " FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUser changes email and role. Demoting the last admin is refused.
func (s *AuthService) UpdateUser(id int64, email *string, role *models.Role) (*models.User, error) {
	user, err := s.GetUserByID(id)
	if err != nil {
		return nil, err
	}
	if role != nil && user.IsAdmin() && *role != models.RoleAdmin {
		n, err := s.CountAdminUsers()
		if err != nil {
			return nil, err
		}
		if n <= 1 {
			return nil, ErrLastAdmin
		}
	}
	if email != nil {
		user.Email = *email
	}
	if role != nil {
		user.Role = *role
	}
	_, err = s.db.Exec("UPDATE users SET email = ?, role = ?, updated_at = ? WHERE id = ?", user.Email, user.Role, s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(id)
}

func (s *AuthService) DeleteUser(id int64) error {
	user, err := s.GetUserByID(id)
	if err != nil {
		return err
	}
	if user.IsAdmin() {
		n, err := s.CountAdminUsers()
		if err != nil {
			return err
		}
		if n <= 1 {
			return ErrLastAdmin
		}
	}
	_, err = s.db.Exec("DELETE FROM users WHERE id = ?", id)
	return err
}

func (s *AuthService) CountAdminUsers() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM users WHERE role = ?", models.RoleAdmin).Scan(&n)
	return n, err
}

// VerifyCredentials compares against a dummy hash for unknown users so the
// response time does not reveal which usernames exist.
func (s *AuthService) VerifyCredentials(username, password string) (*models.User, bool) {
	user, err := s.GetUserByUsername(username)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, false
	}
	if !s.CheckPassword(password, user.PasswordHash) {
		return nil, false
	}
	return user, true
}

func (s *AuthService) RecordLoginAttempt(username, ip string, success bool) error {
	_, err := s.db.Exec(
		"INSERT INTO login_attempts (username, ip_address, success, created_at) VALUES (?, ?, ?, ?)",
		username, ip, success, s.now(),
	)
	return err
}

// GetRecentFailedAttempts counts failures inside the lockout window.
func (s *AuthService) GetRecentFailedAttempts(username string) int {
	var n int
	since := s.now().Add(-s.cfg.Security.GetLockoutDuration())
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM login_attempts WHERE username = ? AND success = FALSE AND created_at > ?",
		username, since,
	).Scan(&n)
	if err != nil {
		return 0
	}
	return n
}

func (s *AuthService) ClearLoginAttempts(username string) error {
	_, err := s.db.Exec("DELETE FROM login_attempts WHERE username = ? AND success = FALSE", username)
	return err
}

// IsAccountLocked reports whether username hit max_login_attempts within the
// lockout window, and how long until the newest failure ages out.
func (s *AuthService) IsAccountLocked(username string) (bool, time.Duration) {
	limit := s.cfg.Security.MaxLoginAttempts
	if limit <= 0 || s.GetRecentFailedAttempts(username) < limit {
		return false, 0
	}
	var last time.Time
	err := s.db.QueryRow(
		"SELECT created_at FROM login_attempts WHERE username = ? AND success = FALSE ORDER BY created_at DESC LIMIT 1",
		username,
	).Scan(&last)
	if err != nil {
		return true, s.cfg.Security.GetLockoutDuration()
	}
	remaining := last.Add(s.cfg.Security.GetLockoutDuration()).Sub(s.now())
	if remaining <= 0 {
		return false, 0
	}
	return true, remaining
}

// LoginInput carries credentials and the client the session is bound to.
type LoginInput struct {
	Username  string
	Password  string
	TOTPCode  string
	IPAddress string
	UserAgent string
}

// Login authenticates and opens a new session, dropping the user's old ones.
func (s *AuthService) Login(in LoginInput) (*models.User, *models.Session, error) {
	if locked, _ := s.IsAccountLocked(in.Username); locked {
		return nil, nil, ErrAccountLocked
	}

	user, ok := s.VerifyCredentials(in.Username, in.Password)
	if !ok {
		_ = s.RecordLoginAttempt(in.Username, in.IPAddress, false)
		return nil, nil, ErrInvalidCredentials
	}

	if user.TOTPEnabled {
		if in.TOTPCode == "" {
			return user, nil, ErrTOTPRequired
		}
		if !s.VerifyTOTP(user, in.TOTPCode) {
			_ = s.RecordLoginAttempt(in.Username, in.IPAddress, false)
			return user, nil, ErrInvalidTOTP
		}
	}

	_ = s.ClearLoginAttempts(in.Username)
	_ = s.RecordLoginAttempt(in.Username, in.IPAddress, true)

	if err := s.InvalidateUserSessions(user.ID); err != nil {
		return nil, nil, err
	}
	session, err := s.CreateSessionWithBinding(user.ID, in.IPAddress, in.UserAgent)
	if err != nil {
		return nil, nil, err
	}
	return user, session, nil
}

func (s *AuthService) InvalidateUserSessions(userID int64) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE user_id = ?", userID)
	return err
}

func hashUserAgent(ua string) string {
	sum := sha256.Sum256([]byte(ua))
	return hex.EncodeToString(sum[:])
}

func (s *AuthService) CreateSessionWithBinding(userID int64, ip, userAgent string) (*models.Session, error) {
	now := s.now()
	session := &models.Session{
		ID:            uuid.New().String(),
		UserID:        userID,
		IPAddress:     ip,
		UserAgentHash: hashUserAgent(userAgent),
		ExpiresAt:     now.Add(s.cfg.Auth.GetSessionDuration()),
		CreatedAt:     now,
	}
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, user_id, ip_address, user_agent_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		session.ID, session.UserID, session.IPAddress, session.UserAgentHash, session.ExpiresAt, session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ValidateSessionWithBinding returns the session's user when it is unexpired
// and presented by the same IP and User-Agent that created it.
func (s *AuthService) ValidateSessionWithBinding(sessionID, ip, userAgent string) (*models.User, error) {
	var session models.Session
	var sessIP, uaHash sql.NullString
	err := s.db.QueryRow(
		"SELECT id, user_id, ip_address, user_agent_hash, expires_at, created_at FROM sessions WHERE id = ?",
		sessionID,
	).Scan(&session.ID, &session.UserID, &sessIP, &uaHash, &session.ExpiresAt, &session.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if s.now().After(session.ExpiresAt) {
		_ = s.DeleteSession(sessionID)
		return nil, ErrSessionExpired
	}
	if (sessIP.Valid && sessIP.String != ip) || (uaHash.Valid && uaHash.String != hashUserAgent(userAgent)) {
		s.logger.Warn().Int64("user_id", session.UserID).Str("ip", ip).Msg("session presented by a different client")
		_ = s.DeleteSession(sessionID)
		return nil, ErrSessionBindingMismatch
	}

	return s.GetUserByID(session.UserID)
}

func (s *AuthService) DeleteSession(sessionID string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", sessionID)
	return err
}

func (s *AuthService) CleanExpiredSessions() error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE expires_at < ?", s.now())
	return err
}

// ChangePassword verifies old, stores new, and signs the user out everywhere.
func (s *AuthService) ChangePassword(userID int64, oldPassword, newPassword string) error {
	user, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	if !s.CheckPassword(oldPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	return s.SetPassword(userID, newPassword)
}

// SetPassword replaces a user's password without checking the old one.
func (s *AuthService) SetPassword(userID int64, password string) error {
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec("UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?", hash, s.now(), userID); err != nil {
		return err
	}
	return s.InvalidateUserSessions(userID)
}

// GenerateSecurePassword returns a random URL-safe string of length characters.
func (s *AuthService) GenerateSecurePassword(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes)[:length], nil
}

// EnsureAdminUser creates the configured admin on first start.
func (s *AuthService) EnsureAdminUser() error {
	_, err := s.GetUserByUsername(s.cfg.Admin.Username)
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	if s.cfg.Admin.Password == DefaultAdminPassword || s.cfg.Admin.Password == "" {
		return ErrDefaultAdminPassword
	}
	if _, err := s.CreateUser(s.cfg.Admin.Username, s.cfg.Admin.Password, models.RoleAdmin); err != nil {
		return err
	}
	s.logger.Info().Str("username", s.cfg.Admin.Username).Msg("created admin user")
	return nil
}

// GenerateTOTPSecret stores a fresh, not yet enabled secret and returns the
// provisioning URL for authenticator apps.
func (s *AuthService) GenerateTOTPSecret(user *models.User) (secret, url string, err error) {
	if user.TOTPEnabled {
		return "", "", ErrTOTPAlreadyEnabled
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "DevFlow", AccountName: user.Username})
	if err != nil {
		return "", "", err
	}
	stored := key.Secret()
	if s.crypto != nil {
		if stored, err = s.crypto.Encrypt(stored); err != nil {
			return "", "", err
		}
	}
	if _, err := s.db.Exec("UPDATE users SET totp_secret = ?, totp_enabled = FALSE, updated_at = ? WHERE id = ?", stored, s.now(), user.ID); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func (s *AuthService) totpSecret(user *models.User) (string, error) {
	if user.TOTPSecret == "" {
		return "", ErrTOTPNotSetup
	}
	if s.crypto == nil {
		return user.TOTPSecret, nil
	}
	return s.crypto.Decrypt(user.TOTPSecret)
}

// VerifyTOTP checks code against the user's stored secret.
func (s *AuthService) VerifyTOTP(user *models.User, code string) bool {
	secret, err := s.totpSecret(user)
	if err != nil {
		return false
	}
	return totp.Validate(code, secret)
}

// EnableTOTP turns on 2FA once the user proves the generated secret works.
func (s *AuthService) EnableTOTP(userID int64, code string) error {
	user, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user.TOTPEnabled {
		return ErrTOTPAlreadyEnabled
	}
	if user.TOTPSecret == "" {
		return ErrTOTPNotSetup
	}
	if !s.VerifyTOTP(user, code) {
		return ErrInvalidTOTP
	}
	_, err = s.db.Exec("UPDATE users SET totp_enabled = TRUE, updated_at = ? WHERE id = ?", s.now(), userID)
	return err
}

// DisableTOTP requires a valid current code.
func (s *AuthService) DisableTOTP(userID int64, code string) error {
	user, err := s.GetUserByID(userID)
	if err != nil {
		return err
	}
	if !user.TOTPEnabled {
		return ErrTOTPNotSetup
	}
	if !s.VerifyTOTP(user, code) {
		return ErrInvalidTOTP
	}
	_, err = s.db.Exec("UPDATE users SET totp_enabled = FALSE, totp_secret = NULL, updated_at = ? WHERE id = ?", s.now(), userID)
	return err
}
