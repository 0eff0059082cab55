package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"

	"github.com/defguard/defguard-core/internal/config"
	"github.com/defguard/defguard-core/internal/disposable"
	"github.com/defguard/defguard-core/internal/permission"
	"github.com/defguard/defguard-core/internal/user"
)

// fakeRepository implements user.Repository for unit tests.
type fakeRepository struct {
	users         map[uuid.UUID]*user.Credentials
	recoveryCodes map[uuid.UUID][]user.MFARecoveryCode
	tombstones    map[string]bool // keyed by "type:hash"
	admins        map[uuid.UUID]bool
	createErr     error
	getByEmailErr error
	verifyErr     error
	loginAttempts []loginAttempt
	lastVerifyTok string
}

type loginAttempt struct {
	Email   string
	IP      string
	Success bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		users:         make(map[uuid.UUID]*user.Credentials),
		recoveryCodes: make(map[uuid.UUID][]user.MFARecoveryCode),
		tombstones:    make(map[string]bool),
		admins:        make(map[uuid.UUID]bool),
	}
}

func (r *fakeRepository) Create(_ context.Context, params user.CreateParams) (uuid.UUID, error) {
	if r.createErr != nil {
		return uuid.Nil, r.createErr
	}
	for _, c := range r.users {
		if c.Email == params.Email || c.Username == params.Username {
			return uuid.Nil, user.ErrAlreadyExists
		}
	}
	id := uuid.New()
	r.users[id] = &user.Credentials{
		User: user.User{
			ID:        id,
			Email:     params.Email,
			Username:  params.Username,
			Phone:     params.Phone,
			IsActive:  true,
			OpenIDSub: params.OpenIDSub,
		},
		PasswordHash: params.PasswordHash,
	}
	r.lastVerifyTok = params.VerifyToken
	return id, nil
}

func (r *fakeRepository) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cpy := c.User
	return &cpy, nil
}

func (r *fakeRepository) GetByEmail(_ context.Context, email string) (*user.Credentials, error) {
	if r.getByEmailErr != nil {
		return nil, r.getByEmailErr
	}
	for _, c := range r.users {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeRepository) GetByUsername(_ context.Context, username string) (*user.User, error) {
	for _, c := range r.users {
		if c.Username == username {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeRepository) GetByOpenIDSub(_ context.Context, sub string) (*user.User, error) {
	for _, c := range r.users {
		if c.OpenIDSub != nil && *c.OpenIDSub == sub {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeRepository) GetCredentialsByID(_ context.Context, id uuid.UUID) (*user.Credentials, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (r *fakeRepository) VerifyEmail(_ context.Context, token string) (uuid.UUID, error) {
	if r.verifyErr != nil {
		return uuid.Nil, r.verifyErr
	}
	if token != r.lastVerifyTok || token == "" {
		return uuid.Nil, user.ErrInvalidToken
	}
	for _, c := range r.users {
		c.EmailVerified = true
		return c.ID, nil
	}
	return uuid.Nil, user.ErrInvalidToken
}

func (r *fakeRepository) ReplaceVerificationToken(_ context.Context, userID uuid.UUID, token string, _ time.Time, _ time.Duration) error {
	if _, ok := r.users[userID]; !ok {
		return user.ErrNotFound
	}
	r.lastVerifyTok = token
	return nil
}

func (r *fakeRepository) RecordLoginAttempt(_ context.Context, email, ip string, success bool) error {
	r.loginAttempts = append(r.loginAttempts, loginAttempt{Email: email, IP: ip, Success: success})
	return nil
}

func (r *fakeRepository) UpdatePasswordHash(_ context.Context, userID uuid.UUID, hash string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.PasswordHash = hash
	return nil
}

func (r *fakeRepository) Update(_ context.Context, id uuid.UUID, params user.UpdateParams) (*user.User, error) {
	c, ok := r.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	if params.Email != nil {
		c.Email = *params.Email
	}
	if params.Phone != nil {
		c.Phone = params.Phone
	}
	if params.IsActive != nil {
		c.IsActive = *params.IsActive
	}
	if params.OpenIDSub != nil {
		c.OpenIDSub = params.OpenIDSub
	}
	cpy := c.User
	return &cpy, nil
}

func (r *fakeRepository) EnableTOTP(_ context.Context, userID uuid.UUID, encryptedSecret string, codeHashes []string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.TOTPSecret = &encryptedSecret
	c.MFAEnabled = true
	codes := make([]user.MFARecoveryCode, len(codeHashes))
	for i, h := range codeHashes {
		codes[i] = user.MFARecoveryCode{ID: uuid.New(), CodeHash: h}
	}
	r.recoveryCodes[userID] = codes
	return nil
}

func (r *fakeRepository) DisableTOTP(_ context.Context, userID uuid.UUID) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.TOTPSecret = nil
	c.MFAEnabled = c.EmailMFAEnabled || c.WebAuthnBound || c.BiometricPubkey != nil
	delete(r.recoveryCodes, userID)
	return nil
}

func (r *fakeRepository) SetEmailMFA(_ context.Context, userID uuid.UUID, enabled bool) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.EmailMFAEnabled = enabled
	c.MFAEnabled = enabled || c.TOTPSecret != nil || c.WebAuthnBound || c.BiometricPubkey != nil
	return nil
}

func (r *fakeRepository) SetBiometricPubkey(_ context.Context, userID uuid.UUID, pubkey *string) error {
	c, ok := r.users[userID]
	if !ok {
		return user.ErrNotFound
	}
	c.BiometricPubkey = pubkey
	c.MFAEnabled = pubkey != nil || c.TOTPSecret != nil || c.EmailMFAEnabled || c.WebAuthnBound
	return nil
}

func (r *fakeRepository) GetUnusedRecoveryCodes(_ context.Context, userID uuid.UUID) ([]user.MFARecoveryCode, error) {
	return r.recoveryCodes[userID], nil
}

func (r *fakeRepository) UseRecoveryCode(_ context.Context, codeID uuid.UUID) error {
	for uid, codes := range r.recoveryCodes {
		for i, c := range codes {
			if c.ID == codeID {
				r.recoveryCodes[uid] = append(codes[:i], codes[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (r *fakeRepository) ReplaceRecoveryCodes(_ context.Context, userID uuid.UUID, codeHashes []string) error {
	codes := make([]user.MFARecoveryCode, len(codeHashes))
	for i, h := range codeHashes {
		codes[i] = user.MFARecoveryCode{ID: uuid.New(), CodeHash: h}
	}
	r.recoveryCodes[userID] = codes
	return nil
}

func (r *fakeRepository) DeleteWithTombstones(_ context.Context, id uuid.UUID, tombstones []user.Tombstone) error {
	if _, ok := r.users[id]; !ok {
		return user.ErrNotFound
	}
	if r.admins[id] {
		remaining := 0
		for uid := range r.admins {
			if uid != id && r.admins[uid] {
				remaining++
			}
		}
		if remaining == 0 {
			return user.ErrLastAdmin
		}
	}
	for _, t := range tombstones {
		r.tombstones[string(t.IdentifierType)+":"+t.HMACHash] = true
	}
	delete(r.users, id)
	delete(r.recoveryCodes, id)
	delete(r.admins, id)
	return nil
}

func (r *fakeRepository) CheckTombstone(_ context.Context, identifierType user.TombstoneType, hmacHash string) (bool, error) {
	return r.tombstones[string(identifierType)+":"+hmacHash], nil
}

func (r *fakeRepository) CountActiveAdmins(_ context.Context, excluding uuid.UUID) (int, error) {
	count := 0
	for uid := range r.admins {
		if uid != excluding && r.admins[uid] {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepository) ListAll(_ context.Context) ([]user.User, error) {
	var users []user.User
	for _, c := range r.users {
		users = append(users, c.User)
	}
	return users, nil
}

func testConfig() *config.Config {
	return &config.Config{
		ServerURL:                  "https://test.example.com",
		ServerEnv:                  "production",
		AuthSecret:                 "test-secret-at-least-32-chars-long!!",
		JWTAccessTTL:               15 * time.Minute,
		JWTRefreshTTL:              7 * 24 * time.Hour,
		Argon2Memory:               64 * 1024,
		Argon2Iterations:           1, // fast for tests
		Argon2Parallelism:          1,
		Argon2SaltLength:           16,
		Argon2KeyLength:            32,
		MFAEncryptionKey:           testEncryptionKey,
		MFATicketTTL:               5 * time.Minute,
		ServerSecret:               testEncryptionKey, // reuse same hex key for test convenience
		DeletionTombstoneUsernames: true,
	}
}

func newTestService(t *testing.T, repo *fakeRepository) *Service {
	t.Helper()
	_, rdb := setupMiniredis(t)
	bl := disposable.NewBlocklist("", false)
	invalidator := permission.NewPublisher(rdb)
	svc, err := NewService(repo, rdb, testConfig(), bl, nil, invalidator, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

// --- CreateUser tests ---

func TestServiceCreateUserSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{
		Email:    "alice@example.com",
		Username: "alice",
		Password: "strongpassword",
	})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if created.Email != "alice@example.com" {
		t.Errorf("Email = %q, want %q", created.Email, "alice@example.com")
	}
	if created.Username != "alice" {
		t.Errorf("Username = %q, want %q", created.Username, "alice")
	}
	if !created.IsActive {
		t.Error("created user should be active")
	}
	if created.EmailVerified {
		t.Error("created user should not yet be verified")
	}
	if repo.lastVerifyTok == "" {
		t.Error("expected a verification token to be stored")
	}
}

func TestServiceCreateUserDuplicateEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	req := CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"}
	if _, err := svc.CreateUser(ctx, req); err != nil {
		t.Fatalf("first CreateUser() error = %v", err)
	}

	req.Username = "alice2"
	_, err := svc.CreateUser(ctx, req)
	if !errors.Is(err, ErrEmailAlreadyTaken) {
		t.Errorf("CreateUser() error = %v, want %v", err, ErrEmailAlreadyTaken)
	}
}

func TestServiceCreateUserInvalidInputs(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	tests := []struct {
		name string
		req  CreateUserRequest
	}{
		{"bad email", CreateUserRequest{Email: "not-an-email", Username: "bob", Password: "strongpassword"}},
		{"bad username", CreateUserRequest{Email: "bob@example.com", Username: "!bob", Password: "strongpassword"}},
		{"bad password", CreateUserRequest{Email: "bob@example.com", Username: "bob", Password: "short"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateUser(ctx, tt.req); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestServiceCreateUserTombstonedEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	hmacHash, err := HMACIdentifier("alice@example.com", testEncryptionKey)
	if err != nil {
		t.Fatalf("HMACIdentifier() error = %v", err)
	}
	repo.tombstones[string(user.TombstoneEmail)+":"+hmacHash] = true

	_, err = svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if !errors.Is(err, ErrAccountTombstoned) {
		t.Errorf("CreateUser() error = %v, want %v", err, ErrAccountTombstoned)
	}
}

// --- Login tests ---

func TestServiceLoginSuccess(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	result, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if result.MFARequired {
		t.Error("Login() should not require MFA")
	}
	if result.Auth == nil || result.Auth.AccessToken == "" || result.Auth.RefreshToken == "" {
		t.Error("Login() should return tokens")
	}
}

func TestServiceLoginWrongPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	_, err = svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrongpassword", IP: "127.0.0.1"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want %v", err, ErrInvalidCredentials)
	}
	if len(repo.loginAttempts) != 1 || repo.loginAttempts[0].Success {
		t.Error("expected a recorded failed login attempt")
	}
}

func TestServiceLoginUnknownEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	_, err := svc.Login(ctx, LoginRequest{Email: "ghost@example.com", Password: "whatever1", IP: "127.0.0.1"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestServiceLoginInactiveAccount(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	repo.users[created.ID].IsActive = false

	_, err = svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if !errors.Is(err, ErrAccountInactive) {
		t.Errorf("Login() error = %v, want %v", err, ErrAccountInactive)
	}
}

func TestServiceLoginMFARequired(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	secret, _, err := enableTOTPForTest(t, svc, repo, created.ID)
	if err != nil {
		t.Fatalf("enableTOTPForTest() error = %v", err)
	}
	_ = secret

	result, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !result.MFARequired || result.Ticket == "" {
		t.Error("Login() should require MFA and return a ticket")
	}
}

// --- VerifyEmail / ResendVerification tests ---

func TestServiceVerifyEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := svc.VerifyEmail(ctx, repo.lastVerifyTok); err != nil {
		t.Fatalf("VerifyEmail() error = %v", err)
	}
	if err := svc.VerifyEmail(ctx, "bogus-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyEmail() error = %v, want %v", err, ErrInvalidToken)
	}
}

func TestServiceResendVerificationAlreadyVerified(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	repo.users[created.ID].EmailVerified = true

	if err := svc.ResendVerification(ctx, created.ID); !errors.Is(err, ErrEmailAlreadyVerified) {
		t.Errorf("ResendVerification() error = %v, want %v", err, ErrEmailAlreadyVerified)
	}
}

// --- MFA setup / verify / disable tests ---

// enableTOTPForTest drives BeginMFASetup + ConfirmMFASetup and returns the TOTP secret and recovery codes.
func enableTOTPForTest(t *testing.T, svc *Service, _ *fakeRepository, userID uuid.UUID) (string, []string, error) {
	t.Helper()
	setup, err := svc.BeginMFASetup(context.Background(), userID, "strongpassword")
	if err != nil {
		return "", nil, err
	}
	code, err := totp.GenerateCode(setup.Secret, time.Now())
	if err != nil {
		return "", nil, err
	}
	codes, err := svc.ConfirmMFASetup(context.Background(), userID, code)
	return setup.Secret, codes, err
}

func TestServiceMFASetupAndVerifyFlow(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	secret, codes, err := enableTOTPForTest(t, svc, repo, created.ID)
	if err != nil {
		t.Fatalf("enableTOTPForTest() error = %v", err)
	}
	if len(codes) != 10 {
		t.Errorf("expected 10 recovery codes, got %d", len(codes))
	}

	login, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if !login.MFARequired {
		t.Fatal("expected MFA to be required after enabling TOTP")
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}

	auth, err := svc.VerifyMFA(ctx, login.Ticket, code)
	if err != nil {
		t.Fatalf("VerifyMFA() error = %v", err)
	}
	if auth.AccessToken == "" || auth.RefreshToken == "" {
		t.Error("VerifyMFA() should return tokens")
	}
}

func TestServiceVerifyMFAWithRecoveryCode(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	_, codes, err := enableTOTPForTest(t, svc, repo, created.ID)
	if err != nil {
		t.Fatalf("enableTOTPForTest() error = %v", err)
	}

	login, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}

	if _, err := svc.VerifyMFA(ctx, login.Ticket, codes[0]); err != nil {
		t.Fatalf("VerifyMFA() with recovery code error = %v", err)
	}

	// A recovery code may only be used once.
	login2, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if _, err := svc.VerifyMFA(ctx, login2.Ticket, codes[0]); !errors.Is(err, ErrInvalidMFACode) {
		t.Errorf("VerifyMFA() reused recovery code error = %v, want %v", err, ErrInvalidMFACode)
	}
}

func TestServiceConfirmMFASetupWrongCode(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if _, err := svc.BeginMFASetup(ctx, created.ID, "strongpassword"); err != nil {
		t.Fatalf("BeginMFASetup() error = %v", err)
	}

	_, err = svc.ConfirmMFASetup(ctx, created.ID, "000000")
	if !errors.Is(err, ErrInvalidMFACode) {
		t.Errorf("ConfirmMFASetup() error = %v, want %v", err, ErrInvalidMFACode)
	}
}

func TestServiceDisableMFA(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	secret, _, err := enableTOTPForTest(t, svc, repo, created.ID)
	if err != nil {
		t.Fatalf("enableTOTPForTest() error = %v", err)
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error = %v", err)
	}
	if err := svc.DisableMFA(ctx, created.ID, "strongpassword", code); err != nil {
		t.Fatalf("DisableMFA() error = %v", err)
	}

	login, err := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "strongpassword", IP: "127.0.0.1"})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if login.MFARequired {
		t.Error("MFA should no longer be required after DisableMFA")
	}
}

func TestServiceRegenerateRecoveryCodesRequiresMFA(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	_, err = svc.RegenerateRecoveryCodes(ctx, created.ID, "strongpassword")
	if !errors.Is(err, ErrMFANotEnabled) {
		t.Errorf("RegenerateRecoveryCodes() error = %v, want %v", err, ErrMFANotEnabled)
	}
}

// --- VerifyUserPassword / DeleteAccount tests ---

func TestServiceVerifyUserPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := svc.VerifyUserPassword(ctx, created.ID, "strongpassword"); err != nil {
		t.Errorf("VerifyUserPassword() error = %v", err)
	}
	if err := svc.VerifyUserPassword(ctx, created.ID, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("VerifyUserPassword() error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func TestServiceDeleteAccount(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := svc.DeleteAccount(ctx, created.ID, "strongpassword"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}
	if _, err := svc.users.GetByID(ctx, created.ID); !errors.Is(err, user.ErrNotFound) {
		t.Error("user should no longer exist after deletion")
	}

	emailHMAC, err := HMACIdentifier("alice@example.com", testEncryptionKey)
	if err != nil {
		t.Fatalf("HMACIdentifier() error = %v", err)
	}
	if !repo.tombstones[string(user.TombstoneEmail)+":"+emailHMAC] {
		t.Error("expected an email tombstone to be recorded")
	}
}

func TestServiceDeleteAccountLastAdmin(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "admin@example.com", Username: "admin", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	repo.admins[created.ID] = true

	err = svc.DeleteAccount(ctx, created.ID, "strongpassword")
	if !errors.Is(err, ErrLastAdmin) {
		t.Errorf("DeleteAccount() error = %v, want %v", err, ErrLastAdmin)
	}
}

func TestServiceDeleteAccountWrongPassword(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := svc.DeleteAccount(ctx, created.ID, "wrongpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("DeleteAccount() error = %v, want %v", err, ErrInvalidCredentials)
	}
}

// --- CompleteOpenIDLogin tests ---

func TestServiceCompleteOpenIDLoginCreatesAccount(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	auth, err := svc.CompleteOpenIDLogin(ctx, "sub-123", "zenek@example.com", "!zenek!", OpenIDHandlingRemoveForbidden)
	if err != nil {
		t.Fatalf("CompleteOpenIDLogin() error = %v", err)
	}
	if auth.User.Username != "zenek" {
		t.Errorf("Username = %q, want %q", auth.User.Username, "zenek")
	}
	if auth.AccessToken == "" {
		t.Error("expected an access token")
	}
}

func TestServiceCompleteOpenIDLoginLinksExistingEmail(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	created, err := svc.CreateUser(ctx, CreateUserRequest{Email: "alice@example.com", Username: "alice", Password: "strongpassword"})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	auth, err := svc.CompleteOpenIDLogin(ctx, "sub-456", "alice@example.com", "alice", OpenIDHandlingRemoveForbidden)
	if err != nil {
		t.Fatalf("CompleteOpenIDLogin() error = %v", err)
	}
	if auth.User.ID != created.ID {
		t.Error("expected the existing account to be linked rather than a new one created")
	}
	if repo.users[created.ID].OpenIDSub == nil || *repo.users[created.ID].OpenIDSub != "sub-456" {
		t.Error("expected openid_sub to be linked on the existing account")
	}
}

func TestServiceCompleteOpenIDLoginReusesLinkedAccount(t *testing.T) {
	t.Parallel()
	repo := newFakeRepository()
	svc := newTestService(t, repo)
	ctx := context.Background()

	first, err := svc.CompleteOpenIDLogin(ctx, "sub-789", "bob@example.com", "bob", OpenIDHandlingRemoveForbidden)
	if err != nil {
		t.Fatalf("CompleteOpenIDLogin() first call error = %v", err)
	}

	second, err := svc.CompleteOpenIDLogin(ctx, "sub-789", "bob@example.com", "bob", OpenIDHandlingRemoveForbidden)
	if err != nil {
		t.Fatalf("CompleteOpenIDLogin() second call error = %v", err)
	}
	if first.User.ID != second.User.ID {
		t.Error("expected repeated OIDC logins to resolve to the same account")
	}
	if len(repo.users) != 1 {
		t.Errorf("expected exactly one user row, got %d", len(repo.users))
	}
}
