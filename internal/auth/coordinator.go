package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keyxmakerx/relay/internal/apperror"
	"github.com/keyxmakerx/relay/internal/config"
	"github.com/keyxmakerx/relay/internal/sessions"
	"github.com/keyxmakerx/relay/internal/telegram"
	"github.com/keyxmakerx/relay/internal/users"
)

// AuthClient is the slice of the MTProto client the login flows need.
// Satisfied by *telegram.Client.
type AuthClient interface {
	Connect(ctx context.Context) error
	RequestCode(ctx context.Context, phone string) (telegram.SentCode, error)
	SignIn(ctx context.Context, phone, codeHash, code string) (telegram.SignInResult, error)
	CheckPassword(ctx context.Context, password string) error
	ExportQRToken(ctx context.Context) (telegram.QRToken, error)
	PollQRToken(ctx context.Context) (telegram.QRStatus, error)
	ExportSession() string
}

// ClientProvider hands out sessionless clients for login handshakes and
// evicts them once a session is saved, so the next acquisition picks the
// saved session up.
type ClientProvider interface {
	Sessionless(userID int64) AuthClient
	Evict(userID int64)
}

// CodeInfo is returned from StartPhone for the UI to prompt with.
type CodeInfo struct {
	// DeliveryType says where the upstream sent the code (app, sms, call).
	DeliveryType string `json:"delivery_type"`
}

// Result reports a login step outcome to the UI.
type Result struct {
	Success  bool `json:"success"`
	Needs2FA bool `json:"needs_2fa"`
}

// Coordinator drives the two login state machines. One instance serves all
// users; per-user attempt state lives in the pending set.
type Coordinator struct {
	clients ClientProvider
	store   *sessions.Store
	users   users.UserRepository
	cfg     config.AuthConfig
	notify  sessions.Notifier

	pending *pendingSet

	// now is stubbed in tests.
	now func() time.Time
}

// NewCoordinator creates an auth coordinator. notify may be nil.
func NewCoordinator(
	clients ClientProvider,
	store *sessions.Store,
	userRepo users.UserRepository,
	cfg config.AuthConfig,
	notify sessions.Notifier,
) *Coordinator {
	return &Coordinator{
		clients: clients,
		store:   store,
		users:   userRepo,
		cfg:     cfg,
		notify:  notify,
		pending: newPendingSet(),
		now:     time.Now,
	}
}

// --- Phone flow ---

// StartPhone normalises the phone, requests a login code, and moves the
// user to awaiting_code. Restarting an in-flight attempt is allowed and
// tears the previous one down.
func (c *Coordinator) StartPhone(ctx context.Context, userID int64, phone string) (CodeInfo, error) {
	normalized, err := telegram.NormalizePhone(phone)
	if err != nil {
		return CodeInfo{}, err
	}

	if _, err := c.users.Upsert(ctx, userID); err != nil {
		return CodeInfo{}, apperror.NewInternal(fmt.Errorf("upserting user: %w", err))
	}

	stage := c.currentStage(userID)
	if _, err := advance(stage, EventStartPhone); err != nil {
		return CodeInfo{}, err
	}

	client := c.clients.Sessionless(userID)
	if err := client.Connect(ctx); err != nil {
		return CodeInfo{}, apperror.NewInternal(fmt.Errorf("connecting login client: %w", err))
	}

	sent, err := client.RequestCode(ctx, normalized)
	if err != nil {
		return CodeInfo{}, err
	}

	c.pending.put(&pendingAuth{
		userID:        userID,
		stage:         StageAwaitingCode,
		phone:         normalized,
		phoneCodeHash: sent.PhoneCodeHash,
		expiresAt:     c.now().Add(c.cfg.CodeTimeout),
	})
	c.setUserState(ctx, userID, users.StateAwaitingCode)

	slog.Info("login code requested",
		slog.Int64("user_id", userID),
		slog.String("delivery", sent.DeliveryType),
	)
	return CodeInfo{DeliveryType: sent.DeliveryType}, nil
}

// SubmitCode verifies the login code. Non-digits are stripped from the
// input first; the attempt budget applies to code submissions only.
func (c *Coordinator) SubmitCode(ctx context.Context, userID int64, code string) (Result, error) {
	p, ok := c.pending.get(userID, c.now())
	if !ok {
		return Result{}, apperror.NewConflict("no login in progress, start over")
	}
	if p.stage != StageAwaitingCode {
		return Result{}, apperror.NewConflict("not waiting for a code")
	}

	digits := stripNonDigits(code)
	if len(digits) < 4 || len(digits) > 6 {
		return Result{}, apperror.NewInputInvalid("the code is 4-6 digits")
	}

	budgetExceeded := false
	c.pending.mutate(userID, func(p *pendingAuth) {
		p.codeAttempts++
		budgetExceeded = p.codeAttempts > c.cfg.MaxAuthAttempts
	})
	if budgetExceeded {
		c.abort(ctx, userID)
		return Result{}, apperror.NewConflict("too many code attempts, start over")
	}

	client := c.clients.Sessionless(userID)
	res, err := client.SignIn(ctx, p.phone, p.phoneCodeHash, digits)
	if err != nil {
		return Result{}, err
	}

	if res.Needs2FA {
		c.pending.mutate(userID, func(p *pendingAuth) { p.stage = StageAwaiting2FA })
		c.setUserState(ctx, userID, users.StateAwaiting2FA)
		return Result{Needs2FA: true}, nil
	}

	if err := c.finalize(ctx, userID, client); err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}

// SubmitPassword verifies the 2FA cloud password and finalises on success.
func (c *Coordinator) SubmitPassword(ctx context.Context, userID int64, password string) (Result, error) {
	p, ok := c.pending.get(userID, c.now())
	if !ok {
		return Result{}, apperror.NewConflict("no login in progress, start over")
	}
	if p.stage != StageAwaiting2FA {
		return Result{}, apperror.NewConflict("not waiting for a password")
	}

	client := c.clients.Sessionless(userID)
	if err := client.CheckPassword(ctx, password); err != nil {
		return Result{}, err
	}

	if err := c.finalize(ctx, userID, client); err != nil {
		return Result{}, err
	}
	return Result{Success: true}, nil
}

// --- QR flow ---

// StartQR exports a login token for QR display and starts the background
// poller watching for the scan.
func (c *Coordinator) StartQR(ctx context.Context, userID int64) (telegram.QRToken, error) {
	if _, err := c.users.Upsert(ctx, userID); err != nil {
		return telegram.QRToken{}, apperror.NewInternal(fmt.Errorf("upserting user: %w", err))
	}

	stage := c.currentStage(userID)
	if _, err := advance(stage, EventStartQR); err != nil {
		return telegram.QRToken{}, err
	}

	client := c.clients.Sessionless(userID)
	if err := client.Connect(ctx); err != nil {
		return telegram.QRToken{}, apperror.NewInternal(fmt.Errorf("connecting login client: %w", err))
	}

	token, err := client.ExportQRToken(ctx)
	if err != nil {
		return telegram.QRToken{}, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.pending.put(&pendingAuth{
		userID:    userID,
		stage:     StageAwaitingQR,
		qrCancel:  cancel,
		expiresAt: c.now().Add(c.cfg.CodeTimeout),
	})
	go c.pollQR(pollCtx, userID, client, token.ExpiresAt)

	return token, nil
}

// RefreshQR is idempotent: it cancels the live poller (if any), exports a
// fresh token, and restarts the poller. Exactly one poller survives.
func (c *Coordinator) RefreshQR(ctx context.Context, userID int64) (telegram.QRToken, error) {
	return c.StartQR(ctx, userID)
}

// pollQR asks upstream for the token status until success, 2FA, expiry, or
// cancellation.
func (c *Coordinator) pollQR(ctx context.Context, userID int64, client AuthClient, expiresAt time.Time) {
	interval := c.cfg.QRPollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.now().After(expiresAt) {
			slog.Info("qr token expired", slog.Int64("user_id", userID))
			if c.notify != nil {
				c.notify(ctx, userID, "The QR code expired. Request a fresh one.")
			}
			c.pending.drop(userID)
			return
		}

		status, err := client.PollQRToken(ctx)
		if err != nil {
			if apperror.IsKind(err, apperror.KindRateLimited) {
				// Back off for the mandated pause, then keep polling.
				wait := apperror.RetryAfter(err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			slog.Warn("qr poll failed", slog.Int64("user_id", userID), slog.Any("error", err))
			continue
		}

		switch status {
		case telegram.QRSuccess:
			if err := c.finalize(ctx, userID, client); err != nil {
				slog.Error("qr finalize failed", slog.Int64("user_id", userID), slog.Any("error", err))
			} else if c.notify != nil {
				c.notify(ctx, userID, "Logged in via QR.")
			}
			return

		case telegram.QRNeeds2FA:
			var cancel context.CancelFunc
			c.pending.mutate(userID, func(p *pendingAuth) {
				p.stage = StageAwaiting2FA
				cancel, p.qrCancel = p.qrCancel, nil
			})
			if cancel != nil {
				cancel()
			}
			c.setUserState(ctx, userID, users.StateAwaiting2FA)
			if c.notify != nil {
				c.notify(ctx, userID, "Almost there: enter your cloud password.")
			}
			return

		case telegram.QRPending:
			// Keep waiting.
		}
	}
}

// --- Shared ---

// Cancel aborts the user's login attempt, tearing down the pending state
// and any QR poller.
func (c *Coordinator) Cancel(ctx context.Context, userID int64) {
	c.abort(ctx, userID)
}

// HasPending reports whether the user has a live login attempt. The ops
// status surface reads this.
func (c *Coordinator) HasPending(userID int64) bool {
	_, ok := c.pending.get(userID, c.now())
	return ok
}

func (c *Coordinator) abort(ctx context.Context, userID int64) {
	c.pending.drop(userID)
	c.setUserState(ctx, userID, users.StateIdle)
}

// finalize exports the fresh session, persists it encrypted, drops the
// pending attempt, and evicts the login client from the registry.
func (c *Coordinator) finalize(ctx context.Context, userID int64, client AuthClient) error {
	plaintext := client.ExportSession()
	if plaintext == "" {
		return apperror.NewInternal(fmt.Errorf("authorized client exported empty session"))
	}

	if err := c.store.Save(ctx, userID, plaintext); err != nil {
		return apperror.NewInternal(fmt.Errorf("saving session: %w", err))
	}

	c.pending.drop(userID)
	c.clients.Evict(userID)
	c.setUserState(ctx, userID, users.StateMainMenu)

	slog.Info("auth finalized", slog.Int64("user_id", userID))
	return nil
}

func (c *Coordinator) currentStage(userID int64) Stage {
	if p, ok := c.pending.get(userID, c.now()); ok {
		return p.stage
	}
	return StageIdle
}

func (c *Coordinator) setUserState(ctx context.Context, userID int64, state users.State) {
	if err := c.users.UpdateState(ctx, userID, state); err != nil {
		slog.Error("updating user state",
			slog.Int64("user_id", userID),
			slog.String("state", string(state)),
			slog.Any("error", err),
		)
	}
}

func stripNonDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
