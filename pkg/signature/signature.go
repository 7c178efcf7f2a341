package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const DefaultTolerance = 5 * time.Minute

var (
	ErrMissing  = errors.New("signature missing")
	ErrSkew     = errors.New("signature timestamp outside tolerance")
	ErrMismatch = errors.New("signature mismatch")
	ErrReplayed = errors.New("signature already used")
)

type Envelope struct {
	Timestamp int64  `json:"time"`
	Message   string `json:"message"`
	Signature string `json:"sign"`
}

// ReplayGuard remembers signatures for at least ttl. Remember reports false for one seen before.
type ReplayGuard interface {
	Remember(ctx context.Context, sig string, ttl time.Duration) (bool, error)
}

func Sign(secret string, timestampMS int64, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMS, 10)))
	mac.Write([]byte{':'})
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

func NewEnvelope(secret string, now time.Time, message string) Envelope {
	ts := now.UnixMilli()
	return Envelope{Timestamp: ts, Message: message, Signature: Sign(secret, ts, message)}
}

type Verifier struct {
	secret    string
	tolerance time.Duration
	guard     ReplayGuard
	now       func() time.Time
}

type Option func(*Verifier)

func WithTolerance(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

func WithReplayGuard(g ReplayGuard) Option {
	return func(v *Verifier) { v.guard = g }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{
		secret:    secret,
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Check validates skew and the keyed hash without touching the replay guard.
func (v *Verifier) Check(env Envelope) error {
	if env.Signature == "" {
		return ErrMissing
	}
	skew := v.now().Sub(time.UnixMilli(env.Timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return fmt.Errorf("%w: %s", ErrSkew, skew.Round(time.Second))
	}
	want := Sign(v.secret, env.Timestamp, env.Message)
	if !hmac.Equal([]byte(want), []byte(env.Signature)) {
		return ErrMismatch
	}
	return nil
}

func (v *Verifier) Verify(ctx context.Context, env Envelope) error {
	if err := v.Check(env); err != nil {
		return err
	}
	if v.guard == nil {
		return nil
	}
	// Twice the tolerance covers timestamps skewed in either direction.
	fresh, err := v.guard.Remember(ctx, env.Signature, 2*v.tolerance)
	if err != nil {
		return fmt.Errorf("replay guard: %w", err)
	}
	if !fresh {
		return ErrReplayed
	}
	return nil
}
