package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnknownCode = errors.New("unknown or expired link code")

// LinkTarget is who an integration chat acts as once linked.
type LinkTarget struct {
	UserID        string `json:"user_id"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceSlug string `json:"workspace_slug"`
}

// LinkCodes issues one-time codes that tie an integration chat to a user
// and workspace.
type LinkCodes struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewLinkCodes(rdb *redis.Client, ttl time.Duration) *LinkCodes {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LinkCodes{redis: rdb, ttl: ttl}
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func (l *LinkCodes) Issue(ctx context.Context, target LinkTarget) (string, time.Time, error) {
	raw, err := json.Marshal(target)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal link target: %w", err)
	}
	for range 3 {
		code, err := newCode(8)
		if err != nil {
			return "", time.Time{}, err
		}
		ok, err := l.redis.SetNX(ctx, codeKey(code), raw, l.ttl).Result()
		if err != nil {
			return "", time.Time{}, fmt.Errorf("store link code: %w", err)
		}
		if ok {
			return code, time.Now().UTC().Add(l.ttl), nil
		}
	}
	return "", time.Time{}, fmt.Errorf("could not allocate a link code")
}

// Consume returns the code's target and deletes the code.
func (l *LinkCodes) Consume(ctx context.Context, code string) (LinkTarget, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return LinkTarget{}, ErrUnknownCode
	}
	raw, err := l.redis.GetDel(ctx, codeKey(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LinkTarget{}, ErrUnknownCode
	}
	if err != nil {
		return LinkTarget{}, fmt.Errorf("consume link code: %w", err)
	}
	var target LinkTarget
	if err := json.Unmarshal(raw, &target); err != nil {
		return LinkTarget{}, fmt.Errorf("decode link target: %w", err)
	}
	return target, nil
}

func codeKey(code string) string { return "pi:linkcode:" + code }

func newCode(n int) (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for range n {
		i, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate link code: %w", err)
		}
		b.WriteByte(codeAlphabet[i.Int64()])
	}
	return b.String(), nil
}
