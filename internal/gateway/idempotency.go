package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/crucible/internal/domain"
	"github.com/jkaninda/crucible/internal/observability"
)

// ResponseStore persists completed responses under their idempotency key.
type ResponseStore interface {
	// GetResponse returns the response stored under key if it has not
	// expired at now, or domain.ErrNotFound.
	GetResponse(ctx context.Context, key string, now time.Time) (*domain.AIResponse, error)
	// PutResponse stores resp under key until expiresAt, replacing any
	// previous value.
	PutResponse(ctx context.Context, key string, resp *domain.AIResponse, expiresAt time.Time) error
	// PurgeExpired deletes responses that expired at or before now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// IdempotencyKey derives the de-duplication key for req. A caller-supplied
// key is used verbatim inside the team's namespace; otherwise the key is a
// SHA-256 over provider, model, prompts, experiment and purpose.
func IdempotencyKey(req *domain.AIRequest) string {
	team := req.Scope.TeamID.String()
	if req.IdempotencyKey != "" {
		return "k:" + team + ":" + req.IdempotencyKey
	}
	h := sha256.New()
	for _, part := range []string{
		team,
		req.Provider,
		req.Model,
		req.SystemPrompt,
		req.UserPrompt,
		req.ExperimentID(),
		req.Purpose,
	} {
		// Length-prefix each field so ("ab","c") and ("a","bc") differ.
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return "h:" + hex.EncodeToString(h.Sum(nil))
}

// Idempotency returns a stored response for a key seen within the TTL,
// flagged Cached and without touching the budget. Concurrent calls with the
// same key collapse into one; the followers receive a cached copy of the
// leader's result even if the leader's caller gives up first.
func Idempotency(store ResponseStore, now func() time.Time, logger *slog.Logger, metrics *observability.MetricsCollector) Middleware {
	var group singleflight.Group

	lookup := func(ctx context.Context, key string) (*domain.AIResponse, bool) {
		prev, err := store.GetResponse(ctx, key, now())
		if err == nil {
			return prev, true
		}
		if !errors.Is(err, domain.ErrNotFound) {
			// Fall through to a fresh call.
			logger.WarnContext(ctx, "idempotency lookup failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	replay := func(ctx context.Context, key, source string, resp *domain.AIResponse) *domain.AIResponse {
		metrics.RecordCacheHit(source)
		logger.DebugContext(ctx, "idempotent replay",
			slog.String("key", key),
			slog.String("source", source),
			slog.String("response_id", resp.ID.String()),
		)
		out := resp.Clone()
		out.Cached = true
		return out
	}

	type flight struct {
		resp   *domain.AIResponse
		stored bool
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			if call.Key == "" {
				call.Key = IdempotencyKey(&call.Request)
			}
			if prev, ok := lookup(ctx, call.Key); ok {
				return replay(ctx, call.Key, "store", prev), nil
			}

			// The flight is shared, so it must not end with whichever caller
			// started it. A cancelled caller stops waiting; the flight runs on
			// under the provider timeout and caches its result.
			fctx := context.WithoutCancel(ctx)
			leader := false
			ch := group.DoChan(call.Key, func() (any, error) {
				// A flight that finished between our lookup and DoChan has
				// already cached its result.
				if prev, ok := lookup(fctx, call.Key); ok {
					return flight{resp: prev, stored: true}, nil
				}
				leader = true
				resp, err := next(fctx, call)
				return flight{resp: resp}, err
			})
			var res singleflight.Result
			select {
			case res = <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if res.Err != nil {
				return nil, res.Err
			}
			f := res.Val.(flight)
			switch {
			case f.stored:
				return replay(ctx, call.Key, "store", f.resp), nil
			case leader:
				return f.resp, nil
			default:
				return replay(ctx, call.Key, "inflight", f.resp), nil
			}
		}
	}
}

// CacheWrite stores every successful response under the call's key for ttl.
// A failed write is logged; the response is still returned.
func CacheWrite(store ResponseStore, ttl time.Duration, now func() time.Time, logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, call *Call) (*domain.AIResponse, error) {
			resp, err := next(ctx, call)
			if err != nil || call.Key == "" {
				return resp, err
			}
			if perr := store.PutResponse(ctx, call.Key, resp, now().Add(ttl)); perr != nil {
				logger.WarnContext(ctx, "caching response failed",
					slog.String("key", call.Key),
					slog.String("error", perr.Error()),
				)
			}
			return resp, nil
		}
	}
}
