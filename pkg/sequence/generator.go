package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"smallbiznis-licensing/pkg/rediskey"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

type Generator interface {
	NextJobReference(ctx context.Context, userID string) (string, error)
}

type RedisGenerator struct {
	rdb   *redis.Client
	clock quartz.Clock
}

type Params struct {
	fx.In

	Redis *redis.Client
	Clock quartz.Clock
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb:   p.Redis,
		clock: p.Clock,
	}
}

// NextJobReference returns a reference such as JOB-251016-00AXK, unique per
// user and UTC day.
func (g *RedisGenerator) NextJobReference(ctx context.Context, userID string) (string, error) {
	return g.nextDailyCode(ctx, "JOB", userID)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope string) (string, error) {
	now := g.clock.Now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildJobSequenceKey(scope, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.Expire(ctx, key, endOfDay.Sub(now)+time.Minute).Err()
	}

	// base36, left padded to three characters
	encodedSeq := strings.ToUpper(strconv.FormatInt(seq, 36))
	if n := len(encodedSeq); n < 3 {
		encodedSeq = strings.Repeat("0", 3-n) + encodedSeq
	}

	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, randSuffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
