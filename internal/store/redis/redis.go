package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/crewvar/crewauth/internal/models"
	"github.com/crewvar/crewauth/internal/store"
	"github.com/redis/go-redis/v9"
)

// Redis implements a Redis Store. Every request is a hash keyed by its ID,
// and each e-mail has a ZSET index of request IDs scored by creation time
// so that the latest unused record can be found without scanning.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`

	// Retention bounds how long terminated records stay around for
	// audit and cooldown history. Redis is a TTL store, so "retained
	// forever" is approximated with this window.
	Retention time.Duration `json:"retention"`
}

// How many index entries to walk looking for the latest unused record.
// Anything beyond the first few is already historical.
const latestScanDepth = 10

// New returns a Redis implementation of store.Store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "CREWAUTH"
	}
	if c.Retention < time.Hour {
		c.Retention = 24 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Create persists a new request record and indexes it under its e-mail.
func (r *Redis) Create(ctx context.Context, req models.OTPRequest) error {
	var (
		key    = r.reqKey(req.ID)
		idxKey = r.emailKey(req.Email)
	)

	pipe := r.client.TxPipeline()
	pipe.HMSet(ctx, key,
		"email", req.Email,
		"otp_hash", req.OTPHash,
		"salt", req.Salt,
		"used", boolVal(req.Used),
		"attempts", req.Attempts,
		"created_at", req.CreatedAt.UnixMilli(),
		"expires_at", req.ExpiresAt.UnixMilli(),
		"verified_at", int64(0))
	pipe.PExpire(ctx, key, r.conf.Retention)
	pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(req.CreatedAt.UnixMilli()), Member: req.ID})
	pipe.PExpire(ctx, idxKey, r.conf.Retention)

	_, err := pipe.Exec(ctx)
	return err
}

// Latest returns the most recently created unused record for the e-mail.
func (r *Redis) Latest(ctx context.Context, email string) (models.OTPRequest, error) {
	ids, err := r.client.ZRevRange(ctx, r.emailKey(email), 0, latestScanDepth-1).Result()
	if err != nil {
		return models.OTPRequest{}, err
	}

	for _, id := range ids {
		out, err := r.get(ctx, id)
		if err == store.ErrNotExist {
			// Record hash expired out from under its index entry.
			continue
		}
		if err != nil {
			return models.OTPRequest{}, err
		}
		if !out.Used {
			return out, nil
		}
	}

	return models.OTPRequest{}, store.ErrNotExist
}

// IncrementAttempts bumps the attempt counter, conditional on the record
// still being unused with exactly `current` attempts. The key is WATCHed so
// a concurrent mutation aborts the transaction.
func (r *Redis) IncrementAttempts(ctx context.Context, id string, current int) error {
	key := r.reqKey(id)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "used", "attempts").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return store.ErrNotExist
		}
		if toBool(vals[0]) || toInt(vals[1]) != current {
			return store.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, "attempts", 1)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		return store.ErrConflict
	}
	return err
}

// MarkUsed terminates a record.
func (r *Redis) MarkUsed(ctx context.Context, id string, verifiedAt time.Time) error {
	fields := []interface{}{"used", 1}
	if !verifiedAt.IsZero() {
		fields = append(fields, "verified_at", verifiedAt.UnixMilli())
	}
	return r.client.HMSet(ctx, r.reqKey(id), fields...).Err()
}

func (r *Redis) reqKey(id string) string {
	return fmt.Sprintf("%s:req:%s", r.conf.KeyPrefix, id)
}

func (r *Redis) emailKey(email string) string {
	return fmt.Sprintf("%s:email:%s", r.conf.KeyPrefix, email)
}

// get retrieves one request record by ID.
func (r *Redis) get(ctx context.Context, id string) (models.OTPRequest, error) {
	m, err := r.client.HGetAll(ctx, r.reqKey(id)).Result()
	if err != nil {
		return models.OTPRequest{}, err
	}
	if len(m) == 0 {
		return models.OTPRequest{}, store.ErrNotExist
	}

	out := models.OTPRequest{
		ID:        id,
		Email:     m["email"],
		OTPHash:   m["otp_hash"],
		Salt:      m["salt"],
		Used:      toBool(m["used"]),
		Attempts:  toInt(m["attempts"]),
		CreatedAt: toTime(m["created_at"]),
		ExpiresAt: toTime(m["expires_at"]),
	}
	if v := toInt64(m["verified_at"]); v > 0 {
		out.VerifiedAt = time.UnixMilli(v)
	}
	return out, nil
}

func boolVal(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toBool(v interface{}) bool {
	return toInt(v) != 0
}

func toInt(v interface{}) int {
	return int(toInt64(v))
}

func toInt64(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func toTime(v interface{}) time.Time {
	n := toInt64(v)
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
