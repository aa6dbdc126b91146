package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lifecenter/commands"
)

// CommandKeys remembers the idempotency keys each owner has submitted to
// POST /api/commands. A client that retries a batch within the TTL gets
// "duplicate" for the commands that were already claimed, on any instance.
//
// Keys are laid out as <prefix>:cmd:<owner>:<idempotencyKey> and hold the
// action that claimed them.
type CommandKeys struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCommandKeys returns a CommandKeys under prefix, "lifecenter" when empty.
func NewCommandKeys(client *redis.Client, ttl time.Duration, prefix string) *CommandKeys {
	if prefix == "" {
		prefix = "lifecenter"
	}
	return &CommandKeys{client: client, ttl: ttl, prefix: prefix}
}

func (k *CommandKeys) redisKey(owner, key string) string {
	return fmt.Sprintf("%s:cmd:%s:%s", k.prefix, owner, key)
}

// Claim records the key of every command in one pipeline and reports which
// were claimed by this call. A key repeated inside the batch is claimed once.
// On error the result still marks the keys that were claimed, so the caller
// can release them.
func (k *CommandKeys) Claim(ctx context.Context, owner string, cmds []commands.Command) ([]bool, error) {
	if len(cmds) == 0 {
		return nil, nil
	}
	claims := make([]*redis.BoolCmd, len(cmds))
	_, err := k.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, cmd := range cmds {
			claims[i] = pipe.SetNX(ctx, k.redisKey(owner, cmd.IdempotencyKey), cmd.Action.String(), k.ttl)
		}
		return nil
	})
	fresh := make([]bool, len(cmds))
	for i, claim := range claims {
		if claim == nil {
			continue
		}
		ok, claimErr := claim.Result()
		if claimErr != nil {
			if err == nil {
				err = claimErr
			}
			continue
		}
		fresh[i] = ok
	}
	return fresh, err
}

// Release forgets a key so the command may be retried.
func (k *CommandKeys) Release(ctx context.Context, owner, key string) error {
	return k.client.Del(ctx, k.redisKey(owner, key)).Err()
}
