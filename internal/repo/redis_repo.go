package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLobbyDirectory shares lobby ids between relay instances.
type RedisLobbyDirectory struct{ rdb redis.UniversalClient }

func NewRedisLobbyDirectory(rdb redis.UniversalClient) *RedisLobbyDirectory {
	return &RedisLobbyDirectory{rdb: rdb}
}

func lobbyKey(id string) string {
	return fmt.Sprintf("lobbies:%s", id)
}

// touchScript only extends keys that still exist so an expired id is not revived.
var touchScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return 0
`)

func (rr *RedisLobbyDirectory) Reserve(ctx context.Context, rec LobbyRecord, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := rr.rdb.SetNX(ctx, lobbyKey(rec.LobbyId), b, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve lobby %s: %w", rec.LobbyId, err)
	}
	return ok, nil
}

func (rr *RedisLobbyDirectory) Lookup(ctx context.Context, lobbyId string) (LobbyRecord, bool, error) {
	val, err := rr.rdb.Get(ctx, lobbyKey(lobbyId)).Bytes()
	if errors.Is(err, redis.Nil) {
		return LobbyRecord{}, false, nil
	}
	if err != nil {
		return LobbyRecord{}, false, err
	}
	var rec LobbyRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return LobbyRecord{}, false, err
	}
	return rec, true, nil
}

func (rr *RedisLobbyDirectory) Touch(ctx context.Context, lobbyId string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return touchScript.Run(ctx, rr.rdb, []string{lobbyKey(lobbyId)}, ttl.Milliseconds()).Err()
}

func (rr *RedisLobbyDirectory) Release(ctx context.Context, lobbyId string) error {
	return rr.rdb.Del(ctx, lobbyKey(lobbyId)).Err()
}
