// Package luascript holds the Lua scripts sagalock runs in Redis.
package luascript

import (
	"context"

	"github.com/redis/rueidis"
)

// Executor executes one Lua script against a Redis client.
type Executor interface {
	// Exec executes the script with the given keys and arguments.
	Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult
}

// New wraps script in an Executor backed by rueidis.Lua (EVALSHA with EVAL fallback).
func New(script string) Executor {
	return &executor{script: rueidis.NewLuaScript(script)}
}

type executor struct {
	script *rueidis.Lua
}

func (e *executor) Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult {
	return e.script.Exec(ctx, client, keys, args)
}

// CompareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
// Returns 1 when the key was deleted, 0 otherwise.
const CompareAndDelete = `if redis.call("GET",KEYS[1]) == ARGV[1] then return redis.call("DEL",KEYS[1]) else return 0 end`

// CompareAndExpire resets the TTL of KEYS[1] to ARGV[2] milliseconds only while it
// still holds ARGV[1]. Returns 1 when the TTL was set, 0 otherwise.
const CompareAndExpire = `if redis.call("GET",KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE",KEYS[1],ARGV[2]) else return 0 end`
