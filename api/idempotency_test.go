package api

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"lifecenter/commands"
)

func keyed(action commands.Action, key string) commands.Command {
	return commands.Command{Action: action, IdempotencyKey: key}
}

func TestCommandKeysClaimPerOwner(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	k := NewCommandKeys(client, time.Minute, "")
	ctx := context.Background()

	got, err := k.Claim(ctx, "u1", []commands.Command{keyed(commands.ActionAddHabit, "a"), keyed(commands.ActionDeleteTask, "b")})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !reflect.DeepEqual(got, []bool{true, true}) {
		t.Fatalf("expected both keys claimed, got %v", got)
	}

	got, err = k.Claim(ctx, "u1", []commands.Command{keyed(commands.ActionAddHabit, "a"), keyed(commands.ActionToggleStatus, "c")})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !reflect.DeepEqual(got, []bool{false, true}) {
		t.Fatalf("expected only c claimed, got %v", got)
	}

	// the same key under another owner is a different command
	if got, _ = k.Claim(ctx, "u2", []commands.Command{keyed(commands.ActionAddHabit, "a")}); !got[0] {
		t.Fatal("expected a to be claimed for u2")
	}

	v, err := mr.Get("lifecenter:cmd:u1:a")
	if err != nil {
		t.Fatalf("expected the owner scoped key in redis: %v", err)
	}
	if v != "add-habit" {
		t.Fatalf("expected the claiming action as value, got %q", v)
	}
	if ttl := mr.TTL("lifecenter:cmd:u1:a"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}

	if err := k.Release(ctx, "u1", "a"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got, _ = k.Claim(ctx, "u1", []commands.Command{keyed(commands.ActionAddHabit, "a")}); !got[0] {
		t.Fatal("expected a to be claimable after Release")
	}
	if !mr.Exists("lifecenter:cmd:u2:a") {
		t.Fatal("release must not touch other owners")
	}
}

func TestCommandKeysRepeatedKeyInBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	got, err := NewCommandKeys(client, time.Minute, "test").Claim(context.Background(), "u1",
		[]commands.Command{keyed(commands.ActionAddHabit, "k"), keyed(commands.ActionAddHabit, "k")})
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !reflect.DeepEqual(got, []bool{true, false}) {
		t.Fatalf("expected the repeat to be a duplicate, got %v", got)
	}
	if !mr.Exists("test:cmd:u1:k") {
		t.Fatal("expected the configured prefix")
	}
}

func TestCommandKeysEmptyAndUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	k := NewCommandKeys(client, time.Minute, "")

	got, err := k.Claim(context.Background(), "u1", nil)
	if err != nil || got != nil {
		t.Fatalf("unexpected %v %v", got, err)
	}

	mr.Close()
	got, err = k.Claim(context.Background(), "u1", []commands.Command{keyed(commands.ActionAddHabit, "a")})
	if err == nil {
		t.Fatal("expected an error with redis down")
	}
	if len(got) != 1 || got[0] {
		t.Fatalf("nothing may be reported claimed, got %v", got)
	}
}
