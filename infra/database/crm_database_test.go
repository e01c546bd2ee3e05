package database

import (
	"testing"
	"time"
)

func TestRedisOptions(t *testing.T) {
	opt, err := RedisOptions("redis://:pw@localhost:6380/2", &RedisConfig{PoolSize: 7, ReadTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if opt.Addr != "localhost:6380" || opt.DB != 2 || opt.Password != "pw" {
		t.Errorf("parsed %s db=%d", opt.Addr, opt.DB)
	}
	if opt.PoolSize != 7 || opt.ReadTimeout != time.Second {
		t.Errorf("config not applied: pool=%d read=%v", opt.PoolSize, opt.ReadTimeout)
	}

	if _, err := RedisOptions("http://nope", nil); err == nil {
		t.Error("invalid scheme accepted")
	}
}
