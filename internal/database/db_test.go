package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   PoolConfig
		want PoolConfig
	}{
		{
			name: "zero value",
			want: PoolConfig{MaxOpenConns: 10, MaxIdleConns: 2, ConnMaxIdleTime: 5 * time.Minute},
		},
		{
			name: "explicit values kept",
			in:   PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxIdleTime: time.Minute},
			want: PoolConfig{MaxOpenConns: 20, MaxIdleConns: 5, ConnMaxIdleTime: time.Minute},
		},
		{
			name: "idle capped by open",
			in:   PoolConfig{MaxOpenConns: 1, MaxIdleConns: 4},
			want: PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1, ConnMaxIdleTime: 5 * time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.withDefaults())
		})
	}
}
