package mgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndSetDefaults(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "no address", cfg: Config{Database: "im"}, wantErr: true},
		{name: "no database", cfg: Config{URI: "mongodb://localhost:27017"}, wantErr: true},
		{name: "uri", cfg: Config{URI: "mongodb://localhost:27017", Database: "im"}},
		{name: "hosts", cfg: Config{Address: []string{"a:27017", "b:27017"}, Database: "im"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateAndSetDefaults()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, defaultMaxPoolSize, tt.cfg.MaxPoolSize)
			assert.Equal(t, defaultMaxRetry, tt.cfg.MaxRetry)
		})
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "mongodb://***@db:27017/im", redact("mongodb://root:secret@db:27017/im"))
	assert.Equal(t, "mongodb://db:27017", redact("mongodb://db:27017"))
}
