package checker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/chainheights/pkg/db/models"
	"github.com/canopy-network/chainheights/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		name string
		rec  *models.ErrorRecord
		want models.Status
	}{
		{"none", nil, models.StatusOK},
		{"not found", &models.ErrorRecord{Tag: models.ErrorHTTP, StatusCode: 404}, models.StatusWarn},
		{"rate limited", &models.ErrorRecord{Tag: models.ErrorHTTP, StatusCode: 429}, models.StatusWarn},
		{"server error", &models.ErrorRecord{Tag: models.ErrorHTTP, StatusCode: 502}, models.StatusError},
		{"timeout", &models.ErrorRecord{Tag: models.ErrorTimeout}, models.StatusError},
		{"encoding", &models.ErrorRecord{Tag: models.ErrorEncoding, StatusCode: 400}, models.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.rec))
		})
	}
}

func TestExecute_Success(t *testing.T) {
	out := Execute(context.Background(), func(context.Context) (uint64, error) {
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	})

	assert.True(t, out.OK())
	assert.Equal(t, uint64(42), out.Result)
	assert.Nil(t, out.Error)
	assert.GreaterOrEqual(t, out.Duration, 5*time.Millisecond)
	assert.Equal(t, time.UTC, out.StartedAt.Location())
}

func TestExecute_Failure(t *testing.T) {
	out := Execute(context.Background(), func(context.Context) (uint64, error) {
		return 7, &provider.HTTPError{Exchange: provider.Exchange{Method: "GET", URL: "https://x.test", StatusCode: 403}}
	})

	assert.False(t, out.OK())
	assert.Zero(t, out.Result, "results of failed calls are discarded")
	require.NotNil(t, out.Error)
	assert.Equal(t, models.ErrorHTTP, out.Error.Tag)
	assert.Equal(t, models.StatusWarn, out.Status)
}

func TestVoid(t *testing.T) {
	boom := errors.New("boom")
	out := Execute(context.Background(), Void(func(context.Context) error { return boom }))

	assert.Equal(t, models.StatusError, out.Status)
	assert.Equal(t, models.ErrorUnknown, out.Error.Tag)

	out = Execute(context.Background(), Void(func(context.Context) error { return nil }))
	assert.True(t, out.OK())
}
