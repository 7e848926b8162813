package sqlutil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&pq.Error{Code: "40001"}))
	assert.True(t, Retryable(fmt.Errorf("place pick: %w", &pq.Error{Code: "40P01"})))
	assert.False(t, Retryable(&pq.Error{Code: "23505"}))
	assert.False(t, Retryable(errors.New("boom")))
}

func TestNullConverters(t *testing.T) {
	assert.Nil(t, FromNullUUID(ToNullUUID(nil)))
	id := uuid.New()
	assert.Equal(t, id, *FromNullUUID(ToNullUUID(&id)))
	assert.Nil(t, FromSqlTime(ToSqlTime(nil)))
}
