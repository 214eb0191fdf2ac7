package core

import (
	"chat-gateway/models"
	"fmt"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncAttemptLogger_FlushOnClose(t *testing.T) {
	db := newTestDB(t)
	l := NewAsyncAttemptLogger(db, 0, newTestLogger())

	for i := 1; i <= 3; i++ {
		l.Record(&models.AttemptLog{DispatchID: "d-1", Attempt: i, Model: "primary", Outcome: "success"})
	}
	l.Record(&models.AttemptLog{DispatchID: "d-2", Attempt: 1, Model: "primary", Outcome: "rate_limited", StatusCode: 429})
	l.Close()
	l.Close()

	var count int64
	require.NoError(t, db.Model(&models.AttemptLog{}).Count(&count).Error)
	assert.Equal(t, int64(4), count)

	recent, err := l.Recent(10, "")
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, "d-2", recent[0].DispatchID)

	only, err := l.Recent(10, "d-1")
	require.NoError(t, err)
	assert.Len(t, only, 3)
	assert.Equal(t, 3, only[0].Attempt)
}

func TestAsyncAttemptLogger_Retention(t *testing.T) {
	db := newTestDB(t)
	l := NewAsyncAttemptLogger(db, 5, newTestLogger())

	for i := 0; i < 12; i++ {
		l.Record(&models.AttemptLog{DispatchID: fmt.Sprintf("d-%d", i), Attempt: 1})
	}
	l.Close()

	recent, err := l.Recent(100, "")
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "d-11", recent[0].DispatchID)
	assert.Equal(t, "d-7", recent[4].DispatchID)
}

func TestAsyncAttemptLogger_PruneQueryFailureIsLogged(t *testing.T) {
	db := newTestDB(t)
	logger, hook := test.NewNullLogger()
	l := NewAsyncAttemptLogger(db, 2, logger)
	failRowQueries(t, db, "attempt_logs")

	for i := 0; i < 5; i++ {
		l.Record(&models.AttemptLog{DispatchID: fmt.Sprintf("d-%d", i), Attempt: 1})
	}
	l.Close()

	recent, err := l.Recent(100, "")
	require.NoError(t, err)
	assert.Len(t, recent, 5, "nothing is deleted without a pivot")

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "Prune pivot query failed") {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestAsyncAttemptLogger_RecentLimitClamp(t *testing.T) {
	db := newTestDB(t)
	l := NewAsyncAttemptLogger(db, 0, newTestLogger())
	for i := 0; i < 120; i++ {
		l.Record(&models.AttemptLog{Attempt: 1})
	}
	l.Close()

	recent, err := l.Recent(0, "")
	require.NoError(t, err)
	assert.Len(t, recent, 100)
}
