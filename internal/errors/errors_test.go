package errors

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewf_KeepsWrappedChain(t *testing.T) {
	base := New("connection reset")
	err := Newf(CategoryTransient, "failed to load pending relances: %w", base)

	assert.Equal(t, "failed to load pending relances: connection reset", err.Error())
	assert.True(t, Is(err, base))
	assert.Equal(t, CategoryTransient, CategoryOf(err))
	assert.True(t, IsTransient(err))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, CategoryInvariant, "ignored"))

	base := New("UNIQUE constraint failed")
	err := Wrap(base, CategoryInvariant, "pending relance already exists")
	require.Error(t, err)
	assert.Equal(t, "pending relance already exists: UNIQUE constraint failed", err.Error())
	assert.Equal(t, CategoryInvariant, CategoryOf(err))
	assert.False(t, IsTransient(err))
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"nil", nil, CategoryUnknown},
		{"plain", New("boom"), CategoryUnknown},
		{"deadline", fmt.Errorf("batch write: %w", context.DeadlineExceeded), CategoryTransient},
		{"outermost wins", Wrap(Wrap(New("x"), CategoryTransient, "inner"), CategoryValidation, "outer"), CategoryValidation},
		{"wrapped by fmt", fmt.Errorf("ctx: %w", Newf(CategoryNotFound, "relance %d", 7)), CategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestError_WithContext(t *testing.T) {
	err := Newf(CategoryRuleEvaluation, "rule failed").
		WithContext("rule", "contract-overdue").
		WithContext("entity_id", "123")

	assert.Equal(t, "contract-overdue", err.Context["rule"])
	assert.Equal(t, "123", err.Context["entity_id"])
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *recordingReporter) Report(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func TestReport(t *testing.T) {
	rec := &recordingReporter{}
	SetReporter(rec)
	t.Cleanup(func() { SetReporter(nil) })

	Report(nil, nil)
	Report(Newf(CategoryInvariant, "two pending relances"), map[string]string{"dedup_key": "concert|1|x"})

	require.Len(t, rec.errs, 1)
	assert.Equal(t, "invariant", rec.tags[0]["category"])
	assert.Equal(t, "concert|1|x", rec.tags[0]["dedup_key"])
}

func TestReport_NoReporter(t *testing.T) {
	SetReporter(nil)
	assert.NotPanics(t, func() { Report(New("boom"), nil) })
}
