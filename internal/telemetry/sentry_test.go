package telemetry

import (
	"sync"
	"testing"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/errors"
)

func newCapturingHub(t *testing.T) (*sentry.Hub, func() []*sentry.Event) {
	t.Helper()
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn: "https://public@sentry.example.com/1",
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())
	return hub, func() []*sentry.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]*sentry.Event(nil), events...)
	}
}

func TestSentryReporter_ReportAddsTags(t *testing.T) {
	hub, captured := newCapturingHub(t)
	r := NewSentryReporter(hub)

	r.Report(errors.Newf(errors.CategoryRuleEvaluation, "no such key: contratSigne"), map[string]string{
		"rule":     "contract-overdue",
		"category": string(errors.CategoryRuleEvaluation),
	})

	events := captured()
	require.Len(t, events, 1)
	assert.Equal(t, "contract-overdue", events[0].Tags["rule"])
	assert.Equal(t, "rule-evaluation", events[0].Tags["category"])
	require.NotEmpty(t, events[0].Exception)
	assert.Equal(t, "no such key: contratSigne", events[0].Exception[len(events[0].Exception)-1].Value)
}

func TestSentryReporter_IgnoresNil(t *testing.T) {
	hub, captured := newCapturingHub(t)
	NewSentryReporter(hub).Report(nil, nil)
	assert.Empty(t, captured())
}

func TestInitSentry_DisabledWithoutDSN(t *testing.T) {
	r, err := InitSentry(conf.Sentry{}, "test")
	require.NoError(t, err)
	assert.Nil(t, r)
}
