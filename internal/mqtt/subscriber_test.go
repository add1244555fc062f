package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tourcraft/relances/internal/conf"
	"github.com/tourcraft/relances/internal/errors"
	"github.com/tourcraft/relances/internal/logger"
	"github.com/tourcraft/relances/internal/relance"
)

type call struct {
	op, entityType, entityID, origin string
	data                             map[string]any
}

type fakeWriter struct {
	calls []call
}

func (w *fakeWriter) Apply(_ context.Context, entityType, entityID string, data map[string]any, origin string) error {
	w.calls = append(w.calls, call{op: "apply", entityType: entityType, entityID: entityID, origin: origin, data: data})
	return nil
}

func (w *fakeWriter) Delete(_ context.Context, entityType, entityID, origin string) error {
	w.calls = append(w.calls, call{op: "delete", entityType: entityType, entityID: entityID, origin: origin})
	return nil
}

func newTestSubscriber(t *testing.T) (*Subscriber, *fakeWriter) {
	t.Helper()
	w := &fakeWriter{}
	s, err := NewSubscriber(conf.MQTT{Broker: "tcp://localhost:1883", TopicPrefix: "tour/entities/"}, w, logger.NewNopLogger())
	require.NoError(t, err)
	return s, w
}

func TestNewSubscriber_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewSubscriber(conf.MQTT{}, &fakeWriter{}, logger.NewNopLogger())
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))

	_, err = NewSubscriber(conf.MQTT{Broker: "tcp://b:1883", QoS: 3}, &fakeWriter{}, logger.NewNopLogger())
	require.Error(t, err)

	s, err := NewSubscriber(conf.MQTT{Broker: "tcp://b:1883"}, &fakeWriter{}, logger.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "relances/entities/+/+", s.Topic())
	assert.False(t, s.IsConnected())
	s.Disconnect()
}

func TestParseTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		topic    string
		wantType string
		wantID   string
		wantErr  bool
	}{
		{"entity", "tour/entities/concert/123", "concert", "123", false},
		{"other prefix", "other/concert/123", "", "", true},
		{"missing id", "tour/entities/concert", "", "", true},
		{"empty id", "tour/entities/concert/", "", "", true},
		{"too deep", "tour/entities/concert/123/extra", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gotType, gotID, err := ParseTopic("tour/entities", tt.topic)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantID, gotID)
		})
	}
	assert.Equal(t, "tour/entities/concert/123", EntityTopic("tour/entities/", "concert", "123"))
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()

	s, w := newTestSubscriber(t)
	ctx := t.Context()

	require.NoError(t, s.HandleMessage(ctx, "tour/entities/concert/123", []byte(`{"data":{"contratSigne":false}}`)))
	require.NoError(t, s.HandleMessage(ctx, "tour/entities/concert/123", []byte(`{"data":{"contratSigne":true},"origin":"engine"}`)))
	require.NoError(t, s.HandleMessage(ctx, "tour/entities/concert/124", []byte(`{"deleted":true}`)))
	require.NoError(t, s.HandleMessage(ctx, "tour/entities/concert/125", nil))

	require.Len(t, w.calls, 4)
	assert.Equal(t, call{op: "apply", entityType: "concert", entityID: "123", origin: relance.OriginApplication,
		data: map[string]any{"contratSigne": false}}, w.calls[0])
	assert.Equal(t, relance.OriginApplication, w.calls[1].origin, "reserved origins are not trusted from the broker")
	assert.Equal(t, call{op: "delete", entityType: "concert", entityID: "124", origin: relance.OriginApplication}, w.calls[2])
	assert.Equal(t, "delete", w.calls[3].op)
}

func TestHandleMessage_ReservedOrigins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"engine", relance.OriginEngine, relance.OriginApplication},
		{"sweep", relance.OriginSweep, relance.OriginApplication},
		{"application", relance.OriginApplication, relance.OriginApplication},
		{"custom service", "billing", "billing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, w := newTestSubscriber(t)
			payload := []byte(`{"data":{"contratSigne":true},"origin":"` + tt.origin + `"}`)
			require.NoError(t, s.HandleMessage(t.Context(), "tour/entities/concert/123", payload))
			require.NoError(t, s.HandleMessage(t.Context(), "tour/entities/concert/123", []byte(`{"deleted":true,"origin":"`+tt.origin+`"}`)))

			require.Len(t, w.calls, 2)
			assert.Equal(t, tt.want, w.calls[0].origin)
			assert.Equal(t, tt.want, w.calls[1].origin)
		})
	}
}

func TestHandleMessage_Rejects(t *testing.T) {
	t.Parallel()

	s, w := newTestSubscriber(t)
	ctx := t.Context()

	err := s.HandleMessage(ctx, "tour/entities/concert/123", []byte(`not json`))
	require.Error(t, err)
	assert.Equal(t, errors.CategoryValidation, errors.CategoryOf(err))

	err = s.HandleMessage(ctx, "tour/entities/concert/123", []byte(`{"origin":"application"}`))
	require.Error(t, err)

	err = s.HandleMessage(ctx, "elsewhere/concert/123", []byte(`{"data":{}}`))
	require.Error(t, err)

	assert.Empty(t, w.calls)
}
