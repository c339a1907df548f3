package listeners

import (
	"context"
	"testing"

	"github.com/l3kv/l3kv/hooks"
	"github.com/stretchr/testify/require"
)

func TestDivergenceAlerterListener_IgnoresOtherEvents(t *testing.T) {
	l := NewDivergenceAlerterListener(nil, 10)
	err := l.OnEvent(context.Background(), hooks.NewPostStartEngineEvent())
	require.NoError(t, err)
}

func TestDivergenceAlerterListener_HandlesSyncRoundBelowThreshold(t *testing.T) {
	l := NewDivergenceAlerterListener(nil, 10)
	event := hooks.NewPostSyncRoundEvent(hooks.SyncRoundPayload{Peer: 2, DivergentKeys: 1})
	require.NoError(t, l.OnEvent(context.Background(), event))
}

func TestDivergenceAlerterListener_HandlesSyncRoundAboveThreshold(t *testing.T) {
	l := NewDivergenceAlerterListener(nil, 5)
	event := hooks.NewPostSyncRoundEvent(hooks.SyncRoundPayload{Peer: 2, DivergentKeys: 42})
	require.NoError(t, l.OnEvent(context.Background(), event))
	require.True(t, l.IsAsync())
}
