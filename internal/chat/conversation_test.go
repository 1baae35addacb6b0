package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/wire"
)

func TestConversationKeepsHistory(t *testing.T) {
	srv := startScripted(t,
		[]string{`{"output":"one","done":true}`},
		[]string{`{"output":"two","done":true}`},
	)
	o := New(socketTransport(t, srv.path), Options{Logger: logger.Discard()})
	conv := NewConversation()
	ctx := testContext(t)

	_, err := conv.Ask(ctx, o, " first ", false, nil)
	require.NoError(t, err)
	<-srv.requests

	resp, err := conv.Ask(ctx, o, "second", false, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", resp.Text)

	req := <-srv.requests
	assert.Equal(t, []wire.Turn{
		{Role: wire.RoleUser, Content: "first"},
		{Role: wire.RoleAssistant, Content: "one"},
		{Role: wire.RoleUser, Content: "second"},
	}, req.Messages)
	assert.Equal(t, 4, conv.Len())

	conv.Reset()
	assert.Empty(t, conv.Turns())
}

func TestConversationUnchangedOnError(t *testing.T) {
	srv := startScripted(t, []string{`{"error":"boom"}`})
	o := New(socketTransport(t, srv.path), Options{Logger: logger.Discard()})
	conv := NewConversation()

	_, err := conv.Ask(testContext(t), o, "hi", false, nil)
	require.Error(t, err)
	assert.Equal(t, 0, conv.Len())
}
