package progress

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargets(t *testing.T) {
	tok := Token("he")
	assert.True(t, tok.ToStream())
	assert.False(t, tok.ToStatus())

	st := Status("%d tokens", 3)
	assert.False(t, st.ToStream())
	assert.True(t, st.ToStatus())
	assert.Equal(t, "3 tokens", st.Message)

	both := Update{Target: TargetBoth}
	assert.True(t, both.ToStream())
	assert.True(t, both.ToStatus())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "done\n", Normalize(Update{Message: "done", AddNewLine: true}).Message)
	assert.Equal(t, "done\n", Normalize(Update{Message: "done\n", AddNewLine: true}).Message)
	assert.Equal(t, "", Normalize(Update{AddNewLine: true}).Message)
	assert.Equal(t, "he", Normalize(Token("he")).Message)
}

func TestDispatch(t *testing.T) {
	assert.NoError(t, Dispatch(nil, Token("x")))

	var got []Update
	err := Dispatch(func(u Update) error {
		got = append(got, u)
		return nil
	}, Status("ready"))
	assert.NoError(t, err)
	assert.Equal(t, []Update{{Message: "ready\n", AddNewLine: true, Target: TargetStatus}}, got)

	boom := errors.New("boom")
	assert.ErrorIs(t, Dispatch(func(Update) error { return boom }, Token("x")), boom)
}
