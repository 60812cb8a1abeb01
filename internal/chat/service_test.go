package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvfolio/internal/config"
	"cvfolio/internal/cv"
	"cvfolio/internal/database"
	"cvfolio/internal/llm"
	"cvfolio/internal/testutil"
)

type fakeLLM struct {
	prompts [][]llm.Message
	reply   string
	err     error
	onCall  func()
}

func (f *fakeLLM) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.prompts = append(f.prompts, messages)
	if f.onCall != nil {
		f.onCall()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newService(t *testing.T, cfg config.LLMConfig) (*Service, *fakeLLM, database.User) {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	fake := &fakeLLM{reply: "Sure."}
	svc := NewService(db, rdb, fake, cfg, nil)
	svc.now = func() time.Time { return time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC) }
	user := testutil.CreateUser(t, db, "chat@example.com")
	return svc, fake, user
}

func TestSendBuildsPromptAndStores(t *testing.T) {
	svc, fake, user := newService(t, config.LLMConfig{
		SystemPrompt:       "be helpful",
		MaxHistoryMessages: 10,
		MaxHistoryChars:    1000,
		MessagesPerHour:    5,
	})
	ctx := context.Background()

	content := cv.DefaultContent()
	content.Personal.FullName = "Ada"
	raw, err := content.JSON()
	require.NoError(t, err)
	require.NoError(t, svc.db.Create(&database.CV{UserID: user.ID, Title: "Main", Content: raw}).Error)

	reply, err := svc.Send(ctx, user.ID, "  How do I improve my CV?  ")
	require.NoError(t, err)
	assert.Equal(t, "Sure.", reply.AssistantMessage.Content)
	assert.Equal(t, "How do I improve my CV?", reply.UserMessage.Content)
	assert.Equal(t, 4, reply.Remaining)

	_, err = svc.Send(ctx, user.ID, "second question")
	require.NoError(t, err)

	require.Len(t, fake.prompts, 2)
	second := fake.prompts[1]
	assert.Equal(t, llm.RoleSystem, second[0].Role)
	assert.Equal(t, "be helpful", second[0].Content)
	assert.Contains(t, second[1].Content, "Name: Ada")
	assert.Equal(t, "How do I improve my CV?", second[2].Content)
	assert.Equal(t, "Sure.", second[3].Content)
	assert.Equal(t, "second question", second[len(second)-1].Content)

	history, err := svc.History(ctx, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "Sure.", history[3].Content)
}

func TestSendRateLimit(t *testing.T) {
	svc, _, user := newService(t, config.LLMConfig{MessagesPerHour: 1})
	ctx := context.Background()

	_, err := svc.Send(ctx, user.ID, "one")
	require.NoError(t, err)
	_, err = svc.Send(ctx, user.ID, "two")
	assert.ErrorIs(t, err, ErrRateLimited)

	// 下一个小时重新计数。
	svc.now = func() time.Time { return time.Date(2026, 10, 14, 10, 1, 0, 0, time.UTC) }
	_, err = svc.Send(ctx, user.ID, "three")
	assert.NoError(t, err)
}

func TestSendRefundsQuotaOnLLMError(t *testing.T) {
	svc, fake, user := newService(t, config.LLMConfig{MessagesPerHour: 1})
	ctx := context.Background()

	fake.err = errors.New("upstream down")
	_, err := svc.Send(ctx, user.ID, "hello")
	require.Error(t, err)

	fake.err = nil
	_, err = svc.Send(ctx, user.ID, "hello again")
	assert.NoError(t, err)

	var count int64
	require.NoError(t, svc.db.Model(&database.ChatMessage{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestSendRefundAcrossHourBoundary(t *testing.T) {
	svc, fake, user := newService(t, config.LLMConfig{MessagesPerHour: 3})
	ctx := context.Background()

	start := time.Date(2026, 10, 14, 9, 59, 59, 0, time.UTC)
	svc.now = func() time.Time { return start }
	fake.err = errors.New("upstream timeout")
	fake.onCall = func() {
		svc.now = func() time.Time { return start.Add(2 * time.Second) }
	}

	_, err := svc.Send(ctx, user.ID, "slow question")
	require.Error(t, err)

	used, err := svc.redis.Get(ctx, fmt.Sprintf("rate:chat:%d:2026101409", user.ID)).Int()
	require.NoError(t, err)
	assert.Zero(t, used, "refund goes back to the hour that was charged")

	exists, err := svc.redis.Exists(ctx, fmt.Sprintf("rate:chat:%d:2026101410", user.ID)).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "next hour's counter is untouched")
}

func TestSendValidation(t *testing.T) {
	svc, _, user := newService(t, config.LLMConfig{})
	ctx := context.Background()

	_, err := svc.Send(ctx, user.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = svc.Send(ctx, user.ID, strings.Repeat("x", MaxMessageChars+1))
	assert.ErrorIs(t, err, ErrMessageTooLong)
}

func TestSendPrunesRetainedMessages(t *testing.T) {
	svc, _, user := newService(t, config.LLMConfig{RetainedMessages: 3})
	ctx := context.Background()

	for _, q := range []string{"a", "b", "c"} {
		_, err := svc.Send(ctx, user.ID, q)
		require.NoError(t, err)
	}

	history, err := svc.History(ctx, user.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "Sure.", history[0].Content)
	assert.Equal(t, "c", history[1].Content)

	require.NoError(t, svc.Clear(ctx, user.ID))
	history, err = svc.History(ctx, user.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSendHistoryBudgetExcludesLongMessage(t *testing.T) {
	svc, fake, user := newService(t, config.LLMConfig{MaxHistoryChars: 10})
	ctx := context.Background()

	_, err := svc.Send(ctx, user.ID, "hi")
	require.NoError(t, err)
	_, err = svc.Send(ctx, user.ID, "this message is long")
	require.NoError(t, err)

	last := fake.prompts[1]
	assert.Len(t, last, 2)
}
