package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"cvfolio/internal/config"
	"cvfolio/internal/cv"
	"cvfolio/internal/database"
	"cvfolio/internal/llm"
)

// MaxMessageChars 是单条用户消息的上限。
const MaxMessageChars = 4000

var (
	ErrEmptyMessage   = errors.New("chat: message is empty")
	ErrMessageTooLong = errors.New("chat: message too long")
	ErrRateLimited    = errors.New("chat: hourly message limit reached")
)

// Service 编排一次对话轮次。
type Service struct {
	db     *gorm.DB
	redis  redis.UniversalClient
	client llm.Client
	cfg    config.LLMConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, redisClient redis.UniversalClient, client llm.Client, cfg config.LLMConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, redis: redisClient, client: client, cfg: cfg, logger: logger, now: time.Now}
}

// Reply 是一轮对话的结果。
type Reply struct {
	UserMessage      database.ChatMessage `json:"user_message"`
	AssistantMessage database.ChatMessage `json:"assistant_message"`
	Remaining        int                  `json:"remaining"`
}

// Send 发送一条用户消息并返回模型回复。两条消息都会持久化。
func (s *Service) Send(ctx context.Context, userID uint, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageChars {
		return nil, ErrMessageTooLong
	}

	quotaKey := s.rateKey(userID)
	remaining, err := s.consumeQuota(ctx, quotaKey)
	if err != nil {
		return nil, err
	}

	history, err := s.recentHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	textLen := utf8.RuneCountInString(text)
	var trimmed []llm.Message
	switch maxChars := s.cfg.MaxHistoryChars; {
	case maxChars <= 0:
		trimmed = TrimHistory(history, s.cfg.MaxHistoryMessages, 0)
	case maxChars > textLen:
		trimmed = TrimHistory(history, s.cfg.MaxHistoryMessages, maxChars-textLen)
	}

	prompt := make([]llm.Message, 0, len(trimmed)+3)
	prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: s.cfg.SystemPrompt})
	if cvContext := s.cvContext(ctx, userID); cvContext != "" {
		prompt = append(prompt, llm.Message{Role: llm.RoleSystem, Content: cvContext})
	}
	prompt = append(prompt, trimmed...)
	prompt = append(prompt, llm.Message{Role: llm.RoleUser, Content: text})

	answer, err := s.client.Complete(ctx, prompt)
	if err != nil {
		s.refundQuota(ctx, quotaKey)
		return nil, fmt.Errorf("complete chat: %w", err)
	}

	now := s.now()
	userMsg := database.ChatMessage{UserID: userID, Role: llm.RoleUser, Content: text, CreatedAt: now}
	assistantMsg := database.ChatMessage{UserID: userID, Role: llm.RoleAssistant, Content: answer, CreatedAt: now}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&userMsg).Error; err != nil {
			return err
		}
		return tx.Create(&assistantMsg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store chat messages: %w", err)
	}

	if err := s.prune(ctx, userID); err != nil {
		s.logger.Warn("prune chat history failed", slog.Uint64("user_id", uint64(userID)), slog.Any("error", err))
	}
	return &Reply{UserMessage: userMsg, AssistantMessage: assistantMsg, Remaining: remaining}, nil
}

// History 返回按时间正序的最近 limit 条消息。
func (s *Service) History(ctx context.Context, userID uint, limit int) ([]database.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []database.ChatMessage
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query chat history: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// Clear 删除用户全部聊天记录。
func (s *Service) Clear(ctx context.Context, userID uint) error {
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&database.ChatMessage{}).Error; err != nil {
		return fmt.Errorf("clear chat history: %w", err)
	}
	return nil
}

func (s *Service) rateKey(userID uint) string {
	return fmt.Sprintf("rate:chat:%d:%s", userID, s.now().UTC().Format("2006010215"))
}

// consumeQuota 按小时计数，返回本小时剩余次数。
func (s *Service) consumeQuota(ctx context.Context, key string) (int, error) {
	limit := s.cfg.MessagesPerHour
	if limit <= 0 {
		return -1, nil
	}
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr chat quota: %w", err)
	}
	used := int(incr.Val())
	if used > limit {
		return 0, ErrRateLimited
	}
	return limit - used, nil
}

// refundQuota 在模型调用失败时退回本次计数，key 必须与 consumeQuota 使用的相同。
func (s *Service) refundQuota(ctx context.Context, key string) {
	if s.cfg.MessagesPerHour <= 0 {
		return
	}
	if err := s.redis.Decr(ctx, key).Err(); err != nil {
		s.logger.Warn("refund chat quota failed", slog.Any("error", err))
	}
}

func (s *Service) recentHistory(ctx context.Context, userID uint) ([]llm.Message, error) {
	limit := s.cfg.MaxHistoryMessages
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.History(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]llm.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, llm.Message{Role: r.Role, Content: r.Content})
	}
	return out, nil
}

// cvContext 把用户当前简历概括为一段系统提示，查询失败时返回空。
func (s *Service) cvContext(ctx context.Context, userID uint) string {
	var user database.User
	if err := s.db.WithContext(ctx).Select("id", "active_cv_id").First(&user, userID).Error; err != nil {
		return ""
	}

	var model database.CV
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if user.ActiveCVID != nil {
		q = q.Where("id = ?", *user.ActiveCVID)
	} else {
		q = q.Order("updated_at DESC")
	}
	if err := q.First(&model).Error; err != nil {
		return ""
	}
	content, err := cv.ParseContent(model.Content)
	if err != nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("The user's current CV:\n")
	if p := content.Personal; p.FullName != "" || p.Headline != "" {
		fmt.Fprintf(&b, "Name: %s\nHeadline: %s\n", p.FullName, p.Headline)
	}
	if content.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", content.Summary)
	}
	if len(content.Skills) > 0 {
		names := make([]string, 0, len(content.Skills))
		for _, sk := range content.Skills {
			names = append(names, sk.Name)
		}
		fmt.Fprintf(&b, "Skills: %s\n", strings.Join(names, ", "))
	}
	return strings.TrimSpace(b.String())
}

// prune 只保留最近 RetainedMessages 条记录。
func (s *Service) prune(ctx context.Context, userID uint) error {
	keep := s.cfg.RetainedMessages
	if keep <= 0 {
		return nil
	}
	var cutoff []uint
	if err := s.db.WithContext(ctx).Model(&database.ChatMessage{}).
		Where("user_id = ?", userID).
		Order("id DESC").
		Offset(keep-1).
		Limit(1).
		Pluck("id", &cutoff).Error; err != nil {
		return err
	}
	if len(cutoff) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Where("user_id = ? AND id < ?", userID, cutoff[0]).
		Delete(&database.ChatMessage{}).Error
}
