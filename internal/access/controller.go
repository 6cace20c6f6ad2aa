// Package access は管理対象グループへの招待リンク発行とメンバー除外を提供する。
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hitoshi/gatekeeper/internal/model"
)

// Requester はTelegram Bot APIへのリクエスト送信インターフェース。
// *tgbotapi.BotAPI が満たす。
type Requester interface {
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Invitation は1回限り・期限付きのグループ招待リンク。
type Invitation struct {
	Link      string
	ExpiresAt time.Time
}

// Controller はグループへのアクセス付与と剥奪を行う。
// タイムアウトはRequesterのHTTPクライアントに設定する。
type Controller struct {
	client  Requester
	groupID int64
	linkTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewController はControllerを生成する。
func NewController(client Requester, groupID int64, linkTTL time.Duration, logger *slog.Logger) *Controller {
	return &Controller{
		client:  client,
		groupID: groupID,
		linkTTL: linkTTL,
		logger:  logger,
		now:     time.Now,
	}
}

// Grant は除外済みであれば除外を解除し、利用上限1回・短期限の招待リンクを発行する。
// 失敗時はErrAccessControlFailureをラップしたエラーを返す。
func (c *Controller) Grant(ctx context.Context, userID int64) (*Invitation, error) {
	if err := c.unban(ctx, userID); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrAccessControlFailure, err)
	}

	expiresAt := c.now().Add(c.linkTTL).UTC().Truncate(time.Second)
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: c.groupID},
		Name:        "user_" + strconv.FormatInt(userID, 10),
		ExpireDate:  int(expiresAt.Unix()),
		MemberLimit: 1,
	}

	resp, err := c.client.Request(cfg)
	if err != nil {
		c.logger.Error("招待リンクの発行に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: create invite link: %w", model.ErrAccessControlFailure, err)
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil || link.InviteLink == "" {
		return nil, fmt.Errorf("%w: unexpected invite link response: %s", model.ErrAccessControlFailure, resp.Result)
	}

	c.logger.Info("招待リンクを発行しました",
		slog.Int64("user_id", userID),
		slog.Time("expires_at", expiresAt),
	)

	return &Invitation{Link: link.InviteLink, ExpiresAt: expiresAt}, nil
}

// Revoke はユーザーをグループから除外し、再参加できないようにする。
// 失敗時はErrAccessControlFailureをラップしたエラーを返し、
// 呼び出し元はメンバーシップを期限切れにしてはならない。
func (c *Controller) Revoke(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrAccessControlFailure, err)
	}

	cfg := tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: c.groupID,
			UserID: userID,
		},
	}
	if _, err := c.client.Request(cfg); err != nil {
		c.logger.Warn("グループからの除外に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: ban chat member: %w", model.ErrAccessControlFailure, err)
	}

	c.logger.Info("グループから除外しました", slog.Int64("user_id", userID))
	return nil
}

// Restore は除外を取り消す。スイープ中に再購入されたユーザーの救済に使う。
func (c *Controller) Restore(ctx context.Context, userID int64) error {
	return c.unban(ctx, userID)
}

func (c *Controller) unban(ctx context.Context, userID int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrAccessControlFailure, err)
	}

	cfg := tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{
			ChatID: c.groupID,
			UserID: userID,
		},
		OnlyIfBanned: true,
	}
	if _, err := c.client.Request(cfg); err != nil {
		c.logger.Warn("除外の解除に失敗しました",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: unban chat member: %w", model.ErrAccessControlFailure, err)
	}
	return nil
}
