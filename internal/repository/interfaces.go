// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/onboardhub/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するidentities、sessions、calendar_eventsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでidentityを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider, providerUserID string) (*model.Identity, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// EventRepository はカレンダーイベントの永続化インターフェース。
// すべての操作は所有ユーザーで絞り込まれる。
type EventRepository interface {
	// ListByUserID はユーザーの全イベントをstart_time昇順で返す。
	ListByUserID(ctx context.Context, userID string) ([]*model.Event, error)

	// ListByUserIDInRange は期間と重なるイベント（start_time <= end かつ end_time >= start）を返す。
	// 繰り返しルールは考慮しない。
	ListByUserIDInRange(ctx context.Context, userID string, start, end time.Time) ([]*model.Event, error)

	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID, id string) (*model.Event, error)

	// Create はイベントを作成する。
	Create(ctx context.Context, event *model.Event) error

	// Update はイベントを上書き更新する。対象が存在しない場合はfalseを返す。
	Update(ctx context.Context, event *model.Event) (bool, error)

	// ImportByICalUID はical_uidが一致するイベントを更新し、なければ作成する。
	// 全件を1トランザクションで処理し、作成件数と更新件数を返す。
	ImportByICalUID(ctx context.Context, events []*model.Event) (created, updated int, err error)

	// Delete は指定IDのイベントを削除する。対象が存在しない場合はfalseを返す。
	Delete(ctx context.Context, userID, id string) (bool, error)

	// DeleteByUserID はユーザーの全イベントを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}
