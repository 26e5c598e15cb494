package handler

import (
	"github.com/hitoshi/onboardhub/internal/auth"
	"github.com/hitoshi/onboardhub/internal/calendar"
	"github.com/hitoshi/onboardhub/internal/user"
)

// ドメインサービスはアダプタを介さずハンドラーのインターフェースを満たす。

// --- compile-time interface checks ---

var _ AuthServiceInterface = (*auth.Service)(nil)
var _ CalendarServiceInterface = (*calendar.Service)(nil)
var _ UserServiceInterface = (*user.Service)(nil)
