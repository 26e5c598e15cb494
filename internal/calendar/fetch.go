package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/onboardhub/internal/model"
	"github.com/hitoshi/onboardhub/internal/security"
)

const (
	fetchUserAgent = "OnboardHub/1.0"
	// maxFetchAttempts は一時的な失敗を含めたURL取得の最大試行回数。
	maxFetchAttempts  = 3
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 4 * time.Second
)

// fetchOutcome はHTTPステータスコードに基づく取得結果の分類。
type fetchOutcome int

const (
	// fetchOK は取得成功（200）。
	fetchOK fetchOutcome = iota
	// fetchStop は再試行しても結果が変わらないステータス（404/410/401/403など）。
	fetchStop
	// fetchRetry は時間をおけば成功しうるステータス（429/5xx）。
	fetchRetry
)

// classifyStatus はHTTPステータスコードを取得結果に分類する。
func classifyStatus(statusCode int) fetchOutcome {
	switch {
	case statusCode == http.StatusOK:
		return fetchOK
	case statusCode == http.StatusTooManyRequests:
		return fetchRetry
	case statusCode >= 500:
		return fetchRetry
	default:
		return fetchStop
	}
}

// retryBackoff はattempt回目（0始まり）の失敗後の待ち時間を返す。
// base から2倍ずつ増加し、maxRetryDelayで頭打ちになる。
func retryBackoff(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// fetch はSSRF防止クライアントでURLを取得し、本文を返す。
// 429/5xxは指数バックオフで再試行する。全体はImportTimeoutで打ち切る。
func (s *Service) fetch(ctx context.Context, target string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ImportTimeout)
	defer cancel()

	client := s.ssrfGuard.NewSafeClient(s.opts.ImportTimeout, s.opts.ImportMaxSize)

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", model.NewFetchFailedError(fmt.Sprintf("タイムアウトしました: %v", lastErr))
			case <-time.After(retryBackoff(s.retryDelay, attempt-1)):
			}
		}

		body, retry, err := s.fetchOnce(ctx, client, target)
		if err == nil {
			return body, nil
		}
		if !retry {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

// fetchOnce は1回分のHTTP取得を行う。retryは再試行に意味があるかを示す。
func (s *Service) fetchOnce(ctx context.Context, client *http.Client, target string) (body string, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", false, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.1")

	resp, err := client.Do(req)
	if err != nil {
		return "", false, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	switch classifyStatus(resp.StatusCode) {
	case fetchRetry:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", true, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	case fetchStop:
		return "", false, model.NewFetchFailedError(fmt.Sprintf("HTTPステータス %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, security.ErrResponseTooLarge) {
			return "", false, model.NewFetchFailedError("レスポンスサイズが上限を超えています")
		}
		return "", false, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}
	return string(data), false, nil
}
