// Package upstream は外部サービス（決済プロバイダ、チャット基盤）呼び出しの
// 失敗分類とバックオフ付きリトライを提供する。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hitoshi/gatekeeper/internal/model"
)

// Class はHTTPステータスコードに基づく呼び出し結果の分類。
type Class int

const (
	// ClassOK は成功（2xx）。
	ClassOK Class = iota
	// ClassRetryable は時間をおけば成功し得る失敗（408/429/5xx）。
	ClassRetryable
	// ClassPermanent はリトライしても成功しない失敗（その他の4xx）。
	ClassPermanent
)

// ClassifyHTTPStatus はHTTPステータスコードを呼び出し結果に分類する。
func ClassifyHTTPStatus(statusCode int) Class {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ClassOK
	case statusCode == 408 || statusCode == 429:
		return ClassRetryable
	case statusCode >= 500:
		return ClassRetryable
	default:
		return ClassPermanent
	}
}

// StatusError は外部サービスが成功以外のHTTPステータスを返したことを表す。
// errors.Is(err, model.ErrUpstreamUnavailable) はtrueになる。
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.StatusCode, e.Body)
}

// Unwrap はエラー分類としてErrUpstreamUnavailableを返す。
func (e *StatusError) Unwrap() error {
	return model.ErrUpstreamUnavailable
}

// Retryable はステータスコードがリトライ対象かを返す。
func (e *StatusError) Retryable() bool {
	return ClassifyHTTPStatus(e.StatusCode) == ClassRetryable
}

// IsRetryable はエラーが時間をおいた再試行で解消し得るかを判定する。
// タイムアウトと通信エラーはリトライ対象。呼び出し元のキャンセル、
// 署名不一致、入力不正、リトライ対象外のステータスはリトライしない。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, model.ErrMalformedInput) || errors.Is(err, model.ErrAuthenticationFailure) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return errors.Is(err, model.ErrUpstreamUnavailable) ||
		errors.Is(err, model.ErrStoreUnavailable) ||
		errors.Is(err, model.ErrAccessControlFailure)
}

// Policy はバックオフ付きリトライの設定。
type Policy struct {
	// MaxAttempts は初回を含む最大試行回数。
	MaxAttempts uint
	// InitialInterval は初回リトライまでの待機時間。
	InitialInterval time.Duration
	// MaxInterval は待機時間の上限。
	MaxInterval time.Duration
}

// DefaultPolicy はユーザー操作起点の呼び出しに使うリトライ設定。
// 応答待ちのユーザーがいるため、数秒以内に打ち切る。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Do はopを実行し、リトライ対象のエラーであればPolicyに従って再試行する。
// リトライ対象外のエラーは即座に返す。試行回数を使い切った場合は最後のエラーを返す。
func Do[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(p.newBackOff()), backoff.WithMaxTries(maxAttempts))
}

// Retry は値を返さない操作向けのDo。
func Retry(ctx context.Context, p Policy, op func() error) error {
	_, err := Do(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
