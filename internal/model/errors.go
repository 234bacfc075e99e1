package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string         // エラーコード
	Message  string         // エラーメッセージ
	Category string         // カテゴリ: auth, validation, quota, system
	Action   string         // ユーザー向け対処方法
	Details  map[string]any // 構造化された補足情報（任意）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidEmail     = "INVALID_EMAIL"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeCodeInvalid      = "CODE_INVALID"
	ErrCodeCodeExpired      = "CODE_EXPIRED"
	ErrCodeCodeAlreadyUsed  = "CODE_ALREADY_USED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeIdentityNotFound = "IDENTITY_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnauthorizedError は認証失敗エラーを生成する。
// 期限切れ・署名不一致・失効などの内部原因は区別せず、同一のエラーとして返す。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証に失敗しました。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInvalidEmailError はメールアドレス形式エラーを生成する。
func NewInvalidEmailError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidEmail,
		Message:  "メールアドレスの形式が正しくありません。",
		Category: "validation",
		Action:   "正しいメールアドレスを入力してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewCodeInvalidError は確認コード不一致エラーを生成する。
func NewCodeInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeCodeInvalid,
		Message:  "確認コードが正しくありません。",
		Category: "validation",
		Action:   "メールに記載された最新の確認コードを入力してください。",
	}
}

// NewCodeExpiredError は確認コード期限切れエラーを生成する。
func NewCodeExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeCodeExpired,
		Message:  "確認コードの有効期限が切れています。",
		Category: "validation",
		Action:   "確認コードを再送信してください。",
	}
}

// NewCodeAlreadyUsedError は使用済み確認コードエラーを生成する。
func NewCodeAlreadyUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeCodeAlreadyUsed,
		Message:  "この確認コードは既に使用されています。",
		Category: "validation",
		Action:   "確認コードを再送信してください。",
	}
}

// NewRateLimitedError はレート制限エラーを生成する。
// retryAfterSecondsはDetailsに格納され、レスポンスのRetry-Afterヘッダーにも使われる。
func NewRateLimitedError(retryAfterSeconds int) *APIError {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエスト回数の上限に達しました。",
		Category: "quota",
		Action:   "しばらく待ってから再度お試しください。",
		Details:  map[string]any{"retryAfterSeconds": retryAfterSeconds},
	}
}

// RetryAfterSeconds はレート制限エラーの再試行までの秒数を返す。
// レート制限エラーでない場合は0を返す。
func (e *APIError) RetryAfterSeconds() int {
	if e == nil || e.Details == nil {
		return 0
	}
	v, _ := e.Details["retryAfterSeconds"].(int)
	return v
}

// NewIdentityNotFoundError はアカウントが見つからない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
