package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrUnauthenticated пользователь не аутентифицирован
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrStoreUnavailable основное хранилище недоступно
	ErrStoreUnavailable = errors.New("entitlement store unavailable")

	// ErrExternalServiceUnavailable внешний сервис недоступен
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrWebhookValidationFailed не удалось проверить подпись вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrUntrustedSource запрос пришел с недоверенного адреса
	ErrUntrustedSource = errors.New("untrusted source")

	// ErrRateLimited превышен лимит запросов
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrUnknownCustomer Stripe customer не связан ни с одним пользователем
	ErrUnknownCustomer = errors.New("unknown billing customer")

	// ErrPlanNotPurchasable для плана нет настроенной цены
	ErrPlanNotPurchasable = errors.New("plan is not purchasable")
)

// ReconcileError - ошибка синхронизации подписки пользователя со Stripe.
type ReconcileError struct {
	UserID      string
	Op          string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s for user %s: %v", e.Op, e.UserID, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *ReconcileError) Unwrap() error {
	return e.OriginalErr
}

// NewReconcileError создает новую ошибку синхронизации
func NewReconcileError(userID, op string, err error) *ReconcileError {
	return &ReconcileError{UserID: userID, Op: op, OriginalErr: err}
}

// ExternalServiceError представляет ошибку внешнего сервиса
type ExternalServiceError struct {
	Service     string
	Code        string
	Message     string
	StatusCode  int
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s service error [%s]: %s: %v", e.Service, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s service error [%s]: %s", e.Service, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет сравнивать с ErrExternalServiceUnavailable
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalServiceUnavailable
}

// NewExternalServiceError создает новую ошибку внешнего сервиса
func NewExternalServiceError(service, code, message string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}

// StoreError оборачивает ошибку хранилища, чтобы ее можно было узнать по
// ErrStoreUnavailable.
type StoreError struct {
	Op          string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.OriginalErr)
}

// Unwrap возвращает оригинальную ошибку
func (e *StoreError) Unwrap() error {
	return e.OriginalErr
}

// Is позволяет сравнивать с ErrStoreUnavailable
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// NewStoreError создает ошибку хранилища
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, OriginalErr: err}
}
