package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Dhoini/entitlement-service/pkg/logger"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	// Ключ метаданных для связи Stripe Customer с вашим UserID
	metadataUserIDKey = "user_id"
)

// Subscription - поля подписки Stripe, которые нужны для сверки.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// CheckoutParams - параметры Checkout Session для подписки.
type CheckoutParams struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession - созданная сессия оплаты.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Client определяет методы для взаимодействия со Stripe API.
type Client interface {
	// RetrieveSubscription возвращает актуальное состояние подписки.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetOrCreateCustomer ищет клиента по userID, если не находит - создает нового.
	GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error)

	// CreateCheckoutSession создает Checkout Session в режиме subscription.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
}

// stripeClient реализует интерфейс Client.
type stripeClient struct {
	client *client.API
	log    *logger.Logger
}

// NewStripeClient создает новый экземпляр клиента Stripe. timeout
// ограничивает один HTTP запрос к API; 0 оставляет значение библиотеки.
func NewStripeClient(apiKey string, timeout time.Duration, log *logger.Logger) Client {
	sc := &client.API{}
	if timeout <= 0 {
		sc.Init(apiKey, nil)
		return &stripeClient{client: sc, log: log}
	}

	httpClient := &http.Client{Timeout: timeout}
	sc.Init(apiKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
	})
	return &stripeClient{client: sc, log: log}
}

func (sc *stripeClient) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	sub, err := sc.client.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		logStripeError(sc.log, "RetrieveSubscription", err)
		return nil, fmt.Errorf("stripe: failed to retrieve subscription: %w", err)
	}
	return fromStripeSubscription(sub), nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil && item.Price.ID != "" {
				out.PriceID = item.Price.ID
				break
			}
		}
	}
	return out
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// createCustomer создает нового клиента в Stripe.
func (sc *stripeClient) createCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{
			metadataUserIDKey: userID,
		},
	}
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.Context = ctx

	cus, err := sc.client.Customers.New(params)
	if err != nil {
		logStripeError(sc.log, "CreateCustomer", err)
		return "", fmt.Errorf("stripe: failed to create customer: %w", err)
	}

	sc.log.Infow("Stripe customer created", "stripeCustomerID", cus.ID, "userID", userID)
	return cus.ID, nil
}

// GetOrCreateCustomer ищет клиента по userID в метаданных через Search API.
func (sc *stripeClient) GetOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID),
			Limit:   stripe.Int64(1),
			Context: ctx,
		},
	}

	customers := sc.client.Customers.Search(searchParams)
	if customers.Next() {
		customer := customers.Customer()
		sc.log.Debugw("Found existing Stripe customer via Search", "stripeCustomerID", customer.ID, "userID", userID)
		return customer.ID, nil
	}

	if err := customers.Err(); err != nil {
		logStripeError(sc.log, "SearchCustomers", err)
		var stripeErr *stripe.Error
		if !errors.As(err, &stripeErr) || stripeErr.Type == stripe.ErrorTypeInvalidRequest {
			return "", fmt.Errorf("stripe: failed to search customer: %w", err)
		}
		sc.log.Warnw("Non-fatal error during customer search, proceeding to create", "error", err)
	}

	return sc.createCustomer(ctx, userID, email)
}

func (sc *stripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.UserID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserIDKey: p.UserID},
		},
	}
	params.Context = ctx

	s, err := sc.client.CheckoutSessions.New(params)
	if err != nil {
		logStripeError(sc.log, "CreateCheckoutSession", err)
		return nil, fmt.Errorf("stripe: failed to create checkout session: %w", err)
	}

	sc.log.Infow("Stripe checkout session created", "sessionID", s.ID, "userID", p.UserID)
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

// logStripeError - вспомогательная функция для логирования деталей ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"param", stripeErr.Param,
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
	} else {
		log.Errorw("Non-Stripe error during Stripe operation",
			"operation", operation,
			"error", err,
		)
	}
}
