package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Типы событий, которые обрабатывает сервис.
const (
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaymentSucceed = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
)

// ErrInvalidPayload - в событии нет обязательных полей.
var ErrInvalidPayload = errors.New("stripe: invalid event payload")

// ExpandableID принимает и строковый ID, и развернутый объект с полем id.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

// SubscriptionPayload - объект subscription из customer.subscription.* событий.
type SubscriptionPayload struct {
	ID                 string       `json:"id"`
	Customer           ExpandableID `json:"customer"`
	Status             string       `json:"status"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// DecodeSubscription разбирает и проверяет объект подписки.
func DecodeSubscription(raw []byte) (*SubscriptionPayload, error) {
	var p SubscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.ID == "" || p.Customer == "" {
		return nil, fmt.Errorf("%w: subscription id and customer are required", ErrInvalidPayload)
	}
	return &p, nil
}

// Subscription приводит payload к тому же виду, что и RetrieveSubscription.
func (p *SubscriptionPayload) Subscription() *Subscription {
	out := &Subscription{
		ID:                 p.ID,
		CustomerID:         string(p.Customer),
		Status:             p.Status,
		CurrentPeriodStart: unixTime(p.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(p.CurrentPeriodEnd),
	}
	for _, item := range p.Items.Data {
		if item.Price.ID != "" {
			out.PriceID = item.Price.ID
			break
		}
	}
	return out
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// InvoicePayload - объект invoice из invoice.payment_* событий.
type InvoicePayload struct {
	ID           string       `json:"id"`
	Customer     ExpandableID `json:"customer"`
	Subscription ExpandableID `json:"subscription"`
	AttemptCount int64        `json:"attempt_count"`
	PeriodStart  int64        `json:"period_start"`
	PeriodEnd    int64        `json:"period_end"`
	Lines        struct {
		Data []struct {
			Period period `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// DecodeInvoice разбирает и проверяет объект счета.
func DecodeInvoice(raw []byte) (*InvoicePayload, error) {
	var p InvoicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Customer == "" {
		return nil, fmt.Errorf("%w: invoice customer is required", ErrInvalidPayload)
	}
	return &p, nil
}

// Period возвращает расчетный период, который оплачивает счет. Период строки
// подписки точнее, чем period_start/period_end самого счета.
func (p *InvoicePayload) Period() (start, end *time.Time) {
	for _, line := range p.Lines.Data {
		if line.Period.Start > 0 {
			return unixTime(line.Period.Start), unixTime(line.Period.End)
		}
	}
	return unixTime(p.PeriodStart), unixTime(p.PeriodEnd)
}
