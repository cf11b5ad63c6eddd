package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	ContextInitial     = "initial"
	ContextRenewal     = "renewal"
	ContextManualTopUp = "manual_topup"
	ContextAdmin       = "admin"
	ContextUpgrade     = "upgrade"
)

var (
	ErrMissingGroupID        = errors.New("metadata.groupId is required")
	ErrMissingSubscriptionID = errors.New("metadata.subscriptionId is required for this payment type")
	ErrMissingSubscriber     = errors.New("metadata subscriber identity is required")
	ErrUnknownPaymentType    = errors.New("unknown metadata.paymentType")
)

// PaymentContext is the closed set of reasons a payment can settle for. Each variant
// carries only the fields its handling needs.
type PaymentContext interface {
	Kind() string
}

type InitialContext struct {
	SubscriberHandle string
	AutoRenew        bool
}

type RenewalContext struct {
	SubscriptionID uuid.UUID
}

type ManualTopUpContext struct {
	SubscriptionID uuid.UUID
	Note           string
}

type AdminContext struct {
	SubscriberHandle string
	Operator         string
}

type UpgradeContext struct {
	SubscriptionID uuid.UUID
}

func (InitialContext) Kind() string     { return ContextInitial }
func (RenewalContext) Kind() string     { return ContextRenewal }
func (ManualTopUpContext) Kind() string { return ContextManualTopUp }
func (AdminContext) Kind() string       { return ContextAdmin }
func (UpgradeContext) Kind() string     { return ContextUpgrade }

// PaymentMetadata is the decoded form of the free-form metadata map the gateway echoes
// back on every event.
type PaymentMetadata struct {
	GroupID          string
	PaymentType      string
	SubscriptionID   string
	SubscriberHandle string
	FullName         string
	Phone            string
	Channel          string
	AutoRenew        bool
	Operator         string
	Note             string
}

func DecodePaymentMetadata(raw map[string]interface{}) PaymentMetadata {
	m := PaymentMetadata{
		GroupID:          stringValue(raw, "groupId"),
		PaymentType:      stringValue(raw, "paymentType"),
		SubscriptionID:   stringValue(raw, "subscriptionId"),
		SubscriberHandle: NormalizeHandle(stringValue(raw, "telegramUsername", "subscriberIdentity")),
		FullName:         stringValue(raw, "fullName"),
		Phone:            stringValue(raw, "phone"),
		Channel:          stringValue(raw, "channel"),
		Operator:         stringValue(raw, "operator"),
		Note:             stringValue(raw, "note"),
	}
	if v, ok := raw["autoRenew"]; ok {
		switch b := v.(type) {
		case bool:
			m.AutoRenew = b
		case string:
			m.AutoRenew, _ = strconv.ParseBool(b)
		}
	}
	if m.Channel == "" {
		m.Channel = "telegram"
	}
	return m
}

// ParsePaymentContext turns decoded metadata into its typed variant, checking the
// fields each variant requires. An empty payment type is treated as initial.
func ParsePaymentContext(m PaymentMetadata) (PaymentContext, error) {
	switch m.PaymentType {
	case "", ContextInitial:
		if m.SubscriberHandle == "" {
			return nil, ErrMissingSubscriber
		}
		return InitialContext{SubscriberHandle: m.SubscriberHandle, AutoRenew: m.AutoRenew}, nil
	case ContextRenewal:
		id, err := parseSubscriptionID(m.SubscriptionID)
		if err != nil {
			return nil, err
		}
		return RenewalContext{SubscriptionID: id}, nil
	case ContextManualTopUp:
		id, err := parseSubscriptionID(m.SubscriptionID)
		if err != nil {
			return nil, err
		}
		return ManualTopUpContext{SubscriptionID: id, Note: m.Note}, nil
	case ContextAdmin:
		if m.SubscriberHandle == "" {
			return nil, ErrMissingSubscriber
		}
		return AdminContext{SubscriberHandle: m.SubscriberHandle, Operator: m.Operator}, nil
	case ContextUpgrade:
		id, err := parseSubscriptionID(m.SubscriptionID)
		if err != nil {
			return nil, err
		}
		return UpgradeContext{SubscriptionID: id}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPaymentType, m.PaymentType)
	}
}

func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func parseSubscriptionID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, ErrMissingSubscriptionID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("metadata.subscriptionId %q: %w", raw, err)
	}
	return id, nil
}

func stringValue(raw map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return strings.TrimSpace(s)
			}
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(s)
		}
	}
	return ""
}
