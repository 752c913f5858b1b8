package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Header is the part of the job envelope every payload carries.
//
// The envelope is flat: {"tenantId": ..., "type": ..., <type fields>}. Payloads wrapped in
// a nested "data" or "payload" object are rejected.
type Header struct {
	TenantID string  `json:"tenantId"`
	Type     JobType `json:"type"`
}

type AIResponsePayload struct {
	Header
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId"`
	MessageID      string `json:"messageId"`
	Text           string `json:"text"`
}

func (p AIResponsePayload) Validate() error {
	switch {
	case p.SenderID == "":
		return Validation("payload", "sender_missing")
	case p.MessageID == "":
		return Validation("payload", "message_id_missing")
	}
	return nil
}

type MessageDeliveryPayload struct {
	Header
	RecipientID string `json:"recipientId"`
	Text        string `json:"text"`
	ReplyTo     string `json:"replyTo,omitempty"`
	Platform    string `json:"platform,omitempty"`
}

func (p MessageDeliveryPayload) Validate() error {
	switch {
	case p.RecipientID == "":
		return Validation("payload", "recipient_missing")
	case strings.TrimSpace(p.Text) == "":
		return Validation("payload", "text_missing")
	}
	return nil
}

type TokenRefreshPayload struct {
	Header
	Platform string `json:"platform"`
}

func (p TokenRefreshPayload) Validate() error {
	if p.Platform == "" {
		return Validation("payload", "platform_missing")
	}
	return nil
}

// DecodeHeader reads the envelope header and rejects the legacy wrapped shapes.
func DecodeHeader(raw json.RawMessage, ids TenantIDs) (Header, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Header{}, Validation("payload", "payload_malformed")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Header{}, Validationf("payload", "payload_malformed", "decode envelope: %v", err)
	}
	if _, ok := probe["tenantId"]; !ok {
		if _, wrapped := probe["data"]; wrapped {
			return Header{}, Validation("payload", "legacy_envelope")
		}
		if _, wrapped := probe["payload"]; wrapped {
			return Header{}, Validation("payload", "legacy_envelope")
		}
	}
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, Validationf("payload", "payload_malformed", "decode header: %v", err)
	}
	if err := ids.Validate(h.TenantID); err != nil {
		return Header{}, err
	}
	if !h.Type.Valid() {
		return Header{}, Validation("payload", "unknown_type")
	}
	return h, nil
}

// DecodePayload decodes and validates the type-specific body. The result is one of the
// *Payload types in this package.
func DecodePayload(raw json.RawMessage, ids TenantIDs) (Header, any, error) {
	h, err := DecodeHeader(raw, ids)
	if err != nil {
		return Header{}, nil, err
	}
	var (
		v        interface{ Validate() error }
		decodeTo any
	)
	switch h.Type {
	case AIResponse:
		p := &AIResponsePayload{}
		v, decodeTo = p, p
	case MessageDelivery:
		p := &MessageDeliveryPayload{}
		v, decodeTo = p, p
	case TokenRefresh:
		p := &TokenRefreshPayload{}
		v, decodeTo = p, p
	}
	if err := json.Unmarshal(raw, decodeTo); err != nil {
		return Header{}, nil, Validationf("payload", "payload_malformed", "decode %s: %v", h.Type, err)
	}
	if err := v.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, decodeTo, nil
}

// EncodePayload stamps the header onto a typed payload and marshals the envelope.
func EncodePayload(tenantID string, t JobType, p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case *AIResponsePayload:
		v.Header = Header{TenantID: tenantID, Type: t}
	case *MessageDeliveryPayload:
		v.Header = Header{TenantID: tenantID, Type: t}
	case *TokenRefreshPayload:
		v.Header = Header{TenantID: tenantID, Type: t}
	default:
		return nil, Validation("payload", "unknown_type")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, Validationf("payload", "payload_malformed", "encode: %v", err)
	}
	return b, nil
}
