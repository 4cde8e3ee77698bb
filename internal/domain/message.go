package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	MsgFieldID         = "id"
	MsgFieldBus        = "bus"
	MsgFieldChannel    = "channel"
	MsgFieldSource     = "source"
	MsgFieldType       = "type"
	MsgFieldSticky     = "sticky"
	MsgFieldPayload    = "payload"
	MsgFieldMessageURL = "messageURL"
)

var MessageSchema = NewSchema("message",
	FieldDef{Name: MsgFieldID, Required: true},
	FieldDef{Name: MsgFieldBus, Required: true, Validate: validateNoSpaces},
	FieldDef{Name: MsgFieldChannel, Required: true, Validate: validateNoSpaces},
	FieldDef{Name: MsgFieldSource, Required: true, Validate: validateURL},
	FieldDef{Name: MsgFieldType, Required: true},
	FieldDef{Name: MsgFieldSticky, Validate: validateBool},
	FieldDef{Name: MsgFieldPayload, Required: true, Validate: validateJSON},
)

// Message is immutable after publish.
type Message struct {
	ID      string
	Bus     string
	Channel string
	Source  string
	Type    string
	Sticky  bool
	Payload json.RawMessage
}

// Frame is the public JSON projection of a message.
type Frame struct {
	MessageURL string          `json:"messageURL"`
	Source     string          `json:"source"`
	Type       string          `json:"type"`
	Bus        string          `json:"bus"`
	Channel    string          `json:"channel"`
	Sticky     string          `json:"sticky"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message from client supplied data. The source is
// always the authenticated caller's; data carrying its own source is
// rejected, as is any field outside the message schema.
func NewMessage(id, source string, data map[string]any) (Message, error) {
	if _, ok := data[MsgFieldSource]; ok {
		return Message{}, fmt.Errorf("%w: upstream messages must not include the 'source' field", ErrInvalidRequest)
	}
	for k := range data {
		switch k {
		case MsgFieldBus, MsgFieldChannel, MsgFieldType, MsgFieldSticky, MsgFieldPayload:
		default:
			return Message{}, fmt.Errorf("%w: extra invalid parameter %q", ErrInvalidRequest, k)
		}
	}

	m := Message{
		ID:      id,
		Bus:     stringValue(data[MsgFieldBus]),
		Channel: stringValue(data[MsgFieldChannel]),
		Source:  source,
		Type:    stringValue(data[MsgFieldType]),
	}

	if raw, ok := data[MsgFieldSticky]; ok && raw != nil {
		sticky, err := parseSticky(raw)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		m.Sticky = sticky
	}

	if p, ok := data[MsgFieldPayload]; ok && p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return Message{}, fmt.Errorf("%w: serializing payload: %v", ErrInvalidRequest, err)
		}
		m.Payload = b
	}

	if err := MessageSchema.Validate(m.Attributes()); err != nil {
		return Message{}, err
	}
	return m, nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func parseSticky(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		if err := validateBool(t); err != nil {
			return false, err
		}
		return strings.EqualFold(t, "true"), nil
	default:
		return false, fmt.Errorf("invalid boolean value for sticky: %v", v)
	}
}

// Attributes is the store representation of the message.
func (m Message) Attributes() map[string]string {
	return compact(map[string]string{
		MsgFieldID:      m.ID,
		MsgFieldBus:     m.Bus,
		MsgFieldChannel: m.Channel,
		MsgFieldSource:  m.Source,
		MsgFieldType:    m.Type,
		MsgFieldSticky:  strconv.FormatBool(m.Sticky),
		MsgFieldPayload: string(m.Payload),
	})
}

// MessageFromAttributes rebuilds a message read from the store.
func MessageFromAttributes(id string, attrs map[string]string) (Message, error) {
	a := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		a[k] = v
	}
	a[MsgFieldID] = id
	if err := MessageSchema.Validate(a); err != nil {
		return Message{}, err
	}
	return Message{
		ID:      id,
		Bus:     a[MsgFieldBus],
		Channel: a[MsgFieldChannel],
		Source:  a[MsgFieldSource],
		Type:    a[MsgFieldType],
		Sticky:  strings.EqualFold(a[MsgFieldSticky], "true"),
		Payload: json.RawMessage(a[MsgFieldPayload]),
	}, nil
}

// Field exposes the scope-filterable attributes.
func (m Message) Field(name string) (string, bool) {
	switch name {
	case MsgFieldID:
		return m.ID, true
	case MsgFieldBus:
		return m.Bus, true
	case MsgFieldChannel:
		return m.Channel, true
	case MsgFieldSource:
		return m.Source, true
	case MsgFieldType:
		return m.Type, true
	case MsgFieldSticky:
		return strconv.FormatBool(m.Sticky), true
	case MsgFieldPayload:
		return string(m.Payload), true
	}
	return "", false
}

// MessageURL is the canonical location of the message on serverDomain.
func MessageURL(serverDomain, id string) string {
	return "https://" + serverDomain + "/v2/message/" + id
}

func (m Message) Frame(serverDomain string, includePayload bool) Frame {
	f := Frame{
		MessageURL: MessageURL(serverDomain, m.ID),
		Source:     m.Source,
		Type:       m.Type,
		Bus:        m.Bus,
		Channel:    m.Channel,
		Sticky:     strconv.FormatBool(m.Sticky),
	}
	if includePayload {
		f.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return f
}
