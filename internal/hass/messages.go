package hass

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Hub message types.
const (
	typeAuthRequired = "auth_required"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"
	typePing         = "ping"
	typePong         = "pong"
	typeResult       = "result"
	typeEvent        = "event"
)

const eventStateChanged = "state_changed"

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// requestMessage is an id-carrying message with no other fields:
// get_states, ping and pong.
type requestMessage struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`
}

type subscribeEventsMessage struct {
	ID        uint64 `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type unsubscribeMessage struct {
	ID           uint64 `json:"id"`
	Type         string `json:"type"`
	Subscription uint64 `json:"subscription"`
}

type stateTrigger struct {
	Platform string `json:"platform"`
	EntityID string `json:"entity_id"`
}

type subscribeTriggerMessage struct {
	ID      uint64         `json:"id"`
	Type    string         `json:"type"`
	Trigger []stateTrigger `json:"trigger"`
}

type serviceTarget struct {
	EntityID string `json:"entity_id"`
}

type callServiceMessage struct {
	ID             uint64          `json:"id"`
	Type           string          `json:"type"`
	Domain         string          `json:"domain"`
	Service        string          `json:"service"`
	ServiceData    json.RawMessage `json:"service_data,omitempty"`
	Target         *serviceTarget  `json:"target,omitempty"`
	ReturnResponse bool            `json:"return_response,omitempty"`
}

// hubError is the error object of a failed result.
type hubError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *hubError) String() string {
	if e == nil {
		return ""
	}

	if e.Code == "" {
		return e.Message
	}

	return e.Code + ": " + e.Message
}

// inboundMessage is the envelope every hub message shares. Event bodies
// are read with gjson since only a few nested fields matter.
type inboundMessage struct {
	ID      uint64          `json:"id"`
	Type    string          `json:"type"`
	Success *bool           `json:"success"`
	Error   *hubError       `json:"error"`
	Result  json.RawMessage `json:"result"`
	Event   json.RawMessage `json:"event"`
}

func (m *inboundMessage) succeeded() bool {
	return m.Success != nil && *m.Success
}

func decodeInbound(data []byte) (inboundMessage, error) {
	if !gjson.ValidBytes(data) {
		return inboundMessage{}, fmt.Errorf("invalid json")
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return inboundMessage{}, fmt.Errorf("decoding envelope: %w", err)
	}

	if msg.Type == "" {
		return inboundMessage{}, fmt.Errorf("message without type")
	}

	return msg, nil
}

// stateUpdate is the state object and entity id carried by one push
// event. State is empty when the entity was removed.
type stateUpdate struct {
	EntityID string
	State    []byte
	NewState string
}

// triggerUpdate extracts event.variables.trigger from a trigger
// subscription event.
func triggerUpdate(event []byte) (stateUpdate, bool) {
	trigger := gjson.GetBytes(event, "variables.trigger")
	if !trigger.IsObject() {
		return stateUpdate{}, false
	}

	return updateFrom(trigger.Get("entity_id"), trigger.Get("to_state"))
}

// stateChangedUpdate extracts event.data.new_state from a state_changed
// event. Other event types are ignored.
func stateChangedUpdate(event []byte) (stateUpdate, bool) {
	if gjson.GetBytes(event, "event_type").String() != eventStateChanged {
		return stateUpdate{}, false
	}

	data := gjson.GetBytes(event, "data")
	if !data.IsObject() {
		return stateUpdate{}, false
	}

	return updateFrom(data.Get("entity_id"), data.Get("new_state"))
}

func updateFrom(entityID, state gjson.Result) (stateUpdate, bool) {
	u := stateUpdate{EntityID: entityID.String()}

	if state.IsObject() {
		u.State = []byte(state.Raw)
		u.NewState = state.Get("state").String()

		if u.EntityID == "" {
			u.EntityID = state.Get("entity_id").String()
		}
	}

	return u, u.EntityID != ""
}
