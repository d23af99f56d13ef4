package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
)

const (
	frameAuthRequired = "auth_required"
	frameAuth         = "auth"
	frameAuthSuccess  = "auth_success"
	frameAuthFailed   = "auth_failed"
	frameNotification = "notification"
	frameAck          = "ack"
	framePing         = "ping"
	framePong         = "pong"
	frameError        = "error"
)

var (
	errMalformedFrame = errors.New("malformed frame")
	errUnknownFrame   = errors.New("unknown message type")
)

// inboundMessage is the closed set of frames a client may send.
type inboundMessage interface {
	inbound()
}

type authMessage struct {
	Token string
}

type ackMessage struct {
	NotificationID string
}

type pingMessage struct{}

func (authMessage) inbound() {}
func (ackMessage) inbound()  {}
func (pingMessage) inbound() {}

type inboundEnvelope struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	NotificationID string `json:"notificationId"`
}

func decodeInbound(data []byte) (inboundMessage, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errMalformedFrame
	}
	switch envelope.Type {
	case frameAuth:
		return authMessage{Token: strings.TrimSpace(envelope.Token)}, nil
	case frameAck:
		return ackMessage{NotificationID: strings.TrimSpace(envelope.NotificationID)}, nil
	case framePing:
		return pingMessage{}, nil
	case "":
		return nil, errMalformedFrame
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownFrame, envelope.Type)
	}
}

type typeOnlyFrame struct {
	Type string `json:"type"`
}

type authSuccessFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type authFailedFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// notificationFrame carries the queue entry id and its payload. The payload type
// travels as notification_type because type names the frame.
type notificationFrame struct {
	Type             string         `json:"type"`
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Message          string         `json:"message"`
	NotificationType string         `json:"notification_type"`
	Priority         string         `json:"priority"`
	URLRedirect      string         `json:"url_redirect,omitempty"`
	TargetModule     string         `json:"target_module,omitempty"`
	TargetRecord     string         `json:"target_record,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Timestamp        string         `json:"timestamp"`
}

func newNotificationFrame(entry notifications.QueueEntry) (notificationFrame, error) {
	payload, err := entry.DecodePayload()
	if err != nil {
		return notificationFrame{}, err
	}
	return notificationFrame{
		Type:             frameNotification,
		ID:               entry.ID,
		Title:            payload.Title,
		Message:          payload.Message,
		NotificationType: string(payload.Type),
		Priority:         string(payload.Priority),
		URLRedirect:      payload.URLRedirect,
		TargetModule:     payload.TargetModule,
		TargetRecord:     payload.TargetRecord,
		Metadata:         payload.Metadata,
		Timestamp:        entry.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

func encodeFrame(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		data, _ = json.Marshal(errorFrame{Type: frameError, Message: "Failed to encode frame"})
	}
	return data
}
