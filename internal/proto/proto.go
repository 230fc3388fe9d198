// Package proto defines the signalling wire format shared by the WebSocket
// gateway and the orchestrator.
package proto

import (
	json "github.com/goccy/go-json"

	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
)

// Requests. Those sent with an id are acknowledged.
const (
	TypeJoinRoom         = "joinRoom"
	TypeRequestTransport = "requestTransport"
	TypeConnectTransport = "connectTransport"
	TypeStartProducing   = "startProducing"
	TypeConsumeMedia     = "consumeMedia"
	TypeUnpauseConsumer  = "unpauseConsumer"
	TypeAudioChange      = "audioChange"
	TypeVideoChange      = "videoChange"
	TypeSendChatMessage  = "sendChatMessage"
	TypeGetChatHistory   = "getChatHistory"
	TypeLeaveRoom        = "leaveRoom"
	TypePing             = "ping"
)

// Server to client.
const (
	TypeAck                    = "ack"
	TypePong                   = "pong"
	TypeError                  = "error"
	EventNewProducersToConsume = "newProducersToConsume"
	EventUpdateActiveSpeakers  = "updateActiveSpeakers"
	EventUserLeft              = "userLeft"
	EventChatMessage           = "chatMessage"
)

// Ack error strings the browser client matches on.
const (
	AckSuccess       = "success"
	AckError         = "error"
	AckCannotConsume = "cannotConsume"
	AckConsumeFailed = "consumeFailed"
)

type Envelope struct {
	Type  string          `json:"type"`
	ID    *uint64         `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func Encode(typ string, id *uint64, data any) ([]byte, error) {
	env := Envelope{Type: typ, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func EncodeError(typ string, id *uint64, msg string) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, ID: id, Error: msg})
}

func Decode(b []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(b, &env)
	return env, err
}

// DecodeData unmarshals an envelope payload. An absent payload leaves v as is.
func DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}

type JoinRoomRequest struct {
	UserName string `json:"userName" validate:"required,max=36"`
	RoomName string `json:"roomName" validate:"required,max=64"`
	UserRole string `json:"userRole" validate:"omitempty,oneof=candidate interviewer recruiter"`
}

type JoinRoomResponse struct {
	RouterRTPCapabilities core.RTPCapabilities `json:"routerRtpCapabilities"`
	NewRoom               bool                 `json:"newRoom"`
	AudioPidsToCreate     []core.ProducerID    `json:"audioPidsToCreate"`
	VideoPidsToCreate     []core.ProducerID    `json:"videoPidsToCreate"`
	AssociatedUserNames   []string             `json:"associatedUserNames"`
	AssociatedUserRoles   []domain.Role        `json:"associatedUserRoles"`
	ChatHistory           []domain.ChatMessage `json:"chatHistory"`
}

type RequestTransportRequest struct {
	Type     string          `json:"type" validate:"required"`
	AudioPid core.ProducerID `json:"audioPid"`
}

type TransportResponse struct {
	core.TransportParams
	ProducerSocketID string      `json:"producerSocketId,omitempty"`
	ProducerRole     domain.Role `json:"producerRole,omitempty"`
}

type ConnectTransportRequest struct {
	Type           string          `json:"type" validate:"required"`
	AudioPid       core.ProducerID `json:"audioPid"`
	DTLSParameters json.RawMessage `json:"dtlsParameters" validate:"required"`
}

type StartProducingRequest struct {
	Kind          string          `json:"kind" validate:"required,oneof=audio video"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type StartProducingResponse struct {
	ID core.ProducerID `json:"id"`
}

type ConsumeMediaRequest struct {
	RTPCapabilities core.RTPCapabilities `json:"rtpCapabilities"`
	Pid             core.ProducerID      `json:"pid" validate:"required"`
	Kind            string               `json:"kind" validate:"required,oneof=audio video"`
}

type ConsumeMediaResponse struct {
	ProducerID    core.ProducerID `json:"producerId"`
	ID            core.ConsumerID `json:"id"`
	Kind          domain.Kind     `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type UnpauseConsumerRequest struct {
	Pid  core.ProducerID `json:"pid" validate:"required"`
	Kind string          `json:"kind" validate:"required,oneof=audio video"`
}

// ChangeRequest carries "mute"/"unmute" for audio and "pause"/"resume" for
// video.
type ChangeRequest struct {
	Change string `json:"change" validate:"required,oneof=mute unmute pause resume"`
}

type SendChatMessageRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type GetChatHistoryRequest struct {
	Limit int `json:"limit" validate:"min=0,max=100"`
}

type NewProducersToConsume struct {
	RouterRTPCapabilities core.RTPCapabilities `json:"routerRtpCapabilities"`
	AudioPidsToCreate     []core.ProducerID    `json:"audioPidsToCreate"`
	VideoPidsToCreate     []core.ProducerID    `json:"videoPidsToCreate"`
	AssociatedUserNames   []string             `json:"associatedUserNames"`
	AssociatedUserRoles   []domain.Role        `json:"associatedUserRoles"`
	ActiveSpeakerList     []core.ProducerID    `json:"activeSpeakerList"`
}

type UserLeft struct {
	UserName string      `json:"userName"`
	SocketID string      `json:"socketId"`
	UserRole domain.Role `json:"userRole"`
}
