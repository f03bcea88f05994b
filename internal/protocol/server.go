package protocol

// Inbound (server -> client) message payloads. Each corresponds to one
// frame type tag; batch frames carry an ordered list of sub-frames.

const (
	SrvRoomJoined           MessageType = "roomJoined"
	SrvBatch                MessageType = "batch"
	SrvUserJoined           MessageType = "userJoined"
	SrvUserLeft             MessageType = "userLeft"
	SrvUserMoved            MessageType = "userMoved"
	SrvGroupUpdate          MessageType = "groupUpdate"
	SrvGroupDelete          MessageType = "groupDelete"
	SrvItemEvent            MessageType = "itemEvent"
	SrvEmoteEvent           MessageType = "emoteEvent"
	SrvVariable             MessageType = "variable"
	SrvPlayerDetailsUpdated MessageType = "playerDetailsUpdated"
	SrvWebRTCStart          MessageType = "webRtcStart"
	SrvWebRTCSignal         MessageType = "webRtcSignal"
	SrvFollowRequest        MessageType = "followRequest"
	SrvFollowAbort          MessageType = "followAbort"
	SrvError                MessageType = "error"
)

// RoomJoined is the handshake response carrying the id the server
// assigned to this client.
type RoomJoined struct {
	CurrentUserID uint32 `cbor:"currentUserId"`
}

// Batch wraps an ordered list of sub-frames fanned out by the server.
type Batch struct {
	Payload []Frame `cbor:"payload"`
}

type UserJoined struct {
	UserID          uint32   `cbor:"userId"`
	UserUUID        string   `cbor:"userUuid"`
	Name            string   `cbor:"name"`
	CharacterLayers []string `cbor:"characterLayers,omitempty"`
	Position        Position `cbor:"position"`
}

type UserLeft struct {
	UserID uint32 `cbor:"userId"`
}

type UserMoved struct {
	UserID   uint32   `cbor:"userId"`
	Position Position `cbor:"position"`
}

type GroupUpdate struct {
	GroupID   uint32 `cbor:"groupId"`
	Position  Point  `cbor:"position"`
	GroupSize uint32 `cbor:"groupSize"`
}

type GroupDelete struct {
	GroupID uint32 `cbor:"groupId"`
}

type ItemEvent struct {
	ItemID         uint32 `cbor:"itemId"`
	Event          string `cbor:"event"`
	StateJSON      string `cbor:"stateJson"`
	ParametersJSON string `cbor:"parametersJson,omitempty"`
}

type EmoteEvent struct {
	ActorUserID uint32 `cbor:"actorUserId"`
	Emote       string `cbor:"emote"`
}

type Variable struct {
	Name  string `cbor:"name"`
	Value string `cbor:"value"`
}

type PlayerDetailsUpdated struct {
	UserID  uint32        `cbor:"userId"`
	Details PlayerDetails `cbor:"details"`
}

type PlayerDetails struct {
	OutlineColor       uint32 `cbor:"outlineColor,omitempty"`
	RemoveOutlineColor bool   `cbor:"removeOutlineColor,omitempty"`
	AvailabilityStatus int32  `cbor:"availabilityStatus,omitempty"`
}

// WebRTCStart tells the client to open a peer connection to UserID,
// acting as initiator or responder.
type WebRTCStart struct {
	UserID    uint32 `cbor:"userId"`
	Initiator bool   `cbor:"initiator"`
}

// WebRTCSignal relays an opaque signaling payload from UserID.
type WebRTCSignal struct {
	UserID uint32 `cbor:"userId"`
	Signal string `cbor:"signal"`
}

type FollowRequest struct {
	Leader uint32 `cbor:"leader"`
}

type FollowAbort struct {
	Leader   uint32 `cbor:"leader"`
	Follower uint32 `cbor:"follower,omitempty"`
}

type ServerError struct {
	Message string `cbor:"message"`
}
