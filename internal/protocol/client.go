package protocol

import "encoding/json"

// Outbound (client -> server) message payloads.

const (
	CliUserMoves          MessageType = "userMoves"
	CliFollowConfirmation MessageType = "followConfirmation"
	CliFollowAbort        MessageType = "followAbort"
	CliWebRTCSignal       MessageType = "webRtcSignal"
	CliPlayGlobal         MessageType = "playGlobal"
)

type UserMoves struct {
	Position Position `cbor:"position"`
	Viewport Viewport `cbor:"viewport"`
}

type FollowConfirmation struct {
	Leader   uint32 `cbor:"leader"`
	Follower uint32 `cbor:"follower"`
}

// WebRTCSignalToServer asks the server to relay an opaque signaling
// payload to ReceiverID.
type WebRTCSignalToServer struct {
	ReceiverID uint32 `cbor:"receiverId"`
	Signal     string `cbor:"signal"`
}

// PlayGlobal broadcasts a message to the room (or the whole world).
// Type is "message" for rich text and "audio" for an audio URL.
type PlayGlobal struct {
	Type             string `cbor:"type"`
	Content          string `cbor:"content"`
	BroadcastToWorld bool   `cbor:"broadcastToWorld"`
}

// GlobalTextContent renders plain text as the quill delta document the
// front end expects as PlayGlobal content.
func GlobalTextContent(text string) string {
	doc := struct {
		Ops []struct {
			Insert string `json:"insert"`
		} `json:"ops"`
	}{
		Ops: []struct {
			Insert string `json:"insert"`
		}{{Insert: text}},
	}
	b, err := json.Marshal(doc)
	if err != nil {
		// A string field cannot fail to marshal.
		panic("protocol: quill document marshal: " + err.Error())
	}
	return string(b)
}
